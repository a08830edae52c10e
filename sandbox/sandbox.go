// Package sandbox runs per-user Linux containers that back the agent's
// terminal: one-shot commands, a persistent interactive shell, file
// exchange over bind mounts, and the notification/return-file queues the
// agent uses to reach the user asynchronously.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stewardhq/steward"
)

// dockerAPI is the slice of the Docker Engine API the sandbox uses.
// *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
}

// NewDockerClient builds an Engine API client. host overrides DOCKER_HOST
// when non-empty (e.g. "ssh://vmhost" or "tcp://10.0.0.5:2376").
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

// Config holds sandbox settings shared by all boxes.
type Config struct {
	Image             string
	ContainerTemplate string // "{user}" is replaced by the sanitized username
	UploadDir         string
	StateDir          string
	ReturnDir         string
	Persist           bool
	HardTimeout       time.Duration
	TypeDelay         time.Duration // per-character delay for simulated typing
}

// ExecOptions configures one-shot command execution.
type ExecOptions struct {
	Command string
	Stdin   string        // piped to the command, then stdin is closed
	Timeout time.Duration // 0 uses the configured hard timeout
}

// BoxOption configures a Box.
type BoxOption func(*Box)

// WithLogger sets a structured logger for the box.
func WithLogger(l *slog.Logger) BoxOption {
	return func(b *Box) { b.logger = l }
}

// Box is one user's sandbox container. Safe for concurrent use.
type Box struct {
	api    dockerAPI
	cfg    Config
	user   string // sanitized username
	name   string // container name
	logger *slog.Logger

	mu      sync.Mutex
	id      string // container id once started
	shell   *Shell
	lastTS  string
	lastSeq int
}

// New builds a Box for username. Start must be called before use.
func New(api dockerAPI, cfg Config, username string, opts ...BoxOption) *Box {
	user := steward.SanitizeName(username)
	b := &Box{
		api:    api,
		cfg:    cfg,
		user:   user,
		name:   strings.ReplaceAll(cfg.ContainerTemplate, "{user}", user),
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Name returns the container name.
func (b *Box) Name() string { return b.name }

// hostStateDir is the per-user state directory on the host.
func (b *Box) hostStateDir() string { return filepath.Join(b.cfg.StateDir, b.user) }

// hostNotifyDir holds notification files written by PostNotification.
func (b *Box) hostNotifyDir() string { return filepath.Join(b.hostStateDir(), "notifications") }

// hostReturnDir is the bind target for /return inside the container.
func (b *Box) hostReturnDir() string { return filepath.Join(b.hostStateDir(), "return") }

// HostUploadDir is the bind target for /data inside the container.
func (b *Box) HostUploadDir() string { return filepath.Join(b.cfg.UploadDir, b.user) }

// Start brings the container up: an existing running container is reused,
// a stopped one is restarted, and otherwise the image is pulled and a
// fresh container created with the user's bind mounts.
func (b *Box) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx)
}

func (b *Box) startLocked(ctx context.Context) error {
	info, err := b.api.ContainerInspect(ctx, b.name)
	switch {
	case err == nil && info.State != nil && info.State.Running:
		b.id = info.ID
		b.logger.Debug("sandbox: reusing running container", "name", b.name)
		return nil

	case err == nil:
		b.id = info.ID
		if err := b.api.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
			return &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
		}
		b.logger.Info("sandbox: restarted stopped container", "name", b.name)
		return nil

	case client.IsErrNotFound(err):
		return b.createLocked(ctx)

	default:
		return &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
}

func (b *Box) createLocked(ctx context.Context) error {
	for _, dir := range []string{b.HostUploadDir(), b.hostStateDir(), b.hostNotifyDir(), b.hostReturnDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
		}
	}

	rc, err := b.api.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
	// Pull progress must be drained for the pull to complete.
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	created, err := b.api.ContainerCreate(ctx,
		&container.Config{
			Image: b.cfg.Image,
			Cmd:   []string{"sleep", "infinity"},
		},
		&container.HostConfig{
			Binds: []string{
				b.HostUploadDir() + ":/data",
				b.hostStateDir() + ":/state",
				b.hostReturnDir() + ":/return",
			},
		},
		nil, nil, b.name)
	if err != nil {
		return &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
	b.id = created.ID
	if err := b.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
	b.logger.Info("sandbox: container created", "name", b.name, "image", b.cfg.Image)
	return nil
}

// Execute runs a one-shot command under a login shell with a PTY. Output
// is tail-limited; hitting the timeout reports what was captured so far.
func (b *Box) Execute(ctx context.Context, opts ExecOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.HardTimeout
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"bash", "-lc", opts.Command},
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != "",
		Tty:          true,
	}
	created, err := b.api.ContainerExecCreate(ctx, b.name, execCfg)
	if err != nil {
		return "", &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
	attach, err := b.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return "", &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
	defer attach.Close()

	if opts.Stdin != "" {
		if _, err := attach.Conn.Write([]byte(opts.Stdin)); err == nil {
			_ = attach.CloseWrite()
		}
	}

	done := make(chan error, 1)
	var buf execBuffer
	go func() {
		_, err := io.Copy(&buf, attach.Reader)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return "", err
		}
		return steward.LimitOutput(buf.String(), 0), nil
	case <-timer.C:
		attach.Close()
		partial := steward.LimitOutput(buf.String(), 0)
		return fmt.Sprintf("Command timed out after %s: %s", timeout, partial), nil
	case <-ctx.Done():
		attach.Close()
		return "", ctx.Err()
	}
}

// execBuffer collects exec output. The copier goroutine keeps writing after
// a timeout while the timed-out path reads the partial output, so both
// sides go through the lock.
type execBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *execBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *execBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Shell returns the box's persistent interactive shell, creating it on
// first use.
func (b *Box) Shell(ctx context.Context) (*Shell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shell != nil {
		return b.shell, nil
	}

	created, err := b.api.ContainerExecCreate(ctx, b.name, container.ExecOptions{
		Cmd:          []string{"bash", "-li"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}
	attach, err := b.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, &steward.ErrSandboxUnavailable{Name: b.name, Err: err}
	}

	b.shell = newShell(attach.Conn, attach.Reader, b.cfg.TypeDelay, b.logger)
	return b.shell, nil
}

// ReadFile copies one file out of the container.
func (b *Box) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := b.api.CopyFromContainer(ctx, b.name, path)
	if err != nil {
		return nil, &steward.ErrCopyFailed{Src: path, Dst: "host", Err: err}
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &steward.ErrCopyFailed{Src: path, Dst: "host", Err: err}
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, &steward.ErrCopyFailed{Src: path, Dst: "host", Err: fmt.Errorf("no regular file in archive")}
}

// WriteFile copies data into the container at path.
func (b *Box) WriteFile(ctx context.Context, path string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := b.api.CopyToContainer(ctx, b.name, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return &steward.ErrCopyFailed{Src: "host", Dst: path, Err: err}
	}
	return nil
}

// PostNotification queues a message for the user by writing a timestamped
// file into the notification directory. A per-box sequence suffix keeps
// names unique and ordered within one clock tick.
func (b *Box) PostNotification(message string) error {
	b.mu.Lock()
	ts := time.Now().UTC().Format("20060102150405.000000")
	ts = strings.ReplaceAll(ts, ".", "")
	if ts == b.lastTS {
		b.lastSeq++
	} else {
		b.lastTS = ts
		b.lastSeq = 0
	}
	name := fmt.Sprintf("%s_%03d.txt", ts, b.lastSeq)
	b.mu.Unlock()

	if err := os.MkdirAll(b.hostNotifyDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.hostNotifyDir(), name), []byte(message), 0o644)
}

// FetchNotifications drains queued notification files in name order.
// Each file is read and deleted.
func (b *Box) FetchNotifications() ([]string, error) {
	entries, err := os.ReadDir(b.hostNotifyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		p := filepath.Join(b.hostNotifyDir(), name)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		_ = os.Remove(p)
		out = append(out, string(data))
	}
	return out, nil
}

// processedReturnDir is the per-user landing area for drained return
// files. Users share cfg.ReturnDir, so same-named files from different
// users must not collide.
func (b *Box) processedReturnDir() string { return filepath.Join(b.cfg.ReturnDir, b.user) }

// FetchReturnedFiles drains files the agent dropped into /return. Each file
// is moved to the user's processed return directory, read, and deleted.
func (b *Box) FetchReturnedFiles() ([]steward.ReturnedFile, error) {
	entries, err := os.ReadDir(b.hostReturnDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) > 0 {
		if err := os.MkdirAll(b.processedReturnDir(), 0o755); err != nil {
			return nil, err
		}
	}

	var out []steward.ReturnedFile
	for _, name := range names {
		src := filepath.Join(b.hostReturnDir(), name)
		dst := filepath.Join(b.processedReturnDir(), name)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				// Another drainer claimed the file first.
				continue
			}
			b.logger.Error("sandbox: move returned file failed", "file", name, "error", err)
			continue
		}
		data, err := os.ReadFile(dst)
		if err != nil {
			b.logger.Error("sandbox: read returned file failed", "file", name, "error", err)
			continue
		}
		_ = os.Remove(dst)
		out = append(out, steward.ReturnedFile{Name: name, Data: data})
	}
	return out, nil
}

// NewReturnWatcher builds a watcher over this box's return directory,
// feeding callback as the agent drops files into /return. It shares the
// per-user processed directory with FetchReturnedFiles, so either drainer
// may claim a file and the other skips it.
func (b *Box) NewReturnWatcher(interval time.Duration, callback func(name string, data []byte) error) *ReturnWatcher {
	return NewReturnWatcher(b.hostReturnDir(), b.processedReturnDir(), interval, callback, b.logger)
}

// Stop tears down the shell and stops the container. Non-persistent boxes
// are removed entirely.
func (b *Box) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.shell != nil {
		b.shell.Close()
		b.shell = nil
	}
	b.mu.Unlock()

	if b.cfg.Persist {
		if err := b.api.ContainerStop(ctx, b.name, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
			return err
		}
		return nil
	}
	if err := b.api.ContainerRemove(ctx, b.name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Restart stops and restarts the container, discarding the shell.
func (b *Box) Restart(ctx context.Context) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	return b.Start(ctx)
}

var _ steward.NotificationSource = (*Box)(nil)
