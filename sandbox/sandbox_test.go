package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	id      string
	running bool
}

// fakeDocker is an in-memory dockerAPI.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	binds      []string
	pulls      int
	creates    int
	starts     int
	stops      int
	removes    int

	execOutput string
	execHold   bool // keep the exec stream open (timeout tests)
	execDrip   bool // keep writing output until the stream closes

	copied map[string][]byte // path -> content for CopyFromContainer
	putDir string            // last CopyToContainer destination
	putTar []byte
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: map[string]*fakeContainer{}, copied: map[string][]byte{}}
}

func notFoundErr(name string) error {
	return fmt.Errorf("no such container: %s: %w", name, cerrdefs.ErrNotFound)
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, name string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return container.InspectResponse{}, notFoundErr(name)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    c.id,
			State: &container.State{Running: c.running},
		},
	}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if hostConfig != nil {
		f.binds = append([]string(nil), hostConfig.Binds...)
	}
	id := "cid-" + name
	f.containers[name] = &fakeContainer{id: id}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, ref string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	for _, c := range f.containers {
		if c.id == ref {
			c.running = true
			return nil
		}
	}
	if c, ok := f.containers[ref]; ok {
		c.running = true
		return nil
	}
	return notFoundErr(ref)
}

func (f *fakeDocker) ContainerStop(ctx context.Context, name string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if c, ok := f.containers[name]; ok {
		c.running = false
		return nil
	}
	return notFoundErr(name)
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, name string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	if _, ok := f.containers[name]; !ok {
		return notFoundErr(name)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, name string, _ container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-" + name}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	out := f.execOutput
	hold := f.execHold
	drip := f.execDrip
	f.mu.Unlock()
	go func() {
		if out != "" {
			_, _ = server.Write([]byte(out))
		}
		for drip {
			if _, err := server.Write([]byte("tick\n")); err != nil {
				return
			}
		}
		if !hold {
			_ = server.Close()
		}
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls++
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) CopyToContainer(ctx context.Context, name, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.putDir = dstPath
	f.putTar = data
	f.mu.Unlock()
	return nil
}

func (f *fakeDocker) CopyFromContainer(ctx context.Context, name, srcPath string) (io.ReadCloser, container.PathStat, error) {
	f.mu.Lock()
	data, ok := f.copied[srcPath]
	f.mu.Unlock()
	if !ok {
		return nil, container.PathStat{}, notFoundErr(srcPath)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: filepath.Base(srcPath), Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg})
	_, _ = tw.Write(data)
	_ = tw.Close()
	return io.NopCloser(&buf), container.PathStat{}, nil
}

var _ dockerAPI = (*fakeDocker)(nil)

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	return Config{
		Image:             "steward-vm:latest",
		ContainerTemplate: "steward-vm-{user}",
		UploadDir:         filepath.Join(root, "upload"),
		StateDir:          filepath.Join(root, "state"),
		ReturnDir:         filepath.Join(root, "return"),
		HardTimeout:       5 * time.Second,
	}
}

func TestBoxNameSanitized(t *testing.T) {
	b := New(newFakeDocker(), testConfig(t), "alice smith")
	if b.Name() != "steward-vm-alice_smith" {
		t.Errorf("Name = %q", b.Name())
	}
}

func TestStartCreatesContainer(t *testing.T) {
	api := newFakeDocker()
	cfg := testConfig(t)
	b := New(api, cfg, "alice")

	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if api.pulls != 1 || api.creates != 1 || api.starts != 1 {
		t.Errorf("pulls=%d creates=%d starts=%d, want 1 each", api.pulls, api.creates, api.starts)
	}
	wantBinds := []string{
		b.HostUploadDir() + ":/data",
		b.hostStateDir() + ":/state",
		b.hostReturnDir() + ":/return",
	}
	if len(api.binds) != 3 {
		t.Fatalf("binds = %v", api.binds)
	}
	for i, want := range wantBinds {
		if api.binds[i] != want {
			t.Errorf("bind[%d] = %q, want %q", i, api.binds[i], want)
		}
	}
	for _, dir := range []string{b.HostUploadDir(), b.hostNotifyDir(), b.hostReturnDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("host dir %s missing: %v", dir, err)
		}
	}
}

func TestStartReusesRunningContainer(t *testing.T) {
	api := newFakeDocker()
	cfg := testConfig(t)
	b := New(api, cfg, "alice")
	api.containers[b.Name()] = &fakeContainer{id: "cid-old", running: true}

	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.creates != 0 || api.starts != 0 {
		t.Errorf("creates=%d starts=%d, want reuse without either", api.creates, api.starts)
	}
}

func TestStartRestartsStoppedContainer(t *testing.T) {
	api := newFakeDocker()
	cfg := testConfig(t)
	b := New(api, cfg, "alice")
	api.containers[b.Name()] = &fakeContainer{id: "cid-old"}

	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.creates != 0 || api.starts != 1 {
		t.Errorf("creates=%d starts=%d, want restart only", api.creates, api.starts)
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	api := newFakeDocker()
	api.execOutput = "hello world\n"
	b := New(api, testConfig(t), "alice")

	out, err := b.Execute(context.Background(), ExecOptions{Command: "echo hello world"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello world" {
		t.Errorf("out = %q", out)
	}
}

func TestExecuteTimeoutReportsPartialOutput(t *testing.T) {
	api := newFakeDocker()
	api.execOutput = "partial"
	api.execHold = true
	b := New(api, testConfig(t), "alice")

	out, err := b.Execute(context.Background(), ExecOptions{Command: "sleep 1000", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Command timed out after 100ms:") {
		t.Errorf("out = %q, want timeout message with the real duration", out)
	}
	if !strings.Contains(out, "partial") {
		t.Errorf("out = %q, want the captured partial output", out)
	}
}

func TestExecuteTimeoutUnderContinuousOutput(t *testing.T) {
	api := newFakeDocker()
	api.execDrip = true
	b := New(api, testConfig(t), "alice")

	// The stream keeps writing while the timed-out path snapshots the
	// partial output; run with -race to catch unsynchronized access.
	out, err := b.Execute(context.Background(), ExecOptions{Command: "yes", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Command timed out after 50ms:") {
		t.Errorf("out = %q, want timeout message", out)
	}
	if !strings.Contains(out, "tick") {
		t.Errorf("out = %q, want streamed output captured", out)
	}
}

func TestReadFile(t *testing.T) {
	api := newFakeDocker()
	api.copied["/etc/hostname"] = []byte("steward-vm\n")
	b := New(api, testConfig(t), "alice")

	data, err := b.ReadFile(context.Background(), "/etc/hostname")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "steward-vm\n" {
		t.Errorf("data = %q", data)
	}

	if _, err := b.ReadFile(context.Background(), "/missing"); err == nil {
		t.Error("ReadFile(missing) succeeded")
	}
}

func TestWriteFile(t *testing.T) {
	api := newFakeDocker()
	b := New(api, testConfig(t), "alice")

	if err := b.WriteFile(context.Background(), "/tmp/note.txt", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if api.putDir != "/tmp" {
		t.Errorf("dest dir = %q", api.putDir)
	}

	tr := tar.NewReader(bytes.NewReader(api.putTar))
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "note.txt" {
		t.Errorf("tar entry = %q", hdr.Name)
	}
	got, _ := io.ReadAll(tr)
	if string(got) != "hi" {
		t.Errorf("content = %q", got)
	}
}

func TestPostAndFetchNotifications(t *testing.T) {
	b := New(newFakeDocker(), testConfig(t), "alice")

	if err := b.PostNotification("first"); err != nil {
		t.Fatal(err)
	}
	if err := b.PostNotification("second"); err != nil {
		t.Fatal(err)
	}

	got, err := b.FetchNotifications()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("notifications = %v, want ordered pair", got)
	}

	// The queue drains on fetch.
	again, err := b.FetchNotifications()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second fetch = %v, want empty", again)
	}
}

func TestFetchNotificationsMissingDir(t *testing.T) {
	b := New(newFakeDocker(), testConfig(t), "alice")
	got, err := b.FetchNotifications()
	if err != nil || got != nil {
		t.Errorf("got %v, %v; want nil, nil", got, err)
	}
}

func TestFetchReturnedFiles(t *testing.T) {
	b := New(newFakeDocker(), testConfig(t), "alice")
	if err := os.MkdirAll(b.hostReturnDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b.hostReturnDir(), "report.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := b.FetchReturnedFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "report.txt" || string(files[0].Data) != "data" {
		t.Fatalf("files = %+v", files)
	}

	if entries, _ := os.ReadDir(b.hostReturnDir()); len(entries) != 0 {
		t.Error("return dir not drained")
	}
	// Files land in a per-user processed directory so two users returning
	// the same filename cannot collide in the shared return dir.
	userDir := filepath.Join(b.cfg.ReturnDir, "alice")
	if _, err := os.Stat(userDir); err != nil {
		t.Errorf("per-user processed dir missing: %v", err)
	}
	if entries, _ := os.ReadDir(userDir); len(entries) != 0 {
		t.Error("processed file not deleted after read")
	}
}

func TestBoxReturnWatcherDeliversFiles(t *testing.T) {
	b := New(newFakeDocker(), testConfig(t), "alice")
	if err := os.MkdirAll(b.hostReturnDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	w := b.NewReturnWatcher(20*time.Millisecond, func(name string, data []byte) error {
		got <- name + "=" + string(data)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(b.hostReturnDir(), "out.bin"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-got:
		if v != "out.bin=payload" {
			t.Errorf("delivered %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("returned file never delivered")
	}
	if entries, _ := os.ReadDir(b.hostReturnDir()); len(entries) != 0 {
		t.Error("return dir not drained")
	}
}

func TestStopRemovesNonPersistentContainer(t *testing.T) {
	api := newFakeDocker()
	b := New(api, testConfig(t), "alice")
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.removes != 1 {
		t.Errorf("removes = %d, want 1", api.removes)
	}
}

func TestStopPersistentContainerOnlyStops(t *testing.T) {
	api := newFakeDocker()
	cfg := testConfig(t)
	cfg.Persist = true
	b := New(api, cfg, "alice")
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.stops != 1 || api.removes != 0 {
		t.Errorf("stops=%d removes=%d, want stop without remove", api.stops, api.removes)
	}
}
