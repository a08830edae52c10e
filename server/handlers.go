package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stewardhq/steward"
	"github.com/stewardhq/steward/sandbox"
)

// dispatch routes one command frame. Handler errors become {"error": ...}
// frames; streaming handlers write their own frames and return nil.
func (s *Server) dispatch(ctx context.Context, c *wsConn, req request) error {
	switch req.Command {
	case "chat":
		return s.handleChat(ctx, c, req, false)
	case "team_chat":
		return s.handleChat(ctx, c, req, true)
	case "stdin_response":
		return s.handleStdinResponse(ctx, c, req)
	case "set_think":
		return s.handleSetThink(ctx, c, req)

	case "vm_execute":
		return s.handleVMExecute(ctx, c, req)
	case "vm_execute_stream":
		return s.handleVMExecuteStream(ctx, c, req)
	case "vm_input":
		return s.handleVMInput(ctx, c, req)
	case "vm_keys":
		return s.handleVMKeys(ctx, c, req)
	case "restart_terminal":
		return s.handleRestartTerminal(ctx, c)

	case "upload_document":
		return s.handleUpload(ctx, c, req)
	case "list_documents":
		return s.handleListDocuments(ctx, c)
	case "list_dir":
		return s.handleListDir(ctx, c, req)
	case "read_file":
		return s.handleReadFile(ctx, c, req)
	case "write_file":
		return s.handleWriteFile(ctx, c, req)
	case "delete_path":
		return s.handleDeletePath(ctx, c, req)
	case "download_file":
		return s.handleDownloadFile(ctx, c, req)

	case "send_notification":
		return s.handleSendNotification(ctx, c, req)

	case "list_sessions":
		return s.handleListSessions(ctx, c)
	case "list_sessions_info":
		return s.handleListSessionsInfo(ctx, c)
	case "reset_history":
		return s.handleResetHistory(ctx, c)

	case "get_memory":
		return s.handleGetMemory(ctx, c)
	case "set_memory":
		return s.handleSetMemory(ctx, c, req)
	case "reset_memory":
		return s.handleResetMemory(ctx, c)

	default:
		return fmt.Errorf("unknown command: %s", req.Command)
	}
}

func decodeArgs(req request, v any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return &steward.ErrBadRequest{Message: "invalid args: " + err.Error()}
	}
	return nil
}

// --- chat ---

func (s *Server) handleChat(ctx context.Context, c *wsConn, req request, team bool) error {
	var params struct {
		Prompt  string            `json:"prompt"`
		Message string            `json:"message"` // accepted as an alias for prompt
		Extra   map[string]string `json:"extra"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	prompt := params.Prompt
	if prompt == "" {
		prompt = params.Message
	}
	if prompt == "" {
		return &steward.ErrBadRequest{Message: "prompt is required"}
	}

	e, err := c.ensureEntry(ctx, team)
	if err != nil {
		return err
	}

	ch := make(chan steward.Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.sess.Chat(ctx, prompt, params.Extra, ch)
	}()
	for ev := range ch {
		c.writeEvent(ev)
	}
	if err := <-errCh; err != nil {
		return err
	}
	c.writeResult("ok")
	return nil
}

func (s *Server) handleStdinResponse(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Data string `json:"data"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	e.sess.ProvideUserInput(params.Data)
	c.writeResult("ok")
	return nil
}

func (s *Server) handleSetThink(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Think bool `json:"think"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	e.sess.SetThink(params.Think)
	c.writeResult("ok")
	return nil
}

// --- terminal ---

func (s *Server) handleVMExecute(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Command == "" {
		return &steward.ErrBadRequest{Message: "command is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	out, err := e.box.Execute(ctx, sandbox.ExecOptions{
		Command: params.Command,
		Timeout: time.Duration(params.Timeout) * time.Second,
	})
	if err != nil {
		return err
	}
	c.writeResult(out)
	return nil
}

func (s *Server) handleVMExecuteStream(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Command string `json:"command"`
		Raw     bool   `json:"raw"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Command == "" {
		return &steward.ErrBadRequest{Message: "command is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	sh, err := e.box.Shell(ctx)
	if err != nil {
		return err
	}

	in := make(chan string, 64)
	out := make(chan string, 64)
	if params.Raw {
		go func() {
			defer close(out)
			for s := range in {
				out <- s
			}
		}()
	} else {
		go steward.Coalesce(ctx, in, out, 0, 0)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range out {
			c.writeJSON(map[string]any{"output": chunk})
		}
	}()

	transcript, runErr := sh.Run(ctx, params.Command, func(line string) {
		in <- line + "\n"
	}, sandbox.DefaultResponder)
	close(in)
	<-writerDone

	if runErr != nil {
		return runErr
	}
	c.writeResult(transcript)
	return nil
}

func (s *Server) handleVMInput(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Data           string  `json:"data"`
		SimulateTyping bool    `json:"simulate_typing"`
		Delay          float64 `json:"delay"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	sh, err := e.box.Shell(ctx)
	if err != nil {
		return err
	}

	data := params.Data + "\n"
	if params.SimulateTyping {
		delay := time.Duration(params.Delay * float64(time.Second))
		if err := sh.SendKeys(ctx, data, delay); err != nil {
			return err
		}
	} else if err := sh.SendInput(data); err != nil {
		return err
	}
	c.writeResult("ok")
	return nil
}

// handleVMKeys types raw keystrokes into the shell without a trailing
// newline, for full-screen programs driven key by key.
func (s *Server) handleVMKeys(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Data  string  `json:"data"`
		Delay float64 `json:"delay"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Data == "" {
		return &steward.ErrBadRequest{Message: "data is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	sh, err := e.box.Shell(ctx)
	if err != nil {
		return err
	}
	if err := sh.SendKeys(ctx, params.Data, time.Duration(params.Delay*float64(time.Second))); err != nil {
		return err
	}
	c.writeResult("ok")
	return nil
}

func (s *Server) handleRestartTerminal(ctx context.Context, c *wsConn) error {
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	if err := e.box.Restart(ctx); err != nil {
		return err
	}
	// The agent learns about the restart on its next idle poll.
	if err := e.box.PostNotification("VM terminal restarted"); err != nil {
		s.logger.Error("server: restart notification failed", "error", err)
	}
	c.writeResult("restarted")
	return nil
}

// --- files ---

func (s *Server) handleUpload(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		FilePath string `json:"file_path"`
		FileName string `json:"file_name"`
		FileData string `json:"file_data"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}

	var name string
	var data []byte
	switch {
	case params.FilePath != "":
		d, err := os.ReadFile(params.FilePath)
		if err != nil {
			return err
		}
		data = d
		name = steward.SanitizeFilename(filepath.Base(params.FilePath))
	case params.FileName != "" && params.FileData != "":
		d, err := base64.StdEncoding.DecodeString(params.FileData)
		if err != nil {
			return &steward.ErrBadRequest{Message: "invalid file_data: " + err.Error()}
		}
		data = d
		name = steward.SanitizeFilename(params.FileName)
	default:
		return &steward.ErrBadRequest{Message: "file_path or file_name+file_data required"}
	}

	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	dir := e.box.HostUploadDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return err
	}

	vmPath := "/data/" + name
	if _, err := s.store.AddDocument(ctx, c.user, vmPath, name); err != nil {
		return err
	}
	c.writeResult(vmPath)
	return nil
}

func (s *Server) handleListDocuments(ctx context.Context, c *wsConn) error {
	docs, err := s.store.Documents(ctx, c.user)
	if err != nil {
		return err
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, map[string]any{"name": d.Name, "path": d.Path, "uploaded_at": d.UploadedAt})
	}
	c.writeResult(out)
	return nil
}

func (s *Server) handleListDir(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Path == "" {
		params.Path = "."
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	out, err := e.box.Execute(ctx, sandbox.ExecOptions{Command: fmt.Sprintf("ls -la -- %q", params.Path)})
	if err != nil {
		return err
	}
	c.writeResult(out)
	return nil
}

func (s *Server) handleReadFile(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Path == "" {
		return &steward.ErrBadRequest{Message: "path is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	data, err := e.box.ReadFile(ctx, params.Path)
	if err != nil {
		return err
	}
	c.writeResult(string(data))
	return nil
}

func (s *Server) handleWriteFile(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Path == "" {
		return &steward.ErrBadRequest{Message: "path is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	if err := e.box.WriteFile(ctx, params.Path, []byte(params.Content)); err != nil {
		return err
	}
	c.writeResult("ok")
	return nil
}

func (s *Server) handleDeletePath(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Path == "" {
		return &steward.ErrBadRequest{Message: "path is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	if _, err := e.box.Execute(ctx, sandbox.ExecOptions{Command: fmt.Sprintf("rm -rf -- %q", params.Path)}); err != nil {
		return err
	}
	c.writeResult("ok")
	return nil
}

func (s *Server) handleDownloadFile(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Path string `json:"path"`
		Dest string `json:"dest"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Path == "" {
		return &steward.ErrBadRequest{Message: "path is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	data, err := e.box.ReadFile(ctx, params.Path)
	if err != nil {
		return err
	}

	if params.Dest != "" {
		if err := os.WriteFile(params.Dest, data, 0o644); err != nil {
			return err
		}
		c.writeResult(params.Dest)
		return nil
	}
	c.writeJSON(map[string]any{
		"returned_file": filepath.Base(params.Path),
		"data":          base64.StdEncoding.EncodeToString(data),
	})
	return nil
}

// --- notifications ---

func (s *Server) handleSendNotification(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Message string `json:"message"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	if params.Message == "" {
		return &steward.ErrBadRequest{Message: "message is required"}
	}
	e, err := c.ensureEntry(ctx, false)
	if err != nil {
		return err
	}
	if err := e.box.PostNotification(params.Message); err != nil {
		return err
	}
	c.writeResult("ok")
	return nil
}

// --- sessions and memory ---

func (s *Server) handleListSessions(ctx context.Context, c *wsConn) error {
	names, err := s.store.ListSessions(ctx, c.user)
	if err != nil {
		return err
	}
	c.writeResult(names)
	return nil
}

func (s *Server) handleListSessionsInfo(ctx context.Context, c *wsConn) error {
	infos, err := s.store.ListSessionsInfo(ctx, c.user)
	if err != nil {
		return err
	}
	out := make([]map[string]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]string{
			"name":         info.Name,
			"last_message": steward.Snippet(info.LastMessage, 50),
		})
	}
	c.writeResult(out)
	return nil
}

func (s *Server) handleResetHistory(ctx context.Context, c *wsConn) error {
	if err := s.store.ResetHistory(ctx, c.user, c.session); err != nil {
		return err
	}
	// Drop the live session so the next command starts from the empty log.
	if e := c.clearEntry(); e != nil {
		s.drop(ctx, e)
	}
	c.writeResult("ok")
	return nil
}

func (s *Server) handleGetMemory(ctx context.Context, c *wsConn) error {
	mem, err := s.memory.Get(ctx, c.user)
	if err != nil {
		return err
	}
	c.writeResult(mem)
	return nil
}

func (s *Server) handleSetMemory(ctx context.Context, c *wsConn, req request) error {
	var params struct {
		Memory string `json:"memory"`
	}
	if err := decodeArgs(req, &params); err != nil {
		return err
	}
	stored, err := s.memory.Set(ctx, c.user, params.Memory)
	if err != nil {
		return err
	}
	c.writeResult(stored)
	return nil
}

func (s *Server) handleResetMemory(ctx context.Context, c *wsConn) error {
	mem, err := s.memory.Reset(ctx, c.user)
	if err != nil {
		return err
	}
	c.writeResult(mem)
	return nil
}
