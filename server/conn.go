package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stewardhq/steward"
)

// request is one inbound command frame. Command-specific parameters ride
// in args and are decoded by the handler.
type request struct {
	Command string          `json:"command"`
	User    string          `json:"user,omitempty"`
	Session string          `json:"session,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// wsConn is one client connection. The user and session bind on the first
// frame that names them; later frames may omit both.
type wsConn struct {
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	user    string
	session string

	entryMu sync.Mutex
	entry   *sessionEntry
}

func (c *wsConn) run(ctx context.Context) {
	defer c.close(ctx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("server: connection dropped", "error", err)
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.writeError("invalid frame: " + err.Error())
			continue
		}
		if req.Command == "" {
			c.writeError("command is required")
			continue
		}

		c.bind(req)

		// Commands run concurrently so a streaming chat does not block
		// stdin answers or notification posts on the same connection.
		go func(req request) {
			if err := c.server.dispatch(ctx, c, req); err != nil {
				c.writeError(err.Error())
			}
		}(req)
	}
}

func (c *wsConn) bind(req request) {
	if c.user == "" && req.User != "" {
		c.user = req.User
	}
	if c.session == "" && req.Session != "" {
		c.session = req.Session
	}
	if c.user == "" {
		c.user = "default"
	}
	if c.session == "" {
		c.session = "main"
	}
}

func (c *wsConn) close(ctx context.Context) {
	if e := c.clearEntry(); e != nil {
		c.server.release(ctx, c, e)
	}
	_ = c.ws.Close()
}

// ensureEntry lazily binds the connection to its shared session. Commands
// dispatch concurrently, so two first commands can arrive here together;
// the lock makes the hub acquisition happen exactly once per connection.
func (c *wsConn) ensureEntry(ctx context.Context, team bool) (*sessionEntry, error) {
	c.entryMu.Lock()
	defer c.entryMu.Unlock()
	if c.entry != nil {
		return c.entry, nil
	}
	e, err := c.server.acquire(ctx, c, c.user, c.session, team)
	if err != nil {
		return nil, err
	}
	c.entry = e
	return e, nil
}

// clearEntry unbinds and returns the connection's entry, if any.
func (c *wsConn) clearEntry() *sessionEntry {
	c.entryMu.Lock()
	defer c.entryMu.Unlock()
	e := c.entry
	c.entry = nil
	return e
}

// --- outbound frames ---

func (c *wsConn) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.logger.Debug("server: write failed", "error", err)
	}
}

// writeText sends agent prose as a raw text frame.
func (c *wsConn) writeText(text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.logger.Debug("server: write failed", "error", err)
	}
}

func (c *wsConn) writeResult(v any) {
	c.writeJSON(map[string]any{"result": v})
}

func (c *wsConn) writeError(msg string) {
	c.writeJSON(map[string]any{"error": msg})
}

// writeEvent maps a session event onto the wire protocol.
func (c *wsConn) writeEvent(ev steward.Event) {
	switch ev.Type {
	case steward.EventText:
		c.writeText(ev.Content)
	case steward.EventToolCallStart:
		c.writeJSON(map[string]any{"tool_call": ev.Name, "args": ev.Args})
	case steward.EventToolCallResult:
		c.writeJSON(map[string]any{"tool_result": ev.Content, "name": ev.Name})
	case steward.EventStdinRequest:
		c.writeJSON(map[string]any{"stdin_request": ev.Content})
	case steward.EventNotification:
		c.writeJSON(map[string]any{"notification": ev.Content, "name": ev.Name})
	case steward.EventReturnedFile:
		c.writeJSON(map[string]any{
			"returned_file": ev.Name,
			"data":          base64.StdEncoding.EncodeToString(ev.Data),
		})
	case steward.EventError:
		c.writeError(ev.Content)
	}
}
