package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/grahama1970/cc-executor/internal/process"
	"github.com/grahama1970/cc-executor/internal/protocol"
	"github.com/grahama1970/cc-executor/internal/session"
)

// connection is one WebSocket peer. All writes go through writeMu: gorilla
// connections allow a single concurrent writer, and here responses from the
// read loop race with notifications from execution goroutines.
type connection struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	ownedMu sync.Mutex
	owned   map[string]*session.Session
}

func newConnection(srv *Server, ws *websocket.Conn) *connection {
	return &connection{
		srv:   srv,
		ws:    ws,
		owned: make(map[string]*session.Session),
	}
}

// serve runs the read loop until the peer disconnects or ctx is cancelled,
// then tears down every session this connection started.
func (c *connection) serve(ctx context.Context) {
	defer c.teardown()

	c.notify(protocol.MethodConnected, protocol.ConnectedEvent{
		Version:      protocol.Version,
		Capabilities: c.srv.capabilities(),
	})

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.logger.Warn("WebSocket read error: %v", err)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.respond(protocol.NewError(nil, protocol.ErrCodeParse, "invalid JSON"))
			continue
		}
		if req.JSONRPC != protocol.Version || req.Method == "" {
			c.respond(protocol.NewError(req.ID, protocol.ErrCodeInvalidRequest, "not a JSON-RPC 2.0 request"))
			continue
		}

		c.dispatch(&req)
	}
}

func (c *connection) dispatch(req *protocol.Request) {
	switch req.Method {
	case "execute":
		c.handleExecute(req)
	case "control":
		c.handleControl(req)
	case "status":
		c.handleStatus(req)
	default:
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeMethodNotFound, "unknown method: "+req.Method))
	}
}

func (c *connection) handleExecute(req *protocol.Request) {
	var params protocol.ExecuteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeInvalidParams, "invalid execute params"))
		return
	}
	if strings.TrimSpace(params.Command) == "" {
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeInvalidParams, "command must not be empty"))
		return
	}
	if !c.srv.cfg.CommandAllowed(params.Command) {
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeCommandNotAllowed, "command not in allow-list"))
		return
	}

	exec, err := c.srv.startExecution(c, params)
	if err != nil {
		c.respond(protocol.NewError(req.ID, errorCode(err), err.Error()))
		return
	}

	c.adopt(exec.session)
	c.respond(protocol.NewResponse(req.ID, protocol.ExecuteResult{
		SessionID: exec.session.ID,
		PID:       exec.handle.PID,
		PGID:      exec.handle.PGID,
		Timeout:   int(exec.session.Timeout.Seconds()),
		Estimated: exec.estimated,
	}))

	go exec.run()
}

func (c *connection) handleControl(req *protocol.Request) {
	var params protocol.ControlParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeInvalidParams, "invalid control params"))
		return
	}

	state, err := c.srv.control(params.SessionID, params.Action)
	if err != nil {
		c.respond(protocol.NewError(req.ID, errorCode(err), err.Error()))
		return
	}

	c.respond(protocol.NewResponse(req.ID, protocol.ControlResult{
		Accepted: true,
		Status:   string(state),
	}))
}

func (c *connection) handleStatus(req *protocol.Request) {
	var params protocol.StatusParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeInvalidParams, "invalid status params"))
		return
	}

	sess, err := c.srv.sessions.Get(params.SessionID)
	if err != nil {
		c.respond(protocol.NewError(req.ID, protocol.ErrCodeProcessNotFound, err.Error()))
		return
	}

	snap := sess.SnapshotAt(c.srv.clock.Now())
	c.respond(protocol.NewResponse(req.ID, protocol.StatusResult{
		SessionID:       snap.ID,
		State:           string(snap.State),
		ElapsedSeconds:  snap.Elapsed.Seconds(),
		LastActivityAge: snap.LastActivityAge.Seconds(),
	}))
}

// respond sends a response frame.
func (c *connection) respond(resp protocol.Response) {
	c.writeJSON(resp)
}

// notify sends a server-initiated notification frame.
func (c *connection) notify(method string, params any) {
	c.writeJSON(protocol.NewNotification(method, params))
}

func (c *connection) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.srv.logger.Debug("WebSocket write failed: %v", err)
	}
}

// adopt records a session as owned by this connection.
func (c *connection) adopt(sess *session.Session) {
	c.ownedMu.Lock()
	c.owned[sess.ID] = sess
	c.ownedMu.Unlock()
}

// release drops a finished session from the ownership table.
func (c *connection) release(id string) {
	c.ownedMu.Lock()
	delete(c.owned, id)
	c.ownedMu.Unlock()
}

// teardown cancels every session this connection still owns. An orphaned
// process group must never outlive its caller.
func (c *connection) teardown() {
	_ = c.ws.Close()

	c.ownedMu.Lock()
	owned := make([]*session.Session, 0, len(c.owned))
	for _, sess := range c.owned {
		owned = append(owned, sess)
	}
	c.owned = make(map[string]*session.Session)
	c.ownedMu.Unlock()

	for _, sess := range owned {
		if _, err := c.srv.control(sess.ID, "cancel"); err == nil {
			c.srv.logger.Info("Cancelled session %s on disconnect", sess.ID)
		}
	}
}

// errorCode maps internal errors to JSON-RPC error codes.
func errorCode(err error) int {
	var invalid *session.InvalidTransitionError
	var spawn *process.SpawnError
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		return protocol.ErrCodeSessionLimit
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrCodeProcessNotFound
	case errors.Is(err, process.ErrPauseResumeUnsupported):
		return protocol.ErrCodeControlUnsupported
	case errors.As(err, &invalid):
		return protocol.ErrCodeInvalidTransition
	case errors.As(err, &spawn):
		return protocol.ErrCodeSpawnFailed
	case errors.Is(err, errNoProcess):
		return protocol.ErrCodeProcessNotFound
	case errors.Is(err, errUnknownAction):
		return protocol.ErrCodeInvalidParams
	default:
		return protocol.ErrCodeInternal
	}
}
