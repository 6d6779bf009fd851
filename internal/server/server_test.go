//go:build unix

package server

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grahama1970/cc-executor/internal/config"
	"github.com/grahama1970/cc-executor/internal/protocol"
	"github.com/grahama1970/cc-executor/internal/timing"
	"github.com/grahama1970/cc-executor/internal/verify"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TimingDir = t.TempDir()
	cfg.MetricsEnabled = false
	cfg.TimeoutFloor = time.Second
	cfg.GracePeriod = 500 * time.Millisecond
	cfg.QuietPeriod = 100 * time.Millisecond
	cfg.HeartbeatInterval = 300 * time.Millisecond
	return cfg
}

// dial starts an httptest server around the executor and opens a WebSocket,
// consuming the initial connected notification.
func dial(t *testing.T, cfg *config.Config) *websocket.Conn {
	t.Helper()

	store, err := timing.NewFileStore(cfg.TimingDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(cfg, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/mcp"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	msg := readFrame(t, ws)
	if msg["method"] != protocol.MethodConnected {
		t.Fatalf("first frame method = %v, want connected", msg["method"])
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return msg
}

func send(t *testing.T, ws *websocket.Conn, id int, method string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := protocol.Request{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  raw,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
	}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

// awaitResponse reads frames until the response with the given id arrives,
// discarding interleaved notifications.
func awaitResponse(t *testing.T, ws *websocket.Conn, id int) map[string]any {
	t.Helper()
	want := fmt.Sprintf("%v", id)
	for i := 0; i < 200; i++ {
		msg := readFrame(t, ws)
		if fmt.Sprintf("%v", msg["id"]) == want {
			return msg
		}
	}
	t.Fatalf("no response with id %d", id)
	return nil
}

// awaitNotification reads frames until one with the given method arrives.
func awaitNotification(t *testing.T, ws *websocket.Conn, method string) map[string]any {
	t.Helper()
	for i := 0; i < 500; i++ {
		msg := readFrame(t, ws)
		if msg["method"] == method {
			return msg
		}
	}
	t.Fatalf("no %s notification", method)
	return nil
}

func params(msg map[string]any) map[string]any {
	p, _ := msg["params"].(map[string]any)
	return p
}

func result(msg map[string]any) map[string]any {
	r, _ := msg["result"].(map[string]any)
	return r
}

func errorCodeOf(msg map[string]any) int {
	e, _ := msg["error"].(map[string]any)
	code, _ := e["code"].(float64)
	return int(code)
}

func TestExecuteStreamsOutputAndCompletes(t *testing.T) {
	ws := dial(t, testConfig(t))

	send(t, ws, 1, "execute", protocol.ExecuteParams{
		Command: "echo hello; echo oops 1>&2",
	})

	resp := awaitResponse(t, ws, 1)
	res := result(resp)
	sessionID, _ := res["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session_id in result: %v", resp)
	}
	if pid, _ := res["pid"].(float64); pid <= 0 {
		t.Errorf("pid = %v", res["pid"])
	}
	if est, _ := res["estimated"].(bool); !est {
		t.Error("estimated = false, want true when no timeout given")
	}

	var stdout, stderr strings.Builder
	for {
		msg := readFrame(t, ws)
		switch msg["method"] {
		case protocol.MethodOutput:
			p := params(msg)
			if p["session_id"] != sessionID {
				t.Errorf("output for foreign session %v", p["session_id"])
			}
			data, _ := p["data"].(string)
			switch p["stream"] {
			case "stdout":
				stdout.WriteString(data)
			case "stderr":
				stderr.WriteString(data)
			}
		case protocol.MethodCompleted:
			p := params(msg)
			if code, _ := p["exit_code"].(float64); code != 0 {
				t.Errorf("exit_code = %v, want 0", p["exit_code"])
			}
			if verified, _ := p["verified"].(bool); verified {
				t.Error("verified = true without nonce echo")
			}
			if stdout.String() != "hello\n" {
				t.Errorf("stdout = %q", stdout.String())
			}
			if stderr.String() != "oops\n" {
				t.Errorf("stderr = %q", stderr.String())
			}
			return
		}
	}
}

func TestNonceEchoVerifies(t *testing.T) {
	ws := dial(t, testConfig(t))

	// The worker reads its nonce from the environment and echoes the marker,
	// which is exactly what a cooperative agent is instructed to do.
	send(t, ws, 1, "execute", protocol.ExecuteParams{
		Command: "echo " + verify.MarkerKey + "=$CC_EXECUTOR_NONCE",
	})
	awaitResponse(t, ws, 1)

	done := awaitNotification(t, ws, protocol.MethodCompleted)
	p := params(done)
	if verified, _ := p["verified"].(bool); !verified {
		t.Error("verified = false, want true after nonce echo")
	}
}

func TestCancelTerminatesSession(t *testing.T) {
	ws := dial(t, testConfig(t))

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "sleep 30"})
	res := result(awaitResponse(t, ws, 1))
	sessionID, _ := res["session_id"].(string)
	pgid := int(res["pgid"].(float64))

	send(t, ws, 2, "control", protocol.ControlParams{Action: "cancel", SessionID: sessionID})
	resp := awaitResponse(t, ws, 2)
	if errorCodeOf(resp) != 0 {
		t.Fatalf("cancel rejected: %v", resp)
	}
	if result(resp)["status"] != "CANCELLED" {
		t.Errorf("status = %v, want CANCELLED", result(resp)["status"])
	}

	done := awaitNotification(t, ws, protocol.MethodCompleted)
	if code, _ := params(done)["exit_code"].(float64); code == 0 {
		t.Error("cancelled session reported exit 0")
	}

	// The whole group must be gone shortly after.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pgid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("process group still alive after cancel")
}

func TestPauseResumeRoundTrip(t *testing.T) {
	ws := dial(t, testConfig(t))

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "sleep 30"})
	sessionID, _ := result(awaitResponse(t, ws, 1))["session_id"].(string)

	send(t, ws, 2, "control", protocol.ControlParams{Action: "pause", SessionID: sessionID})
	if got := result(awaitResponse(t, ws, 2))["status"]; got != "PAUSED" {
		t.Fatalf("pause status = %v", got)
	}

	// Pause of a paused session is an invalid transition.
	send(t, ws, 3, "control", protocol.ControlParams{Action: "pause", SessionID: sessionID})
	if code := errorCodeOf(awaitResponse(t, ws, 3)); code != protocol.ErrCodeInvalidTransition {
		t.Errorf("double pause error = %d, want %d", code, protocol.ErrCodeInvalidTransition)
	}

	send(t, ws, 4, "control", protocol.ControlParams{Action: "resume", SessionID: sessionID})
	if got := result(awaitResponse(t, ws, 4))["status"]; got != "RUNNING" {
		t.Fatalf("resume status = %v", got)
	}

	send(t, ws, 5, "status", protocol.StatusParams{SessionID: sessionID})
	if got := result(awaitResponse(t, ws, 5))["state"]; got != "RUNNING" {
		t.Errorf("state after resume = %v", got)
	}

	send(t, ws, 6, "control", protocol.ControlParams{Action: "cancel", SessionID: sessionID})
	awaitResponse(t, ws, 6)
	awaitNotification(t, ws, protocol.MethodCompleted)
}

func TestResumeWithoutPauseRejected(t *testing.T) {
	ws := dial(t, testConfig(t))

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "sleep 30"})
	sessionID, _ := result(awaitResponse(t, ws, 1))["session_id"].(string)

	send(t, ws, 2, "control", protocol.ControlParams{Action: "resume", SessionID: sessionID})
	if code := errorCodeOf(awaitResponse(t, ws, 2)); code != protocol.ErrCodeInvalidTransition {
		t.Errorf("resume error = %d, want %d", code, protocol.ErrCodeInvalidTransition)
	}

	send(t, ws, 3, "control", protocol.ControlParams{Action: "cancel", SessionID: sessionID})
	awaitResponse(t, ws, 3)
}

func TestSessionLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSessions = 1
	ws := dial(t, cfg)

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "sleep 30"})
	sessionID, _ := result(awaitResponse(t, ws, 1))["session_id"].(string)

	send(t, ws, 2, "execute", protocol.ExecuteParams{Command: "echo hi"})
	if code := errorCodeOf(awaitResponse(t, ws, 2)); code != protocol.ErrCodeSessionLimit {
		t.Errorf("over-limit error = %d, want %d", code, protocol.ErrCodeSessionLimit)
	}

	send(t, ws, 3, "control", protocol.ControlParams{Action: "cancel", SessionID: sessionID})
	awaitResponse(t, ws, 3)
	awaitNotification(t, ws, protocol.MethodCompleted)

	// The freed slot admits a new session.
	send(t, ws, 4, "execute", protocol.ExecuteParams{Command: "echo hi"})
	if errorCodeOf(awaitResponse(t, ws, 4)) != 0 {
		t.Error("execute after slot freed was rejected")
	}
}

func TestCommandAllowList(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedCommands = []string{"echo"}
	ws := dial(t, cfg)

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "rm -rf /tmp/x"})
	if code := errorCodeOf(awaitResponse(t, ws, 1)); code != protocol.ErrCodeCommandNotAllowed {
		t.Errorf("disallowed command error = %d, want %d", code, protocol.ErrCodeCommandNotAllowed)
	}

	send(t, ws, 2, "execute", protocol.ExecuteParams{Command: "echo ok"})
	if errorCodeOf(awaitResponse(t, ws, 2)) != 0 {
		t.Error("allowed command rejected")
	}
}

func TestTimeoutCancelsExecution(t *testing.T) {
	ws := dial(t, testConfig(t))

	send(t, ws, 1, "execute", protocol.ExecuteParams{
		Command:        "sleep 30",
		TimeoutSeconds: 1,
	})
	res := result(awaitResponse(t, ws, 1))
	if est, _ := res["estimated"].(bool); est {
		t.Error("estimated = true for explicit timeout")
	}

	errEvent := awaitNotification(t, ws, protocol.MethodError)
	if code, _ := params(errEvent)["code"].(float64); int(code) != protocol.ErrCodeTimeout {
		t.Errorf("error event code = %v, want %d", code, protocol.ErrCodeTimeout)
	}

	awaitNotification(t, ws, protocol.MethodCompleted)
}

func TestStallAndHeartbeatNotices(t *testing.T) {
	cfg := testConfig(t)
	cfg.StallRatio = 0.5
	ws := dial(t, cfg)

	// Timeout 4s, stall 2s: the silent sleep triggers a stall notice and
	// heartbeats before finishing on its own.
	send(t, ws, 1, "execute", protocol.ExecuteParams{
		Command:        "sleep 3",
		TimeoutSeconds: 4,
	})
	awaitResponse(t, ws, 1)

	var sawStall, sawHeartbeat bool
	for {
		msg := readFrame(t, ws)
		switch msg["method"] {
		case protocol.MethodStall:
			sawStall = true
		case protocol.MethodHeartbeat:
			sawHeartbeat = true
		case protocol.MethodCompleted:
			if !sawStall {
				t.Error("no stall notice during silent run")
			}
			if !sawHeartbeat {
				t.Error("no heartbeat during silent run")
			}
			return
		}
	}
}

func TestProtocolErrors(t *testing.T) {
	ws := dial(t, testConfig(t))

	// Unknown method.
	send(t, ws, 1, "bogus", nil)
	if code := errorCodeOf(awaitResponse(t, ws, 1)); code != protocol.ErrCodeMethodNotFound {
		t.Errorf("unknown method error = %d", code)
	}

	// Unknown session.
	send(t, ws, 2, "control", protocol.ControlParams{Action: "cancel", SessionID: "missing"})
	if code := errorCodeOf(awaitResponse(t, ws, 2)); code != protocol.ErrCodeProcessNotFound {
		t.Errorf("unknown session error = %d", code)
	}

	// Empty command.
	send(t, ws, 3, "execute", protocol.ExecuteParams{Command: "   "})
	if code := errorCodeOf(awaitResponse(t, ws, 3)); code != protocol.ErrCodeInvalidParams {
		t.Errorf("empty command error = %d", code)
	}

	// Raw garbage.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg := readFrame(t, ws)
	if code := errorCodeOf(msg); code != protocol.ErrCodeParse {
		t.Errorf("parse error = %d", code)
	}
}

func TestDisconnectCancelsOwnedSessions(t *testing.T) {
	ws := dial(t, testConfig(t))

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "sleep 30"})
	res := result(awaitResponse(t, ws, 1))
	pgid := int(res["pgid"].(float64))

	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pgid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("worker survived its connection")
}

func TestTimingRecordedAfterRun(t *testing.T) {
	cfg := testConfig(t)
	ws := dial(t, cfg)

	send(t, ws, 1, "execute", protocol.ExecuteParams{Command: "echo done"})
	awaitResponse(t, ws, 1)
	awaitNotification(t, ws, protocol.MethodCompleted)

	store, err := timing.NewFileStore(cfg.TimingDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	// "echo done" classifies as system/simple/print.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := store.StatsCategory("system")
		if err == nil && stats.Count == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("no timing record written for the finished session")
}
