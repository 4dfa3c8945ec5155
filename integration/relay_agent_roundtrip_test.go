package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"termrelay/internal/agent"
	"termrelay/internal/hub"
	"termrelay/internal/muxframe"
	"termrelay/internal/server"
	"termrelay/internal/shell"
)

type integrationSession struct {
	writeCh  chan []byte
	resizeCh chan [2]int
	outputCh chan []byte
	done     chan struct{}
	once     sync.Once
}

func newIntegrationSession() *integrationSession {
	return &integrationSession{
		writeCh:  make(chan []byte, 8),
		resizeCh: make(chan [2]int, 8),
		outputCh: make(chan []byte, 8),
		done:     make(chan struct{}),
	}
}

func (s *integrationSession) Write(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	s.writeCh <- cp
	return nil
}

func (s *integrationSession) Resize(cols, rows int) error {
	s.resizeCh <- [2]int{cols, rows}
	return nil
}

func (s *integrationSession) Output() <-chan []byte { return s.outputCh }

func (s *integrationSession) Done() <-chan struct{} { return s.done }

func (s *integrationSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type integrationManager struct {
	mu       sync.Mutex
	sessions map[string]*integrationSession
}

func (m *integrationManager) Spawn(id, name string) (shell.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := newIntegrationSession()
	m.sessions[id] = s
	return s, nil
}

func (m *integrationManager) session(id string) *integrationSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

type viewer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialViewer(t *testing.T, wsURL, code string) *viewer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	v := &viewer{t: t, conn: conn}
	if err := conn.WriteJSON(hub.ControlMessage{Type: hub.TypeAuth, SessionCode: code}); err != nil {
		t.Fatalf("auth: %v", err)
	}
	return v
}

func (v *viewer) next() (int, []byte) {
	v.t.Helper()
	mt, data, err := v.conn.ReadMessage()
	if err != nil {
		v.t.Fatalf("viewer read: %v", err)
	}
	return mt, data
}

func (v *viewer) until(want string) hub.ControlMessage {
	v.t.Helper()
	for {
		mt, data := v.next()
		if mt != websocket.TextMessage {
			continue
		}
		var msg hub.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			v.t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func (v *viewer) untilBinary() []byte {
	v.t.Helper()
	for {
		mt, data := v.next()
		if mt == websocket.BinaryMessage {
			return data
		}
	}
}

func startRelay(t *testing.T) (string, *hub.Hub) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "failed to listen on a port") ||
				strings.Contains(msg, "operation not permitted") ||
				strings.Contains(msg, "permission denied") {
				t.Skipf("network listen not permitted in this environment: %s", msg)
			}
			panic(r)
		}
	}()
	h := hub.NewHub(hub.NewRegistry(hub.RegistryOptions{}), hub.Options{})
	ts := httptest.NewServer(server.New(h, nil, server.Options{}))
	t.Cleanup(func() {
		h.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", h
}

func startAgent(t *testing.T, wsURL string, mgr shell.Manager) (<-chan string, context.CancelFunc, <-chan error) {
	t.Helper()
	codes := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	client := &agent.Client{
		RelayURL: wsURL,
		Manager:  mgr,
		Logger:   log.New(io.Discard, "", 0),
		OnCode:   func(code string, _ time.Time) { codes <- code },
	}
	go func() { done <- client.Run(ctx) }()
	return codes, cancel, done
}

func waitCode(t *testing.T, codes <-chan string) string {
	t.Helper()
	select {
	case code := <-codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not register")
		return ""
	}
}

func TestRelayAgentViewerRoundTrip(t *testing.T) {
	wsURL, h := startRelay(t)
	mgr := &integrationManager{sessions: make(map[string]*integrationSession)}
	codes, cancelAgent, agentDone := startAgent(t, wsURL, mgr)
	code := waitCode(t, codes)

	v1 := dialViewer(t, wsURL, code)
	v1.until(hub.TypeAuthSuccess)
	v2 := dialViewer(t, wsURL, strings.ToLower(code))
	v2.until(hub.TypeAuthSuccess)

	if err := v1.conn.WriteJSON(hub.ControlMessage{Type: hub.TypeCreateSession, Name: "work"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	connected := v1.until(hub.TypeSessionConnected)
	if connected.Name != "work" || connected.SubSessionID == "" {
		t.Fatalf("unexpected session_connected %+v", connected)
	}
	sid := connected.SubSessionID
	if msg := v2.until(hub.TypeSessionConnected); msg.SubSessionID != sid {
		t.Fatalf("second viewer saw %+v", msg)
	}
	sess := mgr.session(sid)
	if sess == nil {
		t.Fatalf("agent did not spawn %s", sid)
	}

	sess.outputCh <- []byte("\x1b[32mready\x1b[0m\r\n")
	for _, v := range []*viewer{v1, v2} {
		gotSID, payload, err := muxframe.Decode(v.untilBinary())
		if err != nil || gotSID != sid || string(payload) != "\x1b[32mready\x1b[0m\r\n" {
			t.Fatalf("unexpected output frame sid=%q payload=%q err=%v", gotSID, payload, err)
		}
	}

	input, _ := muxframe.Encode(sid, []byte("echo hi\r"))
	if err := v2.conn.WriteMessage(websocket.BinaryMessage, input); err != nil {
		t.Fatalf("input: %v", err)
	}
	select {
	case in := <-sess.writeCh:
		if string(in) != "echo hi\r" {
			t.Fatalf("unexpected input %q", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("input did not reach the shell")
	}

	if err := v1.conn.WriteJSON(hub.ControlMessage{Type: hub.TypeResize, SubSessionID: sid, Cols: 132, Rows: 43}); err != nil {
		t.Fatalf("resize: %v", err)
	}
	select {
	case dims := <-sess.resizeCh:
		if dims != [2]int{132, 43} {
			t.Fatalf("unexpected resize %v", dims)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resize did not reach the shell")
	}

	if err := v1.conn.WriteJSON(hub.ControlMessage{Type: hub.TypeListSessions}); err != nil {
		t.Fatalf("list: %v", err)
	}
	list := v1.until(hub.TypeSessionList)
	if len(list.Sessions) != 1 || list.Sessions[0] != (hub.SessionInfo{ID: sid, Name: "work"}) {
		t.Fatalf("unexpected list %+v", list.Sessions)
	}

	cancelAgent()
	select {
	case <-agentDone:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit")
	}
	for _, v := range []*viewer{v1, v2} {
		if msg := v.until(hub.TypeSessionDisconnected); msg.SubSessionID != sid {
			t.Fatalf("unexpected disconnect %+v", msg)
		}
		_, _, err := v.conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("expected going-away close, got %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after agent exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestViewerRejectedForUnknownCode(t *testing.T) {
	wsURL, _ := startRelay(t)
	v := dialViewer(t, wsURL, "BADCOD")
	msg := v.until(hub.TypeAuthFailed)
	if msg.Reason != hub.ErrCodeInvalidCode {
		t.Fatalf("unexpected reason %+v", msg)
	}
	_, _, err := v.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestAgentGetsFreshCodeAfterReconnect(t *testing.T) {
	wsURL, _ := startRelay(t)
	mgr := &integrationManager{sessions: make(map[string]*integrationSession)}
	codes1, cancel1, done1 := startAgent(t, wsURL, mgr)
	first := waitCode(t, codes1)
	cancel1()
	<-done1

	codes2, _, _ := startAgent(t, wsURL, mgr)
	second := waitCode(t, codes2)
	if first == second {
		t.Fatalf("expected a new code, got %q twice", first)
	}
	v := dialViewer(t, wsURL, first)
	if msg := v.until(hub.TypeAuthFailed); msg.Reason != hub.ErrCodeInvalidCode {
		t.Fatalf("old code should be gone, got %+v", msg)
	}
}
