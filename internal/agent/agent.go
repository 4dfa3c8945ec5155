// Package agent is the local side of the relay: it registers for a pairing
// code and serves shell sub-sessions to whichever viewers join with it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"termrelay/internal/hub"
	"termrelay/internal/muxframe"
	"termrelay/internal/shell"
)

// ErrCodeExpired is returned by Run when the relay reports that the pairing
// code lapsed before any viewer joined. Reconnecting issues a fresh code.
var ErrCodeExpired = errors.New("pairing code expired")

const writeWait = 10 * time.Second

type Client struct {
	RelayURL string
	ClientID string
	Manager  shell.Manager
	// Hooks, when set, supplies shells that registered themselves locally.
	// They are announced on every connection and outlive reconnects.
	Hooks  shell.HookSource
	Logger *log.Logger
	// OnCode is called with every pairing code the relay issues.
	OnCode func(code string, expiresAt time.Time)

	writeMu    sync.Mutex
	registered atomic.Bool
}

type subSession struct {
	id      string
	name    string
	sess    shell.Session
	renames <-chan string
	// hooked sessions belong to the hook source and survive this run.
	hooked bool
}

type run struct {
	c    *Client
	conn *websocket.Conn

	mu       sync.Mutex
	sessions map[string]*subSession
	wg       sync.WaitGroup
	stop     chan struct{}
}

func (c *Client) Run(ctx context.Context) error {
	if c.Manager == nil {
		return errors.New("manager required")
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	c.registered.Store(false)

	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	r := &run{c: c, conn: conn, sessions: make(map[string]*subSession), stop: make(chan struct{})}
	defer r.closeAll()

	if err := r.writeJSON(hub.ControlMessage{Type: hub.TypeRegister, ClientID: c.ClientID}); err != nil {
		return err
	}
	var first hub.ControlMessage
	if err := conn.ReadJSON(&first); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if first.Type != hub.TypeRegistered {
		return fmt.Errorf("registration rejected: %s %s", first.Code, first.Message)
	}
	c.registered.Store(true)
	var expiresAt time.Time
	if first.ExpiresAt != nil {
		expiresAt = *first.ExpiresAt
	}
	c.Logger.Printf("registered code=%s client=%s", first.Code, c.ClientID)
	if c.OnCode != nil {
		c.OnCode(first.Code, expiresAt)
	}
	r.restore()
	r.watchHooks()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			var msg hub.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if err := r.handleControl(msg); err != nil {
				return err
			}
		case websocket.BinaryMessage:
			sid, payload, err := muxframe.Decode(data)
			if err != nil {
				continue
			}
			if s := r.lookup(sid); s != nil {
				_ = s.sess.Write(payload)
			}
		}
	}
}

func (r *run) handleControl(msg hub.ControlMessage) error {
	switch msg.Type {
	case hub.TypeViewerConnected:
		r.c.Logger.Printf("viewer connected viewer=%s", msg.ViewerID)
		return r.writeJSON(hub.ControlMessage{Type: hub.TypeSessionList, Sessions: r.list()})
	case hub.TypeCreateSession:
		if _, err := r.spawn(msg.Name); err != nil {
			r.c.Logger.Printf("create session failed name=%q: %v", msg.Name, err)
		}
	case hub.TypeCloseSession:
		if s := r.lookup(msg.SubSessionID); s != nil {
			_ = s.sess.Close()
		}
	case hub.TypeResize:
		if s := r.lookup(msg.SubSessionID); s != nil && msg.Cols > 0 && msg.Rows > 0 {
			_ = s.sess.Resize(msg.Cols, msg.Rows)
		}
	case hub.TypePing:
		return r.writeJSON(hub.ControlMessage{Type: hub.TypePong})
	case hub.TypeError:
		if msg.Code == hub.ErrCodeExpiredCode {
			return ErrCodeExpired
		}
		r.c.Logger.Printf("relay error code=%s: %s", msg.Code, msg.Message)
	}
	return nil
}

// restore re-attaches sessions that outlived a previous run.
func (r *run) restore() {
	lister, ok := r.c.Manager.(shell.Lister)
	if !ok {
		return
	}
	names, err := lister.ListSessions()
	if err != nil {
		return
	}
	for _, name := range names {
		if _, err := r.spawn(name); err != nil {
			r.c.Logger.Printf("restore session failed name=%q: %v", name, err)
		}
	}
}

// watchHooks attaches every hooked shell, current and future, until the run ends.
func (r *run) watchHooks() {
	if r.c.Hooks == nil {
		return
	}
	current, added, cancel := r.c.Hooks.Subscribe()
	for _, h := range current {
		r.attach(h)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		for {
			select {
			case h := <-added:
				r.attach(h)
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *run) attach(h shell.Hooked) {
	select {
	case <-h.Done():
		return
	default:
	}
	r.start(&subSession{id: h.ID(), name: h.Name(), sess: h, renames: h.Renames(), hooked: true})
}

func (r *run) spawn(name string) (*subSession, error) {
	id := uuid.NewString()[:8]
	if name == "" {
		name = id
	}
	sess, err := r.c.Manager.Spawn(id, name)
	if err != nil {
		return nil, err
	}
	s := &subSession{id: id, name: name, sess: sess}
	r.start(s)
	return s, nil
}

func (r *run) start(s *subSession) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	_ = r.writeJSON(hub.ControlMessage{Type: hub.TypeSessionConnected, SubSessionID: s.id, Name: s.name})
	r.wg.Add(1)
	go r.pump(s)
}

// pump streams one sub-session's output to the relay and reports its end.
func (r *run) pump(s *subSession) {
	defer r.wg.Done()
	out := s.sess.Output()
	for {
		select {
		case data, ok := <-out:
			if !ok {
				r.finish(s)
				return
			}
			frame, err := muxframe.Encode(s.id, data)
			if err != nil {
				continue
			}
			if err := r.writeMessage(websocket.BinaryMessage, frame); err != nil {
				if !s.hooked {
					r.finish(s)
				}
				return
			}
		case name := <-s.renames:
			r.rename(s, name)
		case <-s.sess.Done():
			r.finish(s)
			return
		case <-r.stop:
			return
		}
	}
}

// rename re-announces the sub-session; the relay treats a repeated
// session_connected as a name update.
func (r *run) rename(s *subSession, name string) {
	r.mu.Lock()
	s.name = name
	r.mu.Unlock()
	_ = r.writeJSON(hub.ControlMessage{Type: hub.TypeSessionConnected, SubSessionID: s.id, Name: name})
}

func (r *run) finish(s *subSession) {
	r.mu.Lock()
	_, live := r.sessions[s.id]
	delete(r.sessions, s.id)
	r.mu.Unlock()
	_ = s.sess.Close()
	if live {
		_ = r.writeJSON(hub.ControlMessage{Type: hub.TypeSessionDisconnected, SubSessionID: s.id})
	}
}

func (r *run) closeAll() {
	r.mu.Lock()
	all := make([]*subSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	close(r.stop)
	for _, s := range all {
		if !s.hooked {
			_ = s.sess.Close()
		}
	}
	r.wg.Wait()
}

func (r *run) lookup(id string) *subSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *run) list() []hub.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hub.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, hub.SessionInfo{ID: s.id, Name: s.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *run) writeJSON(v any) error {
	r.c.writeMu.Lock()
	defer r.c.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteJSON(v)
}

func (r *run) writeMessage(msgType int, data []byte) error {
	r.c.writeMu.Lock()
	defer r.c.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteMessage(msgType, data)
}

// Backoff bounds the delay between reconnect attempts. The delay doubles
// after each failed attempt and resets once a registration succeeds.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

func (b Backoff) normalize() Backoff {
	if b.Min <= 0 {
		b.Min = time.Second
	}
	if b.Max < b.Min {
		b.Max = 32 * time.Second
		if b.Max < b.Min {
			b.Max = b.Min
		}
	}
	return b
}

// RunWithRetry runs client until ctx is done, reconnecting on every exit.
// An expired code reconnects immediately.
func RunWithRetry(ctx context.Context, client *Client, backoff Backoff) error {
	if client.Logger == nil {
		client.Logger = log.Default()
	}
	backoff = backoff.normalize()
	delay := backoff.Min
	for {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrCodeExpired) {
			client.Logger.Printf("pairing code expired, requesting a new one")
			delay = backoff.Min
			continue
		}
		if client.registered.Load() {
			delay = backoff.Min
		}
		client.Logger.Printf("disconnected: %v; retrying in %s", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > backoff.Max {
			delay = backoff.Max
		}
	}
}
