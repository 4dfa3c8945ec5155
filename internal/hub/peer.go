package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WSConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Optional transport capabilities, all satisfied by *websocket.Conn.
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type pongHandlerSetter interface {
	SetPongHandler(h func(appData string) error)
}

type readLimiter interface {
	SetReadLimit(limit int64)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type Role int32

const (
	RoleUnclassified Role = iota
	RoleAgent
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleViewer:
		return "viewer"
	default:
		return "unclassified"
	}
}

var (
	errPeerClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

const (
	controlWriteWait = time.Second
	writeWait        = 10 * time.Second
)

type outbound struct {
	msgType   int
	data      []byte
	ping      bool
	close     bool
	closeCode int
}

// peer is one upgraded connection. All writes go through queue and are
// performed by a single writer goroutine.
type peer struct {
	id   string
	conn WSConn

	mu   sync.Mutex
	role Role
	code string

	queue      chan outbound
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	awaitingPong atomic.Bool
}

// minQueueSize leaves room for the join greeting, which is queued without
// waiting on the writer.
const minQueueSize = 2

func newPeer(conn WSConn, queueSize int) *peer {
	if queueSize < minQueueSize {
		queueSize = minQueueSize
	}
	return &peer{
		id:         uuid.NewString(),
		conn:       conn,
		queue:      make(chan outbound, queueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (p *peer) start() {
	go p.writeLoop()
}

// classify performs the single Unclassified -> Agent|Viewer transition.
func (p *peer) classify(role Role, code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != RoleUnclassified || role == RoleUnclassified {
		return false
	}
	p.role = role
	p.code = code
	return true
}

func (p *peer) tag() (Role, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role, p.code
}

func (p *peer) writeLoop() {
	defer close(p.writerDone)
	for {
		select {
		case <-p.done:
			return
		case out := <-p.queue:
			if out.close {
				p.writeClose(out.closeCode, string(out.data))
				p.close()
				return
			}
			if wd, ok := p.conn.(writeDeadliner); ok {
				_ = wd.SetWriteDeadline(time.Now().Add(writeWait))
			}
			var err error
			if out.ping {
				err = p.writePing()
			} else {
				err = p.conn.WriteMessage(out.msgType, out.data)
			}
			if err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) writePing() error {
	if cw, ok := p.conn.(controlWriter); ok {
		return cw.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
	}
	data, err := json.Marshal(ControlMessage{Type: TypePing})
	if err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) writeClose(code int, reason string) {
	payload := websocket.FormatCloseMessage(code, reason)
	if cw, ok := p.conn.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage, payload, time.Now().Add(controlWriteWait))
		return
	}
	_ = p.conn.WriteMessage(websocket.CloseMessage, payload)
}

func (p *peer) enqueue(out outbound) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.queue <- out:
		return nil
	case <-p.done:
		return errPeerClosed
	}
}

// enqueueWithin waits at most d for queue space. d <= 0 never waits.
func (p *peer) enqueueWithin(out outbound, d time.Duration) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.queue <- out:
		return nil
	default:
	}
	if d <= 0 {
		return errQueueFull
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case p.queue <- out:
		return nil
	case <-p.done:
		return errPeerClosed
	case <-t.C:
		return errQueueFull
	}
}

func encodeControl(msg ControlMessage) outbound {
	data, _ := json.Marshal(msg)
	return outbound{msgType: websocket.TextMessage, data: data}
}

func (p *peer) sendControl(msg ControlMessage) error {
	return p.enqueue(encodeControl(msg))
}

// closeAfterFlush lets already queued messages go out, then sends a close
// frame and closes. Falls back to an immediate close if the queue is stuck.
func (p *peer) closeAfterFlush(code int, reason string, wait time.Duration) {
	out := outbound{close: true, closeCode: code, data: []byte(reason)}
	if err := p.enqueueWithin(out, wait); err != nil {
		p.close()
	}
}

// waitWriter blocks until the writer goroutine exits or d elapses.
func (p *peer) waitWriter(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.writerDone:
	case <-t.C:
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) markAlive() {
	p.awaitingPong.Store(false)
}

// beginPing moves the peer to AwaitingPong. It reports false when the peer
// already missed the previous ping. A ping that cannot be queued leaves the
// peer Alive; a stuck writer is bounded by the write deadline instead.
func (p *peer) beginPing() bool {
	if !p.awaitingPong.CompareAndSwap(false, true) {
		return false
	}
	if err := p.enqueueWithin(outbound{ping: true}, 0); errors.Is(err, errQueueFull) {
		p.awaitingPong.Store(false)
	}
	return true
}
