package hub

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"termrelay/internal/metrics"
)

type Options struct {
	// HandshakeTimeout bounds the wait for the first message.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// QueueSize is the per-connection outbound queue capacity.
	QueueSize int
	// SlowConsumerTimeout is how long the agent waits on one viewer's full
	// queue before that viewer is evicted.
	SlowConsumerTimeout time.Duration
	// TeardownTimeout bounds flushing disconnect notices to viewers.
	TeardownTimeout time.Duration
	MaxMessageSize  int64
	CheckOrigin     func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:    10 * time.Second,
		PingInterval:        30 * time.Second,
		QueueSize:           256,
		SlowConsumerTimeout: 2 * time.Second,
		TeardownTimeout:     5 * time.Second,
		MaxMessageSize:      1 << 20,
	}
}

type Hub struct {
	registry *Registry
	opts     Options

	mu    sync.Mutex
	peers map[string]*peer

	upgrader websocket.Upgrader
	logger   *log.Logger
}

var errHandshakeTimeout = errors.New("handshake timeout")

func NewHub(registry *Registry, opts Options) *Hub {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.SlowConsumerTimeout <= 0 {
		opts.SlowConsumerTimeout = def.SlowConsumerTimeout
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = def.TeardownTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		registry: registry,
		opts:     opts,
		peers:    make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: log.New(io.Discard, "", 0),
	}
}

func (h *Hub) SetLogger(logger *log.Logger) {
	if logger == nil {
		h.logger = log.New(io.Discard, "", 0)
		return
	}
	h.logger = logger
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// ServeWS is the single relay endpoint. Agents and viewers are told apart by
// their first message, not by path.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	h.ServeConn(conn)
}

// ServeConn classifies conn from its first message and then routes it until
// it closes. Cleanup for the connection runs exactly once, on return.
func (h *Hub) ServeConn(conn WSConn) {
	p := newPeer(conn, h.opts.QueueSize)
	if rl, ok := conn.(readLimiter); ok && h.opts.MaxMessageSize > 0 {
		rl.SetReadLimit(h.opts.MaxMessageSize)
	}
	if ph, ok := conn.(pongHandlerSetter); ok {
		ph.SetPongHandler(func(string) error {
			p.markAlive()
			return nil
		})
	}
	p.start()
	defer p.close()

	msgType, data, err := h.readFirst(p)
	if err != nil {
		if errors.Is(err, errHandshakeTimeout) {
			metrics.HandshakeFailuresTotal.WithLabelValues("timeout").Inc()
			h.logger.Printf("handshake timeout conn=%s", p.id)
			h.closeGracefully(p, websocket.ClosePolicyViolation, "handshake timeout")
		}
		return
	}
	if msgType != websocket.TextMessage {
		h.rejectHandshake(p, "first message must be a JSON control message")
		return
	}
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.rejectHandshake(p, "invalid json")
		return
	}
	switch msg.Type {
	case TypeRegister:
		h.serveAgent(p, msg)
	case TypeAuth:
		h.serveViewer(p, msg)
	default:
		h.rejectHandshake(p, "first message must be register or auth")
	}
}

func (h *Hub) readFirst(p *peer) (int, []byte, error) {
	type result struct {
		msgType int
		data    []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		mt, data, err := p.conn.ReadMessage()
		ch <- result{mt, data, err}
	}()
	t := time.NewTimer(h.opts.HandshakeTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.msgType, res.data, res.err
	case <-t.C:
		return 0, nil, errHandshakeTimeout
	}
}

func (h *Hub) rejectHandshake(p *peer, message string) {
	metrics.HandshakeFailuresTotal.WithLabelValues("invalid_message").Inc()
	h.logger.Printf("rejecting conn=%s: %s", p.id, message)
	_ = p.sendControl(errorMessage(ErrCodeInvalidMessage, message))
	h.closeGracefully(p, websocket.CloseProtocolError, message)
}

// closeGracefully flushes anything queued, closes, and waits for the writer.
func (h *Hub) closeGracefully(p *peer, code int, reason string) {
	p.closeAfterFlush(code, reason, h.opts.TeardownTimeout)
	p.waitWriter(h.opts.TeardownTimeout)
}

func (h *Hub) track(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.id] = p
}

func (h *Hub) untrack(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p.id)
}

func (h *Hub) livePeers() []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Shutdown closes every classified connection. Their handlers run the usual
// disconnect cleanup.
func (h *Hub) Shutdown() {
	for _, p := range h.livePeers() {
		p.closeAfterFlush(websocket.CloseGoingAway, "relay shutting down", 0)
	}
}
