package hub

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"termrelay/internal/metrics"
	"termrelay/internal/muxframe"
	"termrelay/internal/pairing"
)

var errSessionGone = errors.New("session removed")

func (h *Hub) serveAgent(p *peer, msg ControlMessage) {
	code, expiresAt, err := h.registry.RegisterAgent(p, msg.ClientID)
	if err != nil {
		metrics.HandshakeFailuresTotal.WithLabelValues("registry_full").Inc()
		h.logger.Printf("register failed client=%s: %v", msg.ClientID, err)
		_ = p.sendControl(errorMessage(ErrCodeRegistryFull, err.Error()))
		h.closeGracefully(p, websocket.CloseTryAgainLater, "registry full")
		return
	}
	p.classify(RoleAgent, code)
	h.track(p)
	metrics.ConnectionsTotal.WithLabelValues(RoleAgent.String()).Inc()
	metrics.SessionsActive.Inc()
	h.logger.Printf("agent registered code=%s client=%s conn=%s", code, msg.ClientID, p.id)
	defer func() {
		h.untrack(p)
		h.teardownAgent(p, code)
		metrics.SessionsActive.Dec()
		h.logger.Printf("agent disconnected code=%s conn=%s", code, p.id)
	}()

	if err := p.sendControl(ControlMessage{Type: TypeRegistered, Code: code, ExpiresAt: &expiresAt}); err != nil {
		return
	}

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.markAlive()
		switch msgType {
		case websocket.BinaryMessage:
			if err := h.routeAgentFrame(code, data); err != nil {
				if errors.Is(err, muxframe.ErrMalformedFrame) {
					metrics.ProtocolErrorsTotal.WithLabelValues(RoleAgent.String()).Inc()
					h.logger.Printf("malformed frame from agent code=%s", code)
					_ = p.sendControl(errorMessage(ErrCodeInvalidMessage, "malformed frame"))
					h.closeGracefully(p, websocket.CloseProtocolError, "malformed frame")
				}
				return
			}
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.logger.Printf("invalid json from agent code=%s", code)
				continue
			}
			h.handleAgentControl(p, code, msg)
		default:
			// ignore
		}
	}
}

// routeAgentFrame fans one agent frame out to every attached viewer. The
// frame is forwarded as received so viewers see the same sub-session tag.
func (h *Hub) routeAgentFrame(code string, data []byte) error {
	sid, payload, err := muxframe.Decode(data)
	if err != nil {
		return err
	}
	first, ok := h.registry.TouchSubSession(code, sid)
	if !ok {
		return errSessionGone
	}
	if first {
		h.logger.Printf("sub-session appeared code=%s sub=%s", code, sid)
	}
	viewers := h.registry.Viewers(code)
	metrics.FramesRoutedTotal.WithLabelValues(metrics.DirectionAgentToViewer).Add(float64(len(viewers)))
	metrics.BytesRoutedTotal.WithLabelValues(metrics.DirectionAgentToViewer).Add(float64(len(payload) * len(viewers)))
	out := outbound{msgType: websocket.BinaryMessage, data: data}
	for _, v := range viewers {
		h.deliverToViewer(code, v, out)
	}
	return nil
}

// deliverToViewer never drops silently: a viewer whose queue stays full is
// evicted so it reconnects instead of rendering a stream with holes.
func (h *Hub) deliverToViewer(code string, v *peer, out outbound) {
	err := v.enqueueWithin(out, h.opts.SlowConsumerTimeout)
	if errors.Is(err, errQueueFull) {
		metrics.SlowConsumerEvictionsTotal.Inc()
		h.logger.Printf("evicting slow viewer code=%s viewer=%s", code, v.id)
		v.close()
	}
}

func (h *Hub) broadcastControl(code string, msg ControlMessage) {
	out := encodeControl(msg)
	for _, v := range h.registry.Viewers(code) {
		h.deliverToViewer(code, v, out)
	}
}

func (h *Hub) handleAgentControl(p *peer, code string, msg ControlMessage) {
	switch msg.Type {
	case TypeSessionConnected:
		if msg.SubSessionID == "" {
			return
		}
		h.registry.SetSubSession(code, msg.SubSessionID, msg.Name)
		h.broadcastControl(code, ControlMessage{Type: TypeSessionConnected, SubSessionID: msg.SubSessionID, Name: msg.Name})
	case TypeSessionDisconnected:
		if msg.SubSessionID == "" {
			return
		}
		h.registry.DropSubSession(code, msg.SubSessionID)
		h.broadcastControl(code, ControlMessage{Type: TypeSessionDisconnected, SubSessionID: msg.SubSessionID})
	case TypeSessionList:
		h.registry.ReplaceSubSessions(code, msg.Sessions)
		h.broadcastControl(code, ControlMessage{Type: TypeSessionList, Sessions: h.registry.SubSessions(code)})
	case TypePing:
		_ = p.sendControl(ControlMessage{Type: TypePong})
	case TypePong:
		// markAlive already ran
	case TypeRegister:
		_ = p.sendControl(errorMessage(ErrCodeInvalidMessage, "already registered"))
	default:
		h.logger.Printf("ignoring agent message type=%q code=%s", msg.Type, code)
	}
}

// teardownAgent removes the session, then tells each viewer every active
// sub-session is gone before closing it.
func (h *Hub) teardownAgent(p *peer, code string) {
	td, ok := h.registry.Remove(code, p)
	if !ok {
		return
	}
	notices := make([]outbound, 0, len(td.SubSessions))
	for _, sid := range td.SubSessions {
		notices = append(notices, encodeControl(ControlMessage{Type: TypeSessionDisconnected, SubSessionID: sid}))
	}
	for _, v := range td.Viewers {
		go h.closeViewer(v, notices)
	}
}

func (h *Hub) closeViewer(v *peer, notices []outbound) {
	for _, n := range notices {
		if err := v.enqueueWithin(n, h.opts.TeardownTimeout); err != nil {
			v.close()
			return
		}
	}
	v.closeAfterFlush(websocket.CloseGoingAway, "agent disconnected", h.opts.TeardownTimeout)
}

func (h *Hub) serveViewer(p *peer, msg ControlMessage) {
	code := pairing.Normalize(msg.SessionCode)
	res, err := h.registry.ValidateAndJoin(code, p, func(res JoinResult) error {
		if err := p.enqueueWithin(encodeControl(ControlMessage{Type: TypeAuthSuccess}), 0); err != nil {
			return err
		}
		return p.enqueueWithin(encodeControl(ControlMessage{Type: TypeSessionList, Sessions: res.SubSessions}), 0)
	})
	if errors.Is(err, errPeerClosed) || errors.Is(err, errQueueFull) {
		h.closeGracefully(p, websocket.CloseInternalServerErr, "join failed")
		return
	}
	if err != nil {
		reason := ErrCodeInvalidCode
		var je *JoinError
		if errors.As(err, &je) {
			reason = je.Code
		}
		metrics.AuthAttemptsTotal.WithLabelValues(reason).Inc()
		h.logger.Printf("viewer auth failed code=%s reason=%s", code, reason)
		if errors.Is(err, ErrCodeExpired) && res.Agent != nil {
			h.expireAgent(res.Agent)
		}
		_ = p.sendControl(ControlMessage{Type: TypeAuthFailed, Reason: reason})
		h.closeGracefully(p, websocket.ClosePolicyViolation, reason)
		return
	}
	p.classify(RoleViewer, code)
	h.track(p)
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	metrics.ConnectionsTotal.WithLabelValues(RoleViewer.String()).Inc()
	metrics.ViewersActive.Inc()
	h.logger.Printf("viewer joined code=%s viewer=%s", code, p.id)
	defer func() {
		h.untrack(p)
		h.registry.Leave(code, p.id)
		metrics.ViewersActive.Dec()
		h.logger.Printf("viewer left code=%s viewer=%s", code, p.id)
	}()

	_ = res.Agent.enqueueWithin(encodeControl(ControlMessage{Type: TypeViewerConnected, ViewerID: p.id}), h.opts.SlowConsumerTimeout)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.markAlive()
		switch msgType {
		case websocket.BinaryMessage:
			err := h.routeViewerFrame(code, data)
			if errors.Is(err, muxframe.ErrMalformedFrame) {
				metrics.ProtocolErrorsTotal.WithLabelValues(RoleViewer.String()).Inc()
				h.logger.Printf("malformed frame from viewer code=%s viewer=%s", code, p.id)
				_ = p.sendControl(errorMessage(ErrCodeInvalidMessage, "malformed frame"))
				h.closeGracefully(p, websocket.CloseProtocolError, "malformed frame")
				return
			}
			// A gone agent is handled by its own teardown, which closes
			// this viewer after the disconnect notices.
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = p.sendControl(errorMessage(ErrCodeInvalidMessage, "invalid json"))
				continue
			}
			if err := h.handleViewerControl(p, code, msg); err != nil {
				return
			}
		default:
			// ignore
		}
	}
}

// routeViewerFrame forwards viewer input unmodified to the agent. It blocks
// while the agent queue is full, pushing back on this viewer only.
func (h *Hub) routeViewerFrame(code string, data []byte) error {
	_, payload, err := muxframe.Decode(data)
	if err != nil {
		return err
	}
	agent, ok := h.registry.Agent(code)
	if !ok {
		return errSessionGone
	}
	metrics.FramesRoutedTotal.WithLabelValues(metrics.DirectionViewerToAgent).Inc()
	metrics.BytesRoutedTotal.WithLabelValues(metrics.DirectionViewerToAgent).Add(float64(len(payload)))
	return agent.enqueue(outbound{msgType: websocket.BinaryMessage, data: data})
}

func (h *Hub) handleViewerControl(p *peer, code string, msg ControlMessage) error {
	switch msg.Type {
	case TypeResize:
		if msg.SubSessionID == "" || msg.Cols <= 0 || msg.Rows <= 0 {
			return p.sendControl(errorMessage(ErrCodeInvalidMessage, "resize requires sub_session_id, cols and rows"))
		}
		return h.forwardToAgent(code, ControlMessage{Type: TypeResize, SubSessionID: msg.SubSessionID, Cols: msg.Cols, Rows: msg.Rows})
	case TypeCloseSession:
		if msg.SubSessionID == "" {
			return p.sendControl(errorMessage(ErrCodeInvalidMessage, "close_session requires sub_session_id"))
		}
		return h.forwardToAgent(code, ControlMessage{Type: TypeCloseSession, SubSessionID: msg.SubSessionID})
	case TypeCreateSession:
		return h.forwardToAgent(code, ControlMessage{Type: TypeCreateSession, Name: msg.Name})
	case TypeListSessions:
		return p.sendControl(ControlMessage{Type: TypeSessionList, Sessions: h.registry.SubSessions(code)})
	case TypeAuth:
		return p.sendControl(errorMessage(ErrCodeAlreadyJoined, "connection already joined a session"))
	case TypePing:
		return p.sendControl(ControlMessage{Type: TypePong})
	case TypePong:
		return nil
	default:
		h.logger.Printf("ignoring viewer message type=%q code=%s", msg.Type, code)
		return nil
	}
}

// forwardToAgent queues a control message for the agent. Control messages
// are never dropped; this waits for queue space. A missing agent is not an
// error for the viewer.
func (h *Hub) forwardToAgent(code string, msg ControlMessage) error {
	agent, ok := h.registry.Agent(code)
	if !ok {
		return nil
	}
	_ = agent.sendControl(msg)
	return nil
}

// expireAgent tells an agent its unpaired code lapsed and closes it; the
// agent is expected to reconnect for a fresh code.
func (h *Hub) expireAgent(agent *peer) {
	_ = agent.enqueueWithin(encodeControl(errorMessage(ErrCodeExpiredCode, "pairing code expired")), 0)
	agent.closeAfterFlush(websocket.ClosePolicyViolation, "pairing code expired", time.Second)
}
