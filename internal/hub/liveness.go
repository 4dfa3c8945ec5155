package hub

import (
	"context"
	"time"

	"termrelay/internal/metrics"
)

// RunLiveness sweeps all classified connections every PingInterval until ctx
// is done. A peer that misses one full cycle is closed, so a silent peer is
// detected within about two intervals.
func (h *Hub) RunLiveness(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep runs one liveness cycle: Alive peers are pinged and move to
// AwaitingPong, peers still AwaitingPong are closed. It also tells agents
// whose code lapsed unpaired.
func (h *Hub) Sweep() {
	for _, p := range h.livePeers() {
		if p.isClosed() {
			continue
		}
		if p.beginPing() {
			continue
		}
		role, code := p.tag()
		metrics.LivenessEvictionsTotal.WithLabelValues(role.String()).Inc()
		h.logger.Printf("liveness timeout role=%s code=%s conn=%s", role, code, p.id)
		p.close()
	}
	for _, agent := range h.registry.ExpiredUnpaired() {
		_, code := agent.tag()
		h.logger.Printf("pairing code lapsed code=%s", code)
		_ = agent.enqueueWithin(encodeControl(errorMessage(ErrCodeExpiredCode, "pairing code expired")), 0)
	}
}
