package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/sealbase/internal/proto"
	"github.com/and161185/sealbase/internal/registry"
)

// HeartbeatInterval is the process-wide ping cadence. A connection
// that misses one full interval is terminated on the next tick, so the
// grace period is at most two intervals.
const HeartbeatInterval = 30 * time.Second

// Heartbeat culls dead connections and pings live ones.
type Heartbeat struct {
	reg      *registry.Registry
	interval time.Duration
	log      *zap.Logger
}

// NewHeartbeat constructs the process-wide heartbeat.
func NewHeartbeat(reg *registry.Registry, log *zap.Logger) *Heartbeat {
	return &Heartbeat{reg: reg, interval: HeartbeatInterval, log: log}
}

// Run ticks until the context ends.
func (h *Heartbeat) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.tick()
		}
	}
}

// tick terminates connections that stayed silent for a full interval
// and arms the rest.
func (h *Heartbeat) tick() {
	for _, conn := range h.reg.All() {
		if !conn.Alive() {
			h.log.Info("liveness timeout", zap.Uint64("connId", conn.ID))
			h.reg.Close(conn, registry.ReasonLiveness)
			continue
		}
		conn.SetAlive(false)
		_ = conn.Send(proto.PingFrame())
	}
}
