// Package dispatch couples the log engine to the session registry:
// committed records fan out to every connection that has opened the
// database, in registration order, with slow consumers shed rather
// than allowed to stall the rest.
package dispatch

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/sealbase/internal/logengine"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/proto"
	"github.com/and161185/sealbase/internal/registry"
)

// Dispatcher owns the per-database subscriber sets.
type Dispatcher struct {
	engine *logengine.Engine
	reg    *registry.Registry
	log    *zap.Logger

	mu   sync.Mutex
	subs map[uuid.UUID][]*registry.Connection // registration order
}

// New wires a dispatcher between the engine and the registry and
// installs itself as the engine's notifier and the registry's detach
// hook.
func New(engine *logengine.Engine, reg *registry.Registry, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		engine: engine,
		reg:    reg,
		log:    log,
		subs:   make(map[uuid.UUID][]*registry.Connection),
	}
	engine.SetNotifier(d)
	reg.OnDetach(d.DetachAll)
	return d
}

// Open subscribes the connection to a database and returns the replay
// set. The subscriber is attached under the engine's database lock, so
// every append after the replay set is delivered exactly once.
func (d *Dispatcher) Open(ctx context.Context, conn *registry.Connection, dbID uuid.UUID, reopenAtSeqNo int64) (logengine.OpenResult, error) {
	return d.engine.Open(ctx, dbID, reopenAtSeqNo, func(res logengine.OpenResult) {
		if !conn.Subscribe(dbID, res.LastSeqNo, res.BundleSeqNo) {
			return // already open on this connection
		}
		d.mu.Lock()
		d.subs[dbID] = append(d.subs[dbID], conn)
		d.mu.Unlock()
	})
}

// Detach removes one subscription.
func (d *Dispatcher) Detach(conn *registry.Connection, dbID uuid.UUID) {
	conn.Unsubscribe(dbID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(conn, dbID)
}

// DetachAll releases every subscription held by a closing connection.
// Installed as the registry's detach hook.
func (d *Dispatcher) DetachAll(conn *registry.Connection) {
	dbs := conn.Subscriptions()
	d.mu.Lock()
	for _, dbID := range dbs {
		d.removeLocked(conn, dbID)
	}
	d.mu.Unlock()
	for _, dbID := range dbs {
		conn.Unsubscribe(dbID)
	}
}

// removeLocked is a set removal, never a destructor cascade.
func (d *Dispatcher) removeLocked(conn *registry.Connection, dbID uuid.UUID) {
	conns := d.subs[dbID]
	for i, c := range conns {
		if c.ID == conn.ID {
			d.subs[dbID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(d.subs[dbID]) == 0 {
		delete(d.subs, dbID)
	}
}

func (d *Dispatcher) subscribers(dbID uuid.UUID) []*registry.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*registry.Connection(nil), d.subs[dbID]...)
}

// TransactionAppended delivers committed records to every subscriber
// in registration order. Runs under the engine's database lock; sends
// are bounded-queue enqueues and never block. A subscriber whose queue
// overflows is detached and its connection closed; the rest are
// unaffected.
func (d *Dispatcher) TransactionAppended(dbID uuid.UUID, txns []model.Transaction) {
	for _, conn := range d.subscribers(dbID) {
		sub := conn.Subscription(dbID)
		if sub == nil {
			continue
		}
		fresh := txns
		for len(fresh) > 0 && fresh[0].SeqNo <= sub.LastSeqNo {
			fresh = fresh[1:]
		}
		if len(fresh) == 0 {
			continue
		}
		if err := conn.Send(proto.TransactionLogFrame(dbID, fresh)); err != nil {
			d.log.Warn("subscriber shed",
				zap.Uint64("connId", conn.ID),
				zap.String("db", dbID.String()),
				zap.Error(err),
			)
			d.Detach(conn, dbID)
			d.reg.Close(conn, registry.ReasonSlowConsumer)
			continue
		}
		sub.LastSeqNo = fresh[len(fresh)-1].SeqNo
	}
}

// BundlePublished tells subscribers they can drop replayed history.
func (d *Dispatcher) BundlePublished(dbID uuid.UUID, seqNo int64) {
	frame := proto.BundlePublishedFrame(dbID, seqNo)
	for _, conn := range d.subscribers(dbID) {
		if sub := conn.Subscription(dbID); sub != nil {
			sub.BundleSeqNo = seqNo
		}
		if err := conn.Send(frame); err != nil {
			d.Detach(conn, dbID)
			d.reg.Close(conn, registry.ReasonSlowConsumer)
		}
	}
}

var _ logengine.Notifier = (*Dispatcher)(nil)
