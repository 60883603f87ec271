// Package registry maintains the process-wide index from user
// identity to live connections. It is one of the two cross-connection
// shared structures (the other is the dispatcher's subscriber sets):
// mutations use short critical sections, broadcasts snapshot under the
// lock and send outside it.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/sealbase/internal/ratelimit"
)

// CloseReason explains a server-initiated close.
type CloseReason string

const (
	ReasonSuperseded   CloseReason = "Superseded"
	ReasonSlowConsumer CloseReason = "SlowConsumer"
	ReasonLiveness     CloseReason = "LivenessTimeout"
	ReasonSignedOut    CloseReason = "SignedOut"
	ReasonUserDeleted  CloseReason = "UserDeleted"
	ReasonTransport    CloseReason = "TransportError"
)

// ErrNotRegistered is returned by SendTo for unknown connection ids.
var ErrNotRegistered = errors.New("registry: connection not registered")

// Sender delivers encoded frames to one client transport. Send must
// not block: it enqueues onto a bounded queue and reports overflow as
// an error. Terminate tears the transport down.
type Sender interface {
	Send(frame []byte) error
	Terminate(reason CloseReason)
}

// Subscription tracks delivery progress for one opened database.
type Subscription struct {
	DBID        uuid.UUID
	LastSeqNo   int64 // last delivered seqNo
	BundleSeqNo int64 // bundle epoch delivered at open
}

// Connection is one live, authenticated session. A connection is owned
// by a single reader goroutine; the atomic flags are the only fields
// touched from outside it (heartbeat, dispatcher).
type Connection struct {
	ID       uint64
	UserID   uuid.UUID
	AppID    string
	ClientID string
	AdminID  string

	Bucket *ratelimit.Bucket

	sender       Sender
	keyValidated atomic.Bool
	isAlive      atomic.Bool
	closed       atomic.Bool

	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription
}

// Send enqueues an encoded frame for this connection.
func (c *Connection) Send(frame []byte) error { return c.sender.Send(frame) }

// KeyValidated reports whether the key-validation handshake completed.
func (c *Connection) KeyValidated() bool { return c.keyValidated.Load() }

// SetKeyValidated marks the handshake as completed.
func (c *Connection) SetKeyValidated() { c.keyValidated.Store(true) }

// Alive reports the liveness flag.
func (c *Connection) Alive() bool { return c.isAlive.Load() }

// SetAlive sets the liveness flag; any inbound frame sets it true.
func (c *Connection) SetAlive(v bool) { c.isAlive.Store(v) }

// Closed reports whether the connection has been removed from the registry.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Subscribe records an open database on this connection. It reports
// false if the database was already open.
func (c *Connection) Subscribe(dbID uuid.UUID, lastSeqNo, bundleSeqNo int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[dbID]; ok {
		return false
	}
	c.subs[dbID] = &Subscription{DBID: dbID, LastSeqNo: lastSeqNo, BundleSeqNo: bundleSeqNo}
	return true
}

// Subscription returns the state for an open database, or nil.
func (c *Connection) Subscription(dbID uuid.UUID) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[dbID]
}

// Subscriptions snapshots the open database ids.
func (c *Connection) Subscriptions() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Unsubscribe drops one database subscription.
func (c *Connection) Unsubscribe(dbID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, dbID)
}

// Registry is the process-local connection index.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byUser map[uuid.UUID][]*Connection
	byID   map[uint64]*Connection

	// detach is invoked after a connection leaves the index, outside
	// the registry lock; the dispatcher uses it to release subscriptions.
	detach func(*Connection)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[uuid.UUID][]*Connection),
		byID:   make(map[uint64]*Connection),
	}
}

// OnDetach installs the subscription-release hook. Must be called
// before the first Register.
func (r *Registry) OnDetach(fn func(*Connection)) { r.detach = fn }

// Register adds a connection for the user. A clientID collision with
// an existing connection of the same user closes the earlier one with
// reason Superseded.
func (r *Registry) Register(userID uuid.UUID, appID, clientID, adminID string, sender Sender, bucket *ratelimit.Bucket) *Connection {
	conn := &Connection{
		UserID:   userID,
		AppID:    appID,
		ClientID: clientID,
		AdminID:  adminID,
		Bucket:   bucket,
		sender:   sender,
		subs:     make(map[uuid.UUID]*Subscription),
	}
	conn.isAlive.Store(true)

	var superseded *Connection
	r.mu.Lock()
	r.nextID++
	conn.ID = r.nextID
	if clientID != "" {
		for _, prev := range r.byUser[userID] {
			if prev.ClientID == clientID {
				superseded = prev
				break
			}
		}
	}
	if superseded != nil {
		r.removeLocked(superseded)
	}
	r.byUser[userID] = append(r.byUser[userID], conn)
	r.byID[conn.ID] = conn
	r.mu.Unlock()

	if superseded != nil {
		r.finishClose(superseded, ReasonSuperseded)
	}
	return conn
}

// removeLocked drops the connection from both indexes. Caller holds r.mu.
func (r *Registry) removeLocked(conn *Connection) {
	delete(r.byID, conn.ID)
	conns := r.byUser[conn.UserID]
	for i, c := range conns {
		if c.ID == conn.ID {
			r.byUser[conn.UserID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.byUser[conn.UserID]) == 0 {
		delete(r.byUser, conn.UserID)
	}
}

func (r *Registry) finishClose(conn *Connection, reason CloseReason) {
	conn.closed.Store(true)
	if r.detach != nil {
		r.detach(conn)
	}
	conn.sender.Terminate(reason)
}

// Close removes a connection idempotently and releases its subscriptions.
func (r *Registry) Close(conn *Connection, reason CloseReason) {
	r.mu.Lock()
	_, present := r.byID[conn.ID]
	if present {
		r.removeLocked(conn)
	}
	r.mu.Unlock()
	if present {
		r.finishClose(conn, reason)
	}
}

// CloseByID closes the connection with the given id, if registered.
func (r *Registry) CloseByID(connID uint64, reason CloseReason) {
	r.mu.Lock()
	conn := r.byID[connID]
	r.mu.Unlock()
	if conn != nil {
		r.Close(conn, reason)
	}
}

// ForUser returns a snapshot of the user's live connections.
func (r *Registry) ForUser(userID uuid.UUID) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), r.byUser[userID]...)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Broadcast sends an encoded frame to all of a user's connections.
// The set is snapshotted under the lock; sends happen outside it.
func (r *Registry) Broadcast(userID uuid.UUID, frame []byte) {
	for _, c := range r.ForUser(userID) {
		_ = c.Send(frame)
	}
}

// SendTo sends an encoded frame to one connection by id.
func (r *Registry) SendTo(connID uint64, frame []byte) error {
	r.mu.Lock()
	conn := r.byID[connID]
	r.mu.Unlock()
	if conn == nil {
		return ErrNotRegistered
	}
	return conn.Send(frame)
}
