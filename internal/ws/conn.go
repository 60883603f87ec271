package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/sealbase/internal/crypto"
	"github.com/and161185/sealbase/internal/dispatch"
	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/logengine"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/proto"
	"github.com/and161185/sealbase/internal/ratelimit"
	"github.com/and161185/sealbase/internal/registry"
	"github.com/and161185/sealbase/internal/repository"
	"github.com/and161185/sealbase/internal/service"
)

// Per-connection pacing. Only the retry delay is externally visible.
const (
	bucketCapacity = 100
	bucketPerSec   = 20
)

// hardReadLimit protects the reader; the protocol-level cap is
// enforced per frame so the connection can survive an oversized one.
const hardReadLimit = 2 * proto.MaxFrameSize

// Handler carries the long-lived collaborators shared by every
// connection.
type Handler struct {
	Auth       service.AuthService
	Users      service.UserService
	Databases  repository.DatabaseRepository
	Engine     *logengine.Engine
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Keys       *pkgcrypto.ServerKeyPair
	Log        *zap.Logger
}

// connSession is the state for one live connection, owned by its
// reader goroutine.
type connSession struct {
	h    *Handler
	conn *registry.Connection
	user *model.User
	sess *model.Session
	log  *zap.Logger

	// retained plaintext of the key-validation message
	validation []byte
}

// Serve runs the connection loop for an upgraded, authenticated
// socket. It returns when the transport is gone; the connection is
// always out of the registry by then.
func (h *Handler) Serve(ctx context.Context, wsConn *websocket.Conn, user *model.User, sess *model.Session, clientID, adminID string) {
	snd := newSender(wsConn)
	go snd.run()

	conn := h.Registry.Register(user.ID, user.AppID, clientID, adminID,
		snd, ratelimit.NewBucket(bucketCapacity, bucketPerSec))
	defer h.Registry.Close(conn, registry.ReasonTransport)

	log := h.Log.With(zap.Uint64("connId", conn.ID), zap.String("userId", user.ID.String()))

	plaintext, sealed, err := h.Keys.NewValidationMessage(user.PublicKey)
	if err != nil {
		log.Error("key agreement", zap.Error(err))
		return
	}
	s := &connSession{h: h, conn: conn, user: user, sess: sess, log: log, validation: plaintext}

	if err := conn.Send(proto.ConnectionFrame(user.KeySalts, sealed)); err != nil {
		return
	}

	wsConn.SetReadLimit(hardReadLimit)
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("transport closed", zap.Error(err))
			}
			return
		}
		if conn.Closed() {
			return
		}
		// any inbound frame counts as liveness
		conn.SetAlive(true)

		if len(data) > proto.MaxFrameSize {
			_ = conn.Send([]byte("Message is too large"))
			continue
		}

		var req proto.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = conn.Send([]byte("Unable to parse message"))
			continue
		}
		s.dispatch(ctx, &req)
	}
}

// respond enqueues a reply frame; overflow here means the client is
// not draining its socket and the dispatcher will shed it soon anyway.
func (s *connSession) respond(req *proto.Request, status int, data any) {
	if err := s.conn.Send(proto.Reply(req.RequestID, req.Action, status, data)); err != nil {
		s.log.Warn("response dropped", zap.String("action", req.Action), zap.Error(err))
	}
}

func (s *connSession) fail(req *proto.Request, err error) {
	s.respond(req, statusOf(err), err.Error())
}

// dispatch applies the per-frame state machine: pacing, key
// validation, then the action table. Panics are contained to the
// offending frame.
func (s *connSession) dispatch(ctx context.Context, req *proto.Request) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in dispatch",
				zap.Any("reason", r),
				zap.String("action", req.Action),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if req.Action == proto.ActionPong {
		// SetAlive already ran; Pong gets no response
		return
	}
	if !knownAction(req.Action) {
		_ = s.conn.Send([]byte(fmt.Sprintf("Unknown action %q", req.Action)))
		return
	}
	if !s.conn.Bucket.Allow() {
		s.respond(req, http.StatusTooManyRequests, proto.TooManyRequestsData{RetryDelay: proto.RetryDelayMillis})
		return
	}

	if !s.conn.KeyValidated() {
		if req.Action != proto.ActionValidateKey {
			s.respond(req, http.StatusUnauthorized, "Key not validated")
			return
		}
		s.handleValidateKey(req)
		return
	}

	switch req.Action {
	case proto.ActionValidateKey:
		s.respond(req, http.StatusBadRequest, "Already validated")
	case proto.ActionSignOut:
		s.handleSignOut(ctx, req)
	case proto.ActionUpdateUser:
		s.handleUpdateUser(ctx, req)
	case proto.ActionDeleteUser:
		s.handleDeleteUser(ctx, req)
	case proto.ActionOpenDatabase:
		s.handleOpenDatabase(ctx, req)
	case proto.ActionInsert, proto.ActionUpdate, proto.ActionDelete:
		s.handleItem(ctx, req)
	case proto.ActionBatchTransaction:
		s.handleBatch(ctx, req)
	case proto.ActionBundle:
		s.handleBundle(ctx, req)
	case proto.ActionGetPasswordSalts:
		s.respond(req, http.StatusOK, s.user.PasswordSalts)
	}
}

func knownAction(a string) bool {
	switch a {
	case proto.ActionValidateKey, proto.ActionSignOut, proto.ActionUpdateUser,
		proto.ActionDeleteUser, proto.ActionOpenDatabase, proto.ActionInsert,
		proto.ActionUpdate, proto.ActionDelete, proto.ActionBatchTransaction,
		proto.ActionBundle, proto.ActionGetPasswordSalts, proto.ActionPong:
		return true
	}
	return false
}

func (s *connSession) handleValidateKey(req *proto.Request) {
	var p proto.ValidateKeyParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.respond(req, http.StatusBadRequest, "Bad params")
		return
	}
	if !pkgcrypto.ValidationMatches(s.validation, p.ValidationMessage) {
		// client may retry until the bucket drains
		s.respond(req, http.StatusUnauthorized, "Invalid validation message")
		return
	}
	s.conn.SetKeyValidated()
	s.respond(req, http.StatusOK, nil)
}

func (s *connSession) handleSignOut(ctx context.Context, req *proto.Request) {
	if err := s.h.Auth.SignOut(ctx, s.sess.ID); err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, http.StatusOK, nil)
	s.h.Registry.Close(s.conn, registry.ReasonSignedOut)
}

func (s *connSession) handleUpdateUser(ctx context.Context, req *proto.Request) {
	var p proto.UpdateUserParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.respond(req, http.StatusBadRequest, "Bad params")
		return
	}
	updated, err := s.h.Users.Update(ctx, s.user.ID, service.UpdateParams{
		Username:      p.Username,
		Email:         p.Email,
		Profile:       p.Profile,
		PasswordToken: p.PasswordToken,
		PasswordSalts: p.PasswordSalts,
		SeedBackup:    p.SeedBackup,
	})
	if err != nil {
		s.fail(req, err)
		return
	}
	s.user = updated
	s.respond(req, http.StatusOK, nil)

	if len(p.PasswordToken) > 0 {
		// a rotated password revokes every other device's session
		if err := s.h.Auth.RevokeOtherSessions(ctx, s.user.ID, s.sess.ID); err != nil {
			s.log.Error("revoke sessions", zap.Error(err))
			return
		}
		for _, other := range s.h.Registry.ForUser(s.user.ID) {
			if other.ID == s.conn.ID {
				continue
			}
			_ = other.Send(proto.SessionRevokedFrame())
			s.h.Registry.Close(other, registry.ReasonSignedOut)
		}
	}
}

func (s *connSession) handleDeleteUser(ctx context.Context, req *proto.Request) {
	if err := s.h.Users.Delete(ctx, s.user.ID); err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, http.StatusOK, nil)
	for _, conn := range s.h.Registry.ForUser(s.user.ID) {
		s.h.Registry.Close(conn, registry.ReasonUserDeleted)
	}
}

// openDatabaseResult is the reply payload carrying the replay set.
type openDatabaseResult struct {
	DBID         string              `json:"dbId"`
	BundleSeqNo  int64               `json:"bundleSeqNo,omitempty"`
	Bundle       model.EncryptedBlob `json:"bundle,omitempty"`
	Transactions []model.Transaction `json:"transactions"`
}

func (s *connSession) handleOpenDatabase(ctx context.Context, req *proto.Request) {
	var p proto.OpenDatabaseParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.respond(req, http.StatusBadRequest, "Bad params")
		return
	}

	db, err := s.resolveDatabase(ctx, &p)
	if err != nil {
		s.fail(req, err)
		return
	}

	reopenAt := int64(-1)
	if p.ReopenAtSeqNo != nil {
		reopenAt = *p.ReopenAtSeqNo
	}
	res, err := s.h.Dispatcher.Open(ctx, s.conn, db.ID, reopenAt)
	if err != nil {
		s.fail(req, err)
		return
	}

	out := openDatabaseResult{
		DBID:         db.ID.String(),
		BundleSeqNo:  res.BundleSeqNo,
		Transactions: res.Transactions,
	}
	if out.Transactions == nil {
		out.Transactions = []model.Transaction{}
	}
	if res.Bundle != nil {
		out.Bundle = res.Bundle.Blob
	}
	s.respond(req, http.StatusOK, out)
}

// resolveDatabase finds the open target by name hash, creating it on
// first open when creation params are supplied.
func (s *connSession) resolveDatabase(ctx context.Context, p *proto.OpenDatabaseParams) (*model.Database, error) {
	if len(p.NameHash) == 0 {
		return nil, fmt.Errorf("missing name hash: %w", errs.ErrBadRequest)
	}
	db, err := s.h.Databases.GetByNameHash(ctx, s.user.ID, p.NameHash)
	if err == nil {
		return db, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if len(p.NewDatabaseParams) == 0 {
		return nil, fmt.Errorf("database not found: %w", errs.ErrNotFound)
	}
	dbID, err := uuid.FromString(p.DBID)
	if err != nil {
		return nil, fmt.Errorf("bad database id: %w", errs.ErrBadRequest)
	}
	db = &model.Database{
		ID:          dbID,
		OwnerUserID: s.user.ID,
		NameHash:    p.NameHash,
		Params:      p.NewDatabaseParams,
	}
	if err := s.h.Databases.Create(ctx, db); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// lost a create race with another device; use the winner
			return s.h.Databases.GetByNameHash(ctx, s.user.ID, p.NameHash)
		}
		return nil, err
	}
	return db, nil
}

// openSubscription checks the connection has opened the database.
func (s *connSession) openSubscription(dbIDStr string) (uuid.UUID, error) {
	dbID, err := uuid.FromString(dbIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad database id: %w", errs.ErrBadRequest)
	}
	if s.conn.Subscription(dbID) == nil {
		return uuid.Nil, fmt.Errorf("database not open on this connection: %w", errs.ErrForbidden)
	}
	return dbID, nil
}

// itemResult is the reply payload for single-command appends.
type itemResult struct {
	SeqNo int64 `json:"seqNo"`
}

func (s *connSession) handleItem(ctx context.Context, req *proto.Request) {
	var p proto.ItemParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.respond(req, http.StatusBadRequest, "Bad params")
		return
	}
	dbID, err := s.openSubscription(p.DBID)
	if err != nil {
		s.fail(req, err)
		return
	}
	if len(p.ItemKey) == 0 {
		s.respond(req, http.StatusBadRequest, "Missing item key")
		return
	}

	txn, err := s.h.Engine.Append(ctx, dbID, s.user.ID, logengine.Op{
		Command: model.Command(req.Action),
		ItemKey: p.ItemKey,
		Item:    p.EncryptedItem,
	})
	if err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, http.StatusOK, itemResult{SeqNo: txn.SeqNo})
}

// batchResult is the reply payload for atomic batches.
type batchResult struct {
	SeqNos []int64 `json:"seqNos"`
}

func (s *connSession) handleBatch(ctx context.Context, req *proto.Request) {
	var p proto.BatchTransactionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.respond(req, http.StatusBadRequest, "Bad params")
		return
	}
	dbID, err := s.openSubscription(p.DBID)
	if err != nil {
		s.fail(req, err)
		return
	}

	ops := make([]logengine.Op, len(p.Operations))
	for i, op := range p.Operations {
		ops[i] = logengine.Op{Command: op.Command, ItemKey: op.ItemKey, Item: op.EncryptedItem}
	}
	txns, err := s.h.Engine.AppendBatch(ctx, dbID, s.user.ID, ops)
	if err != nil {
		s.fail(req, err)
		return
	}
	seqNos := make([]int64, len(txns))
	for i, t := range txns {
		seqNos[i] = t.SeqNo
	}
	s.respond(req, http.StatusOK, batchResult{SeqNos: seqNos})
}

func (s *connSession) handleBundle(ctx context.Context, req *proto.Request) {
	var p proto.BundleParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.respond(req, http.StatusBadRequest, "Bad params")
		return
	}
	dbID, err := s.openSubscription(p.DBID)
	if err != nil {
		s.fail(req, err)
		return
	}
	if err := s.h.Engine.PublishBundle(ctx, dbID, p.SeqNo, p.Bundle); err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, http.StatusOK, nil)
}
