// Package logengine manages the per-database append-only transaction
// logs: seqNo allocation, conditional-insert appends with bounded
// retry, atomic batches, open/replay, and bundle publication.
package logengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/store"
)

// MaxRecordSize caps one encoded record, framing included.
const MaxRecordSize = 400 * 1024

// appendAttempts bounds seqNo-collision retries before surfacing
// ErrUnavailable.
const appendAttempts = 5

// MaxBatchSize bounds the number of commands in one BatchTransaction.
const MaxBatchSize = 10

// Notifier receives committed records for fan-out. Calls are made in
// commit order for any single database.
type Notifier interface {
	TransactionAppended(dbID uuid.UUID, txns []model.Transaction)
	BundlePublished(dbID uuid.UUID, seqNo int64)
}

// BundleStore persists bundle blobs and their seqNos alongside the
// database metadata row.
type BundleStore interface {
	// GetBundle returns (0, nil, nil) when no bundle exists.
	GetBundle(ctx context.Context, dbID uuid.UUID) (int64, model.EncryptedBlob, error)
	// SetBundle replaces the retained bundle; the caller has already
	// checked monotonicity under the database lock.
	SetBundle(ctx context.Context, dbID uuid.UUID, seqNo int64, blob model.EncryptedBlob) error
}

// Op is one command inside a batch append.
type Op struct {
	Command model.Command
	ItemKey []byte
	Item    model.EncryptedBlob
}

// dbState serializes appends to one database and tracks the keys that
// are live in the retained log.
type dbState struct {
	mu          sync.Mutex
	loaded      bool
	liveKeys    map[string]bool
	maxSeq      int64
	bundleSeqNo int64
}

// Engine owns the transaction logs for every open database.
type Engine struct {
	store   store.Store
	bundles BundleStore
	log     *zap.Logger

	mu  sync.Mutex
	dbs map[uuid.UUID]*dbState

	notifier Notifier
}

// New constructs an engine over the given store.
func New(st store.Store, bundles BundleStore, log *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		bundles: bundles,
		log:     log,
		dbs:     make(map[uuid.UUID]*dbState),
	}
}

// SetNotifier installs the fan-out hook. Must be called before the
// first append.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

func (e *Engine) state(dbID uuid.UUID) *dbState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.dbs[dbID]
	if !ok {
		st = &dbState{liveKeys: make(map[string]bool)}
		e.dbs[dbID] = st
	}
	return st
}

// Forget drops in-memory state for a database (user deletion teardown).
func (e *Engine) Forget(dbID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dbs, dbID)
}

func partition(dbID uuid.UUID) string { return dbID.String() }

func encodeRecord(t *model.Transaction) (store.Item, error) { return json.Marshal(t) }

func decodeRecord(dbID uuid.UUID, r store.Record) (model.Transaction, error) {
	var t model.Transaction
	if err := json.Unmarshal(r.Item, &t); err != nil {
		return t, fmt.Errorf("decode record %d: %w", r.Sort, err)
	}
	t.DBID = dbID
	t.SeqNo = r.Sort
	return t, nil
}

// load replays the retained log to rebuild live keys and the max
// seqNo. Caller holds st.mu.
func (e *Engine) load(ctx context.Context, dbID uuid.UUID, st *dbState) error {
	if st.loaded {
		return nil
	}
	bundleSeq, _, err := e.bundles.GetBundle(ctx, dbID)
	if err != nil {
		return err
	}
	recs, err := e.store.Range(ctx, partition(dbID), bundleSeq+1, -1)
	if err != nil {
		return err
	}
	st.bundleSeqNo = bundleSeq
	st.maxSeq = bundleSeq
	st.liveKeys = make(map[string]bool)
	for _, r := range recs {
		t, err := decodeRecord(dbID, r)
		if err != nil {
			return err
		}
		applyToLiveKeys(st.liveKeys, t.Command, t.ItemKey)
		if t.SeqNo > st.maxSeq {
			st.maxSeq = t.SeqNo
		}
	}
	st.loaded = true
	return nil
}

func applyToLiveKeys(keys map[string]bool, cmd model.Command, itemKey []byte) {
	switch cmd {
	case model.CmdInsert, model.CmdUpdate:
		keys[string(itemKey)] = true
	case model.CmdDelete:
		delete(keys, string(itemKey))
	}
}

// checkOp validates one command against the live-key set.
func checkOp(keys map[string]bool, cmd model.Command, itemKey []byte) error {
	live := keys[string(itemKey)]
	switch cmd {
	case model.CmdInsert:
		if live {
			return fmt.Errorf("item key already exists: %w", errs.ErrAlreadyExists)
		}
	case model.CmdUpdate, model.CmdDelete:
		if !live {
			return fmt.Errorf("item key not found: %w", errs.ErrNotFound)
		}
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errs.ErrBadRequest)
	}
	return nil
}

func checkSize(op Op) error {
	if len(op.Item)+len(op.ItemKey) > MaxRecordSize {
		return fmt.Errorf("record exceeds %d bytes: %w", MaxRecordSize, errs.ErrTooLarge)
	}
	return nil
}

func retrier() retry.Backoff {
	return retry.WithMaxRetries(appendAttempts-1, retry.NewConstant(10*time.Millisecond))
}

// Append commits a single-command transaction and fans it out.
func (e *Engine) Append(ctx context.Context, dbID, createdBy uuid.UUID, op Op) (model.Transaction, error) {
	if err := checkSize(op); err != nil {
		return model.Transaction{}, err
	}

	st := e.state(dbID)
	st.mu.Lock()
	if err := e.load(ctx, dbID, st); err != nil {
		st.mu.Unlock()
		return model.Transaction{}, err
	}
	if err := checkOp(st.liveKeys, op.Command, op.ItemKey); err != nil {
		st.mu.Unlock()
		return model.Transaction{}, err
	}

	txn := model.Transaction{
		DBID:      dbID,
		Command:   op.Command,
		ItemKey:   op.ItemKey,
		Item:      op.Item,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	err := retry.Do(ctx, retrier(), func(ctx context.Context) error {
		n, err := e.store.NextSeq(ctx, partition(dbID))
		if err != nil {
			return err
		}
		txn.SeqNo = n
		item, err := encodeRecord(&txn)
		if err != nil {
			return err
		}
		if err := e.store.Put(ctx, partition(dbID), n, item, true); err != nil {
			if err == store.ErrConflict {
				// another writer took this seqNo; reallocate
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		st.mu.Unlock()
		if errors.Is(err, store.ErrConflict) {
			err = fmt.Errorf("append retries exhausted: %w", errs.ErrUnavailable)
		}
		return model.Transaction{}, err
	}

	applyToLiveKeys(st.liveKeys, op.Command, op.ItemKey)
	st.maxSeq = txn.SeqNo

	// fan out under the database lock so subscribers observe commit order
	if e.notifier != nil {
		e.notifier.TransactionAppended(dbID, []model.Transaction{txn})
	}
	st.mu.Unlock()
	return txn, nil
}

// AppendBatch commits up to MaxBatchSize commands atomically with
// contiguous seqNos and fans them out in order.
func (e *Engine) AppendBatch(ctx context.Context, dbID, createdBy uuid.UUID, ops []Op) ([]model.Transaction, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty batch: %w", errs.ErrBadRequest)
	}
	if len(ops) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds %d: %w", len(ops), MaxBatchSize, errs.ErrBadRequest)
	}
	for _, op := range ops {
		if err := checkSize(op); err != nil {
			return nil, err
		}
	}

	st := e.state(dbID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.load(ctx, dbID, st); err != nil {
		return nil, err
	}

	// validate against a scratch copy so earlier ops in the batch are
	// visible to later ones
	scratch := make(map[string]bool, len(st.liveKeys))
	for k, v := range st.liveKeys {
		scratch[k] = v
	}
	for i, op := range ops {
		if err := checkOp(scratch, op.Command, op.ItemKey); err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		applyToLiveKeys(scratch, op.Command, op.ItemKey)
	}

	now := time.Now().UTC()
	txns := make([]model.Transaction, len(ops))
	for i, op := range ops {
		txns[i] = model.Transaction{
			DBID:      dbID,
			Command:   op.Command,
			ItemKey:   op.ItemKey,
			Item:      op.Item,
			CreatedBy: createdBy,
			CreatedAt: now,
		}
	}

	err := retry.Do(ctx, retrier(), func(ctx context.Context) error {
		first, err := e.allocRange(ctx, dbID, len(ops))
		if err != nil {
			return err
		}
		batch := make([]store.Op, len(ops))
		for i := range txns {
			txns[i].SeqNo = first + int64(i)
			item, err := encodeRecord(&txns[i])
			if err != nil {
				return err
			}
			batch[i] = store.Op{Partition: partition(dbID), Sort: txns[i].SeqNo, Item: item, IfAbsent: true}
		}
		if err := e.store.Batch(ctx, batch); err != nil {
			if err == store.ErrConditionFailed || err == store.ErrTxConflict {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrTxConflict) {
			err = fmt.Errorf("batch retries exhausted: %w", errs.ErrUnavailable)
		}
		return nil, err
	}

	st.liveKeys = scratch
	st.maxSeq = txns[len(txns)-1].SeqNo

	if e.notifier != nil {
		e.notifier.TransactionAppended(dbID, txns)
	}
	return txns, nil
}

// allocRange draws k consecutive seqNos from the partition allocator.
// A gap means another allocator interleaved; treated as retryable.
func (e *Engine) allocRange(ctx context.Context, dbID uuid.UUID, k int) (int64, error) {
	first, err := e.store.NextSeq(ctx, partition(dbID))
	if err != nil {
		return 0, err
	}
	for i := 1; i < k; i++ {
		n, err := e.store.NextSeq(ctx, partition(dbID))
		if err != nil {
			return 0, err
		}
		if n != first+int64(i) {
			return 0, retry.RetryableError(store.ErrTxConflict)
		}
	}
	return first, nil
}

// OpenResult is what a subscriber receives on open: the current bundle
// (nil when absent or when reopening past it) followed by the records
// after it.
type OpenResult struct {
	Bundle       *model.Bundle
	BundleSeqNo  int64
	LastSeqNo    int64 // seqNo through which the replay set is complete
	Transactions []model.Transaction
}

// Open returns the replay set for a subscription. With reopenAtSeqNo
// >= 0 the caller already holds history through that seqNo; it must
// not be below the current bundle. The attach callback, when non-nil,
// runs under the database lock after the replay set is computed, so a
// subscriber registered there observes every later append exactly once.
func (e *Engine) Open(ctx context.Context, dbID uuid.UUID, reopenAtSeqNo int64, attach func(OpenResult)) (OpenResult, error) {
	st := e.state(dbID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.load(ctx, dbID, st); err != nil {
		return OpenResult{}, err
	}

	from := st.bundleSeqNo + 1
	res := OpenResult{BundleSeqNo: st.bundleSeqNo}
	if reopenAtSeqNo >= 0 {
		if reopenAtSeqNo < st.bundleSeqNo {
			return OpenResult{}, fmt.Errorf("reopen seqNo %d predates bundle %d: %w",
				reopenAtSeqNo, st.bundleSeqNo, errs.ErrBadRequest)
		}
		from = reopenAtSeqNo + 1
	} else if st.bundleSeqNo > 0 {
		seq, blob, err := e.bundles.GetBundle(ctx, dbID)
		if err != nil {
			return OpenResult{}, err
		}
		res.Bundle = &model.Bundle{DBID: dbID, SeqNo: seq, Blob: blob}
	}

	recs, err := e.store.Range(ctx, partition(dbID), from, -1)
	if err != nil {
		return OpenResult{}, err
	}
	res.LastSeqNo = from - 1
	for _, r := range recs {
		t, err := decodeRecord(dbID, r)
		if err != nil {
			return OpenResult{}, err
		}
		res.Transactions = append(res.Transactions, t)
		res.LastSeqNo = t.SeqNo
	}
	if attach != nil {
		attach(res)
	}
	return res, nil
}

// PublishBundle retains a new snapshot at seqNo and schedules the
// superseded records for garbage collection. Concurrent publishes at
// the same or lower seqNo lose the race.
func (e *Engine) PublishBundle(ctx context.Context, dbID uuid.UUID, seqNo int64, blob model.EncryptedBlob) error {
	if len(blob) == 0 {
		return fmt.Errorf("empty bundle: %w", errs.ErrBadRequest)
	}

	st := e.state(dbID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.load(ctx, dbID, st); err != nil {
		return err
	}
	if seqNo <= st.bundleSeqNo {
		return fmt.Errorf("bundle at %d superseded by %d: %w", seqNo, st.bundleSeqNo, errs.ErrConflict)
	}
	if seqNo > st.maxSeq {
		return fmt.Errorf("bundle at %d beyond log head %d: %w", seqNo, st.maxSeq, errs.ErrBadRequest)
	}

	if err := e.bundles.SetBundle(ctx, dbID, seqNo, blob); err != nil {
		return err
	}
	prev := st.bundleSeqNo
	st.bundleSeqNo = seqNo

	go e.collect(dbID, prev+1, seqNo)

	if e.notifier != nil {
		e.notifier.BundlePublished(dbID, seqNo)
	}
	return nil
}

// collect removes records superseded by a bundle. The first failed
// delete is logged and ends the sweep; the records left in the range
// are not retried, since later sweeps start above this bundle's seqNo.
func (e *Engine) collect(dbID uuid.UUID, from, to int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for sort := from; sort <= to; sort++ {
		if err := e.store.Delete(ctx, partition(dbID), sort); err != nil {
			e.log.Warn("bundle gc",
				zap.String("db", dbID.String()),
				zap.Int64("seqNo", sort),
				zap.Error(err),
			)
			return
		}
	}
}

// Drop removes every retained record for a database (user deletion).
func (e *Engine) Drop(ctx context.Context, dbID uuid.UUID) error {
	recs, err := e.store.Range(ctx, partition(dbID), 0, -1)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := e.store.Delete(ctx, partition(dbID), r.Sort); err != nil {
			return err
		}
	}
	e.Forget(dbID)
	return nil
}
