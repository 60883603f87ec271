// Package postgres implements the store adapter on PostgreSQL. The
// wide-column layout maps to a (partition, sort) primary key; the
// per-partition allocator is an upsert-returning counter row.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/sealbase/internal/pgxdb"
	"github.com/and161185/sealbase/internal/store"
)

// Store is the pgx-backed store adapter.
type Store struct{ pool pgxdb.PgxPool }

// New creates a store over an existing pool.
func New(pool pgxdb.PgxPool) *Store { return &Store{pool: pool} }

// NewFromDSN dials a fresh pool for the given DSN.
func NewFromDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxdb.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: db.Pool}, nil
}

// Close shuts down the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Put writes an item; with ifAbsent it reports ErrConflict on presence.
func (s *Store) Put(ctx context.Context, partition string, sort int64, item store.Item, ifAbsent bool) error {
	if ifAbsent {
		const q = `INSERT INTO records (partition, sort, item) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`
		tag, err := s.pool.Exec(ctx, q, partition, sort, []byte(item))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrConflict
		}
		return nil
	}
	const q = `
INSERT INTO records (partition, sort, item) VALUES ($1,$2,$3)
ON CONFLICT (partition, sort) DO UPDATE SET item = EXCLUDED.item`
	_, err := s.pool.Exec(ctx, q, partition, sort, []byte(item))
	return err
}

// Get returns the item at (partition, sort).
func (s *Store) Get(ctx context.Context, partition string, sort int64) (store.Item, error) {
	const q = `SELECT item FROM records WHERE partition=$1 AND sort=$2`
	var item []byte
	if err := s.pool.QueryRow(ctx, q, partition, sort).Scan(&item); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// Range returns records ordered by sort key; toSort < 0 is unbounded.
func (s *Store) Range(ctx context.Context, partition string, fromSort, toSort int64) ([]store.Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if toSort < 0 {
		const q = `SELECT sort, item FROM records WHERE partition=$1 AND sort>=$2 ORDER BY sort ASC`
		rows, err = s.pool.Query(ctx, q, partition, fromSort)
	} else {
		const q = `SELECT sort, item FROM records WHERE partition=$1 AND sort>=$2 AND sort<=$3 ORDER BY sort ASC`
		rows, err = s.pool.Query(ctx, q, partition, fromSort, toSort)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var r store.Record
		var item []byte
		if err := rows.Scan(&r.Sort, &item); err != nil {
			return nil, err
		}
		r.Item = item
		out = append(out, r)
	}
	return out, rows.Err()
}

// Batch applies every op in one transaction; a failed ifAbsent
// condition aborts with ErrConditionFailed.
func (s *Store) Batch(ctx context.Context, ops []store.Op) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			if pgxdb.IsSerializationFailure(e) {
				e = store.ErrTxConflict
			}
			err = e
		}
	}()

	const ins = `INSERT INTO records (partition, sort, item) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`
	const upd = `
INSERT INTO records (partition, sort, item) VALUES ($1,$2,$3)
ON CONFLICT (partition, sort) DO UPDATE SET item = EXCLUDED.item`
	for _, op := range ops {
		if op.IfAbsent {
			tag, e := tx.Exec(ctx, ins, op.Partition, op.Sort, []byte(op.Item))
			if e != nil {
				if pgxdb.IsSerializationFailure(e) {
					return store.ErrTxConflict
				}
				return e
			}
			if tag.RowsAffected() == 0 {
				return store.ErrConditionFailed
			}
			continue
		}
		if _, e := tx.Exec(ctx, upd, op.Partition, op.Sort, []byte(op.Item)); e != nil {
			if pgxdb.IsSerializationFailure(e) {
				return store.ErrTxConflict
			}
			return e
		}
	}
	return nil
}

// NextSeq increments and returns the partition's counter.
func (s *Store) NextSeq(ctx context.Context, partition string) (int64, error) {
	const q = `
INSERT INTO seq_counters (partition, next) VALUES ($1, 1)
ON CONFLICT (partition) DO UPDATE SET next = seq_counters.next + 1
RETURNING next`
	var n int64
	if err := s.pool.QueryRow(ctx, q, partition).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes the item; deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, partition string, sort int64) error {
	const q = `DELETE FROM records WHERE partition=$1 AND sort=$2`
	_, err := s.pool.Exec(ctx, q, partition, sort)
	return err
}

var _ store.Store = (*Store)(nil)
