package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/pgxdb"
)

// DatabaseRepo implements DatabaseRepository using PostgreSQL.
type DatabaseRepo struct{ db *pgxdb.DB }

// NewDatabaseRepo constructs a database repository.
func NewDatabaseRepo(db *pgxdb.DB) *DatabaseRepo { return &DatabaseRepo{db: db} }

const dbCols = `id, owner_user_id, name_hash, params, bundle_seq_no, created_at`

func scanDatabase(row pgx.Row) (*model.Database, error) {
	var d model.Database
	var params []byte
	err := row.Scan(&d.ID, &d.OwnerUserID, &d.NameHash, &params, &d.BundleSeqNo, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	d.Params = params
	return &d, nil
}

// Create inserts a database row.
func (r *DatabaseRepo) Create(ctx context.Context, d *model.Database) error {
	const q = `INSERT INTO databases (id, owner_user_id, name_hash, params) VALUES ($1,$2,$3,$4)`
	_, err := r.db.Pool.Exec(ctx, q, d.ID, d.OwnerUserID, d.NameHash, []byte(d.Params))
	if pgxdb.IsUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a database by ID.
func (r *DatabaseRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Database, error) {
	const q = `SELECT ` + dbCols + ` FROM databases WHERE id=$1`
	return scanDatabase(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByNameHash selects a database by owner and client-supplied name hash.
func (r *DatabaseRepo) GetByNameHash(ctx context.Context, ownerUserID uuid.UUID, nameHash []byte) (*model.Database, error) {
	const q = `SELECT ` + dbCols + ` FROM databases WHERE owner_user_id=$1 AND name_hash=$2`
	return scanDatabase(r.db.Pool.QueryRow(ctx, q, ownerUserID, nameHash))
}

// ListForUser returns all of a user's databases.
func (r *DatabaseRepo) ListForUser(ctx context.Context, ownerUserID uuid.UUID) ([]model.Database, error) {
	const q = `SELECT ` + dbCols + ` FROM databases WHERE owner_user_id=$1 ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Database
	for rows.Next() {
		var d model.Database
		var params []byte
		if err := rows.Scan(&d.ID, &d.OwnerUserID, &d.NameHash, &params, &d.BundleSeqNo, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Params = params
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes a database row.
func (r *DatabaseRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM databases WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// GetBundle returns the retained bundle seqNo and blob, zero values
// when none has been published.
func (r *DatabaseRepo) GetBundle(ctx context.Context, dbID uuid.UUID) (int64, model.EncryptedBlob, error) {
	const q = `SELECT bundle_seq_no, bundle_blob FROM databases WHERE id=$1`
	var seq int64
	var blob []byte
	if err := r.db.Pool.QueryRow(ctx, q, dbID).Scan(&seq, &blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, errs.ErrNotFound
		}
		return 0, nil, err
	}
	return seq, blob, nil
}

// SetBundle replaces the retained bundle. The guard keeps bundleSeqNo
// non-decreasing even across processes.
func (r *DatabaseRepo) SetBundle(ctx context.Context, dbID uuid.UUID, seqNo int64, blob model.EncryptedBlob) error {
	const q = `UPDATE databases SET bundle_seq_no=$2, bundle_blob=$3 WHERE id=$1 AND bundle_seq_no < $2`
	tag, err := r.db.Pool.Exec(ctx, q, dbID, seqNo, []byte(blob))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrConflict
	}
	return nil
}
