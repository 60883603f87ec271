// Package postgres contains PostgreSQL implementations of the
// metadata repositories (users, sessions, databases).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/pgxdb"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *pgxdb.DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *pgxdb.DB) *UserRepo { return &UserRepo{db: db} }

const userCols = `
id, app_id, username, public_key,
encryption_key_salt, dh_key_salt, hmac_key_salt,
password_salt, password_token_salt, password_token,
seed_backup, email, profile, created_at, deleted_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var profile []byte
	err := row.Scan(
		&u.ID, &u.AppID, &u.Username, &u.PublicKey,
		&u.KeySalts.EncryptionKeySalt, &u.KeySalts.DHKeySalt, &u.KeySalts.HMACKeySalt,
		&u.PasswordSalts.PasswordSalt, &u.PasswordSalts.PasswordTokenSalt, &u.PasswordToken,
		&u.SeedBackup, &u.Email, &profile, &u.CreatedAt, &u.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &u.Profile); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func marshalProfile(p map[string]string) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return json.Marshal(p)
}

// Create inserts a new user row. Usernames are stored case-folded.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	profile, err := marshalProfile(u.Profile)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO users (
  id, app_id, username, public_key,
  encryption_key_salt, dh_key_salt, hmac_key_salt,
  password_salt, password_token_salt, password_token,
  seed_backup, email, profile
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = r.db.Pool.Exec(ctx, q,
		u.ID, u.AppID, strings.ToLower(u.Username), u.PublicKey,
		u.KeySalts.EncryptionKeySalt, u.KeySalts.DHKeySalt, u.KeySalts.HMACKeySalt,
		u.PasswordSalts.PasswordSalt, u.PasswordSalts.PasswordTokenSalt, u.PasswordToken,
		[]byte(u.SeedBackup), u.Email, profile,
	)
	if pgxdb.IsUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a live user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id=$1 AND deleted_at IS NULL`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByUsername selects a live user by case-folded username within an app.
func (r *UserRepo) GetByUsername(ctx context.Context, appID, username string) (*model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE app_id=$1 AND username=$2 AND deleted_at IS NULL`
	return scanUser(r.db.Pool.QueryRow(ctx, q, appID, strings.ToLower(username)))
}

// Update persists the user's mutable fields.
func (r *UserRepo) Update(ctx context.Context, u *model.User) error {
	profile, err := marshalProfile(u.Profile)
	if err != nil {
		return err
	}
	const q = `
UPDATE users SET
  username=$2, email=$3, profile=$4,
  password_salt=$5, password_token_salt=$6, password_token=$7,
  seed_backup=$8
WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q,
		u.ID, strings.ToLower(u.Username), u.Email, profile,
		u.PasswordSalts.PasswordSalt, u.PasswordSalts.PasswordTokenSalt, u.PasswordToken,
		[]byte(u.SeedBackup),
	)
	if pgxdb.IsUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SoftDelete marks a user deleted; already-deleted users are not found.
func (r *UserRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE users SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SweepDeleted hard-deletes users soft-deleted before the cutoff.
func (r *UserRepo) SweepDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM users WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
