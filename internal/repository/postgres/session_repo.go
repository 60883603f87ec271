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

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *pgxdb.DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *pgxdb.DB) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `INSERT INTO sessions (id, user_id, remember_me) VALUES ($1,$2,$3)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.UserID, string(s.RememberMe))
	if pgxdb.IsUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a session by ID.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	const q = `SELECT id, user_id, remember_me, created_at, invalidated_at FROM sessions WHERE id=$1`
	var s model.Session
	var remember string
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.UserID, &remember, &s.CreatedAt, &s.InvalidatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	s.RememberMe = model.RememberMe(remember)
	return &s, nil
}

// Invalidate marks a session unusable; invalidating twice is a no-op.
func (r *SessionRepo) Invalidate(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sessions SET invalidated_at=now() WHERE id=$1 AND invalidated_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// InvalidateAllForUser revokes every session of a user except one.
func (r *SessionRepo) InvalidateAllForUser(ctx context.Context, userID, except uuid.UUID) error {
	const q = `UPDATE sessions SET invalidated_at=now() WHERE user_id=$1 AND id<>$2 AND invalidated_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, q, userID, except)
	return err
}
