// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/sealbase/internal/model"
)

// UserRepository provides CRUD access for user accounts.
type UserRepository interface {
	// Create inserts a new user; ErrAlreadyExists on a username collision
	// within the app tenant.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID. Soft-deleted users are not returned.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByUsername loads a user by case-folded username within an app.
	GetByUsername(ctx context.Context, appID, username string) (*model.User, error)
	// Update persists mutable fields (username, email, profile,
	// password artifacts, seed backup).
	Update(ctx context.Context, u *model.User) error
	// SoftDelete marks the user deleted; the hard-delete sweep removes
	// the row later.
	SoftDelete(ctx context.Context, id uuid.UUID) error
	// SweepDeleted hard-deletes users soft-deleted before the cutoff and
	// returns how many rows went away.
	SweepDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRepository persists signed-in sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	// Invalidate marks one session unusable; idempotent.
	Invalidate(ctx context.Context, id uuid.UUID) error
	// InvalidateAllForUser revokes every session of a user except the
	// given one (uuid.Nil revokes all).
	InvalidateAllForUser(ctx context.Context, userID, except uuid.UUID) error
}

// DatabaseRepository persists database containers and their bundles.
type DatabaseRepository interface {
	// Create inserts a database; ErrAlreadyExists when the id or the
	// (owner, nameHash) pair is taken.
	Create(ctx context.Context, db *model.Database) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Database, error)
	GetByNameHash(ctx context.Context, ownerUserID uuid.UUID, nameHash []byte) (*model.Database, error)
	ListForUser(ctx context.Context, ownerUserID uuid.UUID) ([]model.Database, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// GetBundle / SetBundle satisfy the log engine's BundleStore.
	GetBundle(ctx context.Context, dbID uuid.UUID) (int64, model.EncryptedBlob, error)
	SetBundle(ctx context.Context, dbID uuid.UUID, seqNo int64, blob model.EncryptedBlob) error
}
