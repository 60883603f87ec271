package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	pkgcrypto "github.com/and161185/sealbase/internal/crypto"
	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/logengine"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/repository"
)

// UpdateParams mutates a user. Zero-valued fields are left unchanged.
// Rotating the password requires the token, both salts, and a fresh
// seed backup together.
type UpdateParams struct {
	Username      string
	Email         string
	Profile       map[string]string
	PasswordToken []byte
	PasswordSalts *model.PasswordSalts
	SeedBackup    model.EncryptedBlob
}

// PasswordRotated reports whether this update replaces the password
// artifacts (and therefore must revoke other sessions).
func (p *UpdateParams) PasswordRotated() bool { return len(p.PasswordToken) > 0 }

// UserService defines user mutation and teardown operations.
type UserService interface {
	// Update applies profile/credential changes and returns the updated user.
	Update(ctx context.Context, userID uuid.UUID, p UpdateParams) (*model.User, error)
	// Delete soft-deletes the user and tears down all databases.
	Delete(ctx context.Context, userID uuid.UUID) error
}

type UserServiceImpl struct {
	users     repository.UserRepository
	sessions  repository.SessionRepository
	databases repository.DatabaseRepository
	engine    *logengine.Engine
}

// NewUserService constructs UserService with required dependencies.
func NewUserService(users repository.UserRepository, sessions repository.SessionRepository, databases repository.DatabaseRepository, engine *logengine.Engine) *UserServiceImpl {
	return &UserServiceImpl{users: users, sessions: sessions, databases: databases, engine: engine}
}

// Update applies the requested mutations.
func (s *UserServiceImpl) Update(ctx context.Context, userID uuid.UUID, p UpdateParams) (*model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if p.Username != "" {
		u.Username = p.Username
	}
	if p.Email != "" {
		u.Email = p.Email
	}
	if p.Profile != nil {
		u.Profile = p.Profile
	}
	if p.PasswordRotated() {
		if p.PasswordSalts == nil || len(p.SeedBackup) == 0 {
			return nil, fmt.Errorf("password rotation requires salts and seed backup: %w", errs.ErrBadRequest)
		}
		u.PasswordSalts = *p.PasswordSalts
		u.PasswordToken = pkgcrypto.HashPasswordToken(p.PasswordToken, p.PasswordSalts.PasswordTokenSalt)
		u.SeedBackup = p.SeedBackup
	}

	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Delete soft-deletes the user, invalidates every session, and drops
// all database logs and metadata.
func (s *UserServiceImpl) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := s.users.SoftDelete(ctx, userID); err != nil {
		return err
	}
	if err := s.sessions.InvalidateAllForUser(ctx, userID, uuid.Nil); err != nil {
		return err
	}
	dbs, err := s.databases.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, d := range dbs {
		if err := s.engine.Drop(ctx, d.ID); err != nil {
			return err
		}
		if err := s.databases.Delete(ctx, d.ID); err != nil {
			return err
		}
	}
	return nil
}
