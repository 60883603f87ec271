// Package service contains application services for authentication,
// sessions, and user management.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/sealbase/internal/crypto"
	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/limiter"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/repository"
)

// SignUpParams carries everything a client submits at account creation.
// All key material is already derived client-side.
type SignUpParams struct {
	Username      string
	PasswordToken []byte
	PublicKey     []byte
	KeySalts      model.KeySalts
	PasswordSalts model.PasswordSalts
	SeedBackup    model.EncryptedBlob
	Email         string
	Profile       map[string]string
	RememberMe    model.RememberMe
}

// AuthService defines authentication and session operations.
type AuthService interface {
	// SignUp creates a user and an initial session.
	SignUp(ctx context.Context, appID string, p SignUpParams) (*model.User, string, error)
	// SignIn verifies the password token under rate limiting and issues
	// a session.
	SignIn(ctx context.Context, appID, username string, passwordToken []byte, remember model.RememberMe, ip string) (*model.User, string, error)
	// Authenticate resolves a session credential to a live user; used on
	// sign-in-with-session and the WebSocket upgrade.
	Authenticate(ctx context.Context, token string) (*model.User, *model.Session, error)
	// SignOut invalidates the session.
	SignOut(ctx context.Context, sessionID uuid.UUID) error
	// PasswordSaltsFor returns the salts needed to derive the password
	// token before sign-in.
	PasswordSaltsFor(ctx context.Context, appID, username string) (model.PasswordSalts, error)
	// RevokeOtherSessions invalidates all of a user's sessions but one;
	// used after password rotation.
	RevokeOtherSessions(ctx context.Context, userID, keep uuid.UUID) error
}

type AuthServiceImpl struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	signKey  []byte
	tokenTTL time.Duration
	lim      limiter.Limiter
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, sessions repository.SessionRepository, signKey []byte, tokenTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, sessions: sessions, signKey: signKey, tokenTTL: tokenTTL, lim: lim}
}

// SignUp creates a new user record and its first session.
func (s *AuthServiceImpl) SignUp(ctx context.Context, appID string, p SignUpParams) (*model.User, string, error) {
	if appID == "" || p.Username == "" || len(p.PasswordToken) == 0 {
		return nil, "", fmt.Errorf("missing app id, username, or password token: %w", errs.ErrBadRequest)
	}
	if len(p.PublicKey) == 0 {
		return nil, "", fmt.Errorf("missing public key: %w", errs.ErrBadRequest)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return nil, "", err
	}

	u := &model.User{
		ID:            uid,
		AppID:         appID,
		Username:      p.Username,
		PublicKey:     p.PublicKey,
		KeySalts:      p.KeySalts,
		PasswordSalts: p.PasswordSalts,
		PasswordToken: pkgcrypto.HashPasswordToken(p.PasswordToken, p.PasswordSalts.PasswordTokenSalt),
		SeedBackup:    p.SeedBackup,
		Email:         p.Email,
		Profile:       p.Profile,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, "", err
	}

	token, err := s.issueSession(ctx, uid, p.RememberMe)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// SignIn authenticates with rate limiting by (app, username, ip).
func (s *AuthServiceImpl) SignIn(ctx context.Context, appID, username string, passwordToken []byte, remember model.RememberMe, ip string) (*model.User, string, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, appID, username, ipHash)
	if err != nil {
		return nil, "", err
	}
	if !allowed {
		return nil, "", errs.ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, appID, username)
	if err != nil || !pkgcrypto.VerifyPasswordToken(passwordToken, u.PasswordSalts.PasswordTokenSalt, u.PasswordToken) {
		if blocked, _, ferr := s.lim.Failure(ctx, appID, username, ipHash); ferr == nil && blocked {
			return nil, "", errs.ErrRateLimited
		}
		// hide whether the user exists
		return nil, "", errs.ErrUnauthorized
	}

	// best-effort reset
	_ = s.lim.Success(ctx, appID, username, ipHash)

	token, err := s.issueSession(ctx, u.ID, remember)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// issueSession persists a session row and signs its credential.
func (s *AuthServiceImpl) issueSession(ctx context.Context, userID uuid.UUID, remember model.RememberMe) (string, error) {
	if remember == "" {
		remember = model.RememberNone
	}
	sid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	sess := &model.Session{ID: sid, UserID: userID, RememberMe: remember}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sid.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
}

// sessionIDFromToken verifies the HS256 signature and extracts the
// session row id.
func (s *AuthServiceImpl) sessionIDFromToken(token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errs.ErrUnauthorized
	}
	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	return id, nil
}

// Authenticate resolves a credential to its live session and user.
// Server-side invalidation wins over token lifetime.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, token string) (*model.User, *model.Session, error) {
	sid, err := s.sessionIDFromToken(token)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, errs.ErrUnauthorized
		}
		return nil, nil, err
	}
	if !sess.Valid() {
		return nil, nil, errs.ErrUnauthorized
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, errs.ErrUnauthorized
		}
		return nil, nil, err
	}
	return u, sess, nil
}

// SignOut invalidates a session.
func (s *AuthServiceImpl) SignOut(ctx context.Context, sessionID uuid.UUID) error {
	return s.sessions.Invalidate(ctx, sessionID)
}

// PasswordSaltsFor serves the pre-sign-in salt lookup.
func (s *AuthServiceImpl) PasswordSaltsFor(ctx context.Context, appID, username string) (model.PasswordSalts, error) {
	u, err := s.users.GetByUsername(ctx, appID, username)
	if err != nil {
		return model.PasswordSalts{}, err
	}
	return u.PasswordSalts, nil
}

// RevokeOtherSessions invalidates every session of a user but one.
func (s *AuthServiceImpl) RevokeOtherSessions(ctx context.Context, userID, keep uuid.UUID) error {
	return s.sessions.InvalidateAllForUser(ctx, userID, keep)
}
