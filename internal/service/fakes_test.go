package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/repository"
)

type fakeUsers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.User

	createErr error
	updateErr error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers() *fakeUsers { return &fakeUsers{byID: map[uuid.UUID]*model.User{}} }

func (f *fakeUsers) Create(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.byID {
		if existing.AppID == u.AppID && strings.EqualFold(existing.Username, u.Username) && existing.DeletedAt == nil {
			return errs.ErrAlreadyExists
		}
	}
	cpy := *u
	f.byID[u.ID] = &cpy
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok || u.DeletedAt != nil {
		return nil, errs.ErrNotFound
	}
	cpy := *u
	return &cpy, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, appID, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.AppID == appID && strings.EqualFold(u.Username, username) && u.DeletedAt == nil {
			cpy := *u
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeUsers) Update(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	existing, ok := f.byID[u.ID]
	if !ok || existing.DeletedAt != nil {
		return errs.ErrNotFound
	}
	cpy := *u
	f.byID[u.ID] = &cpy
	return nil
}

func (f *fakeUsers) SoftDelete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok || u.DeletedAt != nil {
		return errs.ErrNotFound
	}
	now := time.Now()
	u.DeletedAt = &now
	return nil
}

func (f *fakeUsers) SweepDeleted(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, u := range f.byID {
		if u.DeletedAt != nil && u.DeletedAt.Before(cutoff) {
			delete(f.byID, id)
			n++
		}
	}
	return n, nil
}

type fakeSessions struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Session
}

var _ repository.SessionRepository = (*fakeSessions)(nil)

func newFakeSessions() *fakeSessions { return &fakeSessions{byID: map[uuid.UUID]*model.Session{}} }

func (f *fakeSessions) Create(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[s.ID]; exists {
		return errs.ErrAlreadyExists
	}
	cpy := *s
	cpy.CreatedAt = time.Now()
	f.byID[s.ID] = &cpy
	return nil
}

func (f *fakeSessions) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *s
	return &cpy, nil
}

func (f *fakeSessions) Invalidate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok && s.InvalidatedAt == nil {
		now := time.Now()
		s.InvalidatedAt = &now
	}
	return nil
}

func (f *fakeSessions) InvalidateAllForUser(_ context.Context, userID, except uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.UserID == userID && s.ID != except && s.InvalidatedAt == nil {
			now := time.Now()
			s.InvalidatedAt = &now
		}
	}
	return nil
}

type fakeDatabases struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Database
}

var _ repository.DatabaseRepository = (*fakeDatabases)(nil)

func newFakeDatabases() *fakeDatabases { return &fakeDatabases{byID: map[uuid.UUID]*model.Database{}} }

func (f *fakeDatabases) Create(_ context.Context, d *model.Database) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[d.ID]; exists {
		return errs.ErrAlreadyExists
	}
	for _, existing := range f.byID {
		if existing.OwnerUserID == d.OwnerUserID && string(existing.NameHash) == string(d.NameHash) {
			return errs.ErrAlreadyExists
		}
	}
	cpy := *d
	cpy.CreatedAt = time.Now()
	f.byID[d.ID] = &cpy
	return nil
}

func (f *fakeDatabases) GetByID(_ context.Context, id uuid.UUID) (*model.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *d
	return &cpy, nil
}

func (f *fakeDatabases) GetByNameHash(_ context.Context, owner uuid.UUID, nameHash []byte) (*model.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.byID {
		if d.OwnerUserID == owner && string(d.NameHash) == string(nameHash) {
			cpy := *d
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeDatabases) ListForUser(_ context.Context, owner uuid.UUID) ([]model.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Database
	for _, d := range f.byID {
		if d.OwnerUserID == owner {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDatabases) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeDatabases) GetBundle(_ context.Context, dbID uuid.UUID) (int64, model.EncryptedBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[dbID]
	if !ok {
		return 0, nil, nil
	}
	return d.BundleSeqNo, nil, nil
}

func (f *fakeDatabases) SetBundle(_ context.Context, dbID uuid.UUID, seqNo int64, _ model.EncryptedBlob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.byID[dbID]; ok {
		d.BundleSeqNo = seqNo
	}
	return nil
}

type fakeLimiter struct {
	allowOK     bool
	allowErr    error
	failBlocked bool

	failures  int
	successes int
}

func (f *fakeLimiter) Allow(_ context.Context, _, _ string, _ []byte) (bool, time.Duration, error) {
	return f.allowOK, 0, f.allowErr
}

func (f *fakeLimiter) Success(_ context.Context, _, _ string, _ []byte) error {
	f.successes++
	return nil
}

func (f *fakeLimiter) Failure(_ context.Context, _, _ string, _ []byte) (bool, time.Duration, error) {
	f.failures++
	return f.failBlocked, 0, nil
}
