package service

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/logengine"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/store/memory"
)

func newUserSvc(t *testing.T) (*UserServiceImpl, *fakeUsers, *fakeSessions, *fakeDatabases, *memory.Store) {
	t.Helper()
	users := newFakeUsers()
	sessions := newFakeSessions()
	databases := newFakeDatabases()
	st := memory.New()
	engine := logengine.New(st, databases, zap.NewNop())
	return NewUserService(users, sessions, databases, engine), users, sessions, databases, st
}

func seedUser(t *testing.T, users *fakeUsers) *model.User {
	t.Helper()
	u := &model.User{
		ID:       uuid.Must(uuid.NewV4()),
		AppID:    "app-1",
		Username: "alice",
		PasswordSalts: model.PasswordSalts{
			PasswordSalt: []byte("ps"), PasswordTokenSalt: []byte("pts"),
		},
		PasswordToken: []byte("old-hash"),
		SeedBackup:    []byte("old-backup"),
	}
	require.NoError(t, users.Create(context.Background(), u))
	return u
}

func TestUpdate_ProfileFields(t *testing.T) {
	svc, users, _, _, _ := newUserSvc(t)
	ctx := context.Background()
	u := seedUser(t, users)

	got, err := svc.Update(ctx, u.ID, UpdateParams{
		Username: "alice2",
		Email:    "a2@example.com",
		Profile:  map[string]string{"theme": "dark"},
	})
	require.NoError(t, err)
	require.Equal(t, "alice2", got.Username)
	require.Equal(t, "a2@example.com", got.Email)

	stored, err := users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "dark", stored.Profile["theme"])
	// untouched fields survive
	require.Equal(t, []byte("old-hash"), stored.PasswordToken)
}

func TestUpdate_PasswordRotationNeedsAllArtifacts(t *testing.T) {
	svc, users, _, _, _ := newUserSvc(t)
	ctx := context.Background()
	u := seedUser(t, users)

	_, err := svc.Update(ctx, u.ID, UpdateParams{PasswordToken: []byte("new-token")})
	require.ErrorIs(t, err, errs.ErrBadRequest)

	got, err := svc.Update(ctx, u.ID, UpdateParams{
		PasswordToken: []byte("new-token"),
		PasswordSalts: &model.PasswordSalts{
			PasswordSalt: []byte("nps"), PasswordTokenSalt: []byte("npts"),
		},
		SeedBackup: []byte("new-backup"),
	})
	require.NoError(t, err)
	require.NotEqual(t, []byte("old-hash"), got.PasswordToken)
	require.NotEqual(t, []byte("new-token"), got.PasswordToken, "raw token must not be stored")
	require.Equal(t, model.EncryptedBlob("new-backup"), got.SeedBackup)
}

func TestUpdate_UnknownUser(t *testing.T) {
	svc, _, _, _, _ := newUserSvc(t)
	_, err := svc.Update(context.Background(), uuid.Must(uuid.NewV4()), UpdateParams{Email: "x@y"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDelete_TearsDownEverything(t *testing.T) {
	svc, users, sessions, databases, st := newUserSvc(t)
	ctx := context.Background()
	u := seedUser(t, users)

	sess := &model.Session{ID: uuid.Must(uuid.NewV4()), UserID: u.ID, RememberMe: model.RememberNone}
	require.NoError(t, sessions.Create(ctx, sess))

	dbID := uuid.Must(uuid.NewV4())
	require.NoError(t, databases.Create(ctx, &model.Database{
		ID: dbID, OwnerUserID: u.ID, NameHash: []byte("nh"),
	}))
	require.NoError(t, st.Put(ctx, dbID.String(), 1, []byte(`{"command":"Insert"}`), true))

	require.NoError(t, svc.Delete(ctx, u.ID))

	_, err := users.GetByID(ctx, u.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, got.Valid())

	_, err = databases.GetByID(ctx, dbID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	recs, err := st.Range(ctx, dbID.String(), 0, -1)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestDelete_UnknownUser(t *testing.T) {
	svc, _, _, _, _ := newUserSvc(t)
	require.ErrorIs(t, svc.Delete(context.Background(), uuid.Must(uuid.NewV4())), errs.ErrNotFound)
}
