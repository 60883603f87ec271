package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
)

func TestDatabaseRepo_Create_Conflict(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)

	d := &model.Database{
		ID:          uuid.Must(uuid.NewV4()),
		OwnerUserID: uuid.Must(uuid.NewV4()),
		NameHash:    []byte("hash"),
	}
	mock.ExpectExec(`INSERT INTO databases`).
		WithArgs(d.ID, d.OwnerUserID, d.NameHash, []byte(nil)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := r.Create(context.Background(), d)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestDatabaseRepo_GetByNameHash(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)

	dbID := uuid.Must(uuid.NewV4())
	owner := uuid.Must(uuid.NewV4())
	created := time.Now()

	mock.ExpectQuery(`SELECT .* FROM databases WHERE owner_user_id=\$1 AND name_hash=\$2`).
		WithArgs(owner, []byte("hash")).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "owner_user_id", "name_hash", "params", "bundle_seq_no", "created_at"}).
			AddRow(dbID, owner, []byte("hash"), []byte("params"), int64(0), created))

	d, err := r.GetByNameHash(context.Background(), owner, []byte("hash"))
	require.NoError(t, err)
	require.Equal(t, dbID, d.ID)
	require.Equal(t, model.EncryptedBlob("params"), d.Params)
}

func TestDatabaseRepo_GetByID_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT .* FROM databases WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := r.GetByID(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDatabaseRepo_SetBundle_MonotonicGuard(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	dbID := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`UPDATE databases SET bundle_seq_no=\$2, bundle_blob=\$3 WHERE id=\$1 AND bundle_seq_no < \$2`).
		WithArgs(dbID, int64(10), []byte("snap")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetBundle(context.Background(), dbID, 10, []byte("snap")))

	// lost race: a newer bundle already landed
	mock.ExpectExec(`UPDATE databases SET bundle_seq_no=\$2`).
		WithArgs(dbID, int64(5), []byte("old")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.SetBundle(context.Background(), dbID, 5, []byte("old")), errs.ErrConflict)
}

func TestDatabaseRepo_GetBundle(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	dbID := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT bundle_seq_no, bundle_blob FROM databases WHERE id=\$1`).
		WithArgs(dbID).
		WillReturnRows(pgxmock.NewRows([]string{"bundle_seq_no", "bundle_blob"}).
			AddRow(int64(7), []byte("snap")))

	seq, blob, err := r.GetBundle(context.Background(), dbID)
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
	require.Equal(t, model.EncryptedBlob("snap"), blob)
}

func TestSessionRepo_Lifecycle(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	s := &model.Session{
		ID:         uuid.Must(uuid.NewV4()),
		UserID:     uuid.Must(uuid.NewV4()),
		RememberMe: model.RememberLocal,
	}

	mock.ExpectExec(`INSERT INTO sessions \(id, user_id, remember_me\) VALUES \(\$1,\$2,\$3\)`).
		WithArgs(s.ID, s.UserID, "local").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(context.Background(), s))

	created := time.Now()
	mock.ExpectQuery(`SELECT id, user_id, remember_me, created_at, invalidated_at FROM sessions WHERE id=\$1`).
		WithArgs(s.ID).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "user_id", "remember_me", "created_at", "invalidated_at"}).
			AddRow(s.ID, s.UserID, "local", created, nil))

	got, err := r.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, got.Valid())
	require.Equal(t, model.RememberLocal, got.RememberMe)

	mock.ExpectExec(`UPDATE sessions SET invalidated_at=now\(\) WHERE id=\$1 AND invalidated_at IS NULL`).
		WithArgs(s.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Invalidate(context.Background(), s.ID))

	mock.ExpectExec(`UPDATE sessions SET invalidated_at=now\(\) WHERE user_id=\$1 AND id<>\$2 AND invalidated_at IS NULL`).
		WithArgs(s.UserID, s.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	require.NoError(t, r.InvalidateAllForUser(context.Background(), s.UserID, s.ID))
}
