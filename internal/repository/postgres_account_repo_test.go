package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var accountRowColumns = []string{"id", "node", "domain", "email", "gpg_fingerprint", "registration_method", "registered_at", "confirmed_at"}

func TestPostgresAccountRepo_FindByJID_Found(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(accountRowColumns).
		AddRow("acc-1", "alice", "example.org", "alice@mail.test", nil, "website", registered, nil)
	mock.ExpectQuery(`(?s)SELECT .* FROM accounts WHERE node = \$1 AND domain = \$2`).
		WithArgs("alice", "example.org").
		WillReturnRows(rows)

	got, err := repo.FindByJID(context.Background(), jid.JID{Node: "alice", Domain: "example.org"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acc-1", got.ID)
	assert.Equal(t, "alice@mail.test", got.Email)
	assert.Equal(t, model.RegistrationWebsite, got.RegistrationMethod)
	assert.Empty(t, got.GPGFingerprint)
	assert.Nil(t, got.ConfirmedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAccountRepo_FindByJID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	mock.ExpectQuery(`(?s)SELECT .* FROM accounts WHERE node = \$1 AND domain = \$2`).
		WithArgs("ghost", "example.org").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.FindByJID(context.Background(), jid.JID{Node: "ghost", Domain: "example.org"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresAccountRepo_Create_UniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	mock.ExpectExec(`INSERT INTO accounts`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &model.Account{
		ID:                 "acc-1",
		JID:                jid.JID{Node: "alice", Domain: "example.org"},
		RegistrationMethod: model.RegistrationWebsite,
		RegisteredAt:       time.Now(),
	})
	assert.ErrorIs(t, err, model.ErrUserExists)
}

func TestPostgresAccountRepo_Create_Success(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	now := time.Now()
	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("acc-1", "alice", "example.org", "alice@mail.test", nil, "website", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.Account{
		ID:                 "acc-1",
		JID:                jid.JID{Node: "alice", Domain: "example.org"},
		Email:              "alice@mail.test",
		RegistrationMethod: model.RegistrationWebsite,
		RegisteredAt:       now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAccountRepo_Update_DBError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	mock.ExpectExec(`UPDATE accounts SET`).WillReturnError(errors.New("db down"))

	err := repo.Update(context.Background(), &model.Account{ID: "acc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestPostgresAccountRepo_ListUnconfirmedBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	confirmed := cutoff.Add(-time.Hour)
	rows := sqlmock.NewRows(accountRowColumns).
		AddRow("acc-1", "alice", "example.org", "alice@mail.test", "0123456789ABCDEF0123456789ABCDEF01234567", "website", cutoff.Add(-72*time.Hour), nil).
		AddRow("acc-2", "bob", "example.org", "bob@mail.test", nil, "website", cutoff.Add(-50*time.Hour), confirmed)
	mock.ExpectQuery(`(?s)FROM accounts\s+WHERE confirmed_at IS NULL\s+AND registration_method = 'website'\s+AND registered_at < \$1`).
		WithArgs(cutoff).
		WillReturnRows(rows)

	got, err := repo.ListUnconfirmedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF01234567", got[0].GPGFingerprint)
	require.NotNil(t, got[1].ConfirmedAt)
	assert.True(t, got[1].ConfirmedAt.Equal(confirmed))
}

func TestPostgresAccountRepo_ListWithoutEmailBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(accountRowColumns).
		AddRow("acc-3", "carol", "example.org", nil, nil, "inband", cutoff.Add(-72*time.Hour), nil)
	mock.ExpectQuery(`(?s)FROM accounts\s+WHERE confirmed_at IS NULL\s+AND registration_method <> 'website'\s+AND registered_at < \$1`).
		WithArgs(cutoff).
		WillReturnRows(rows)

	got, err := repo.ListWithoutEmailBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "carol", got[0].JID.Node)
	assert.Equal(t, model.RegistrationInband, got[0].RegistrationMethod)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAccountRepo_ListNodesByDomain(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db)

	mock.ExpectQuery(`SELECT node FROM accounts WHERE domain = \$1`).
		WithArgs("example.org").
		WillReturnRows(sqlmock.NewRows([]string{"node"}).AddRow("alice").AddRow("bob"))

	got, err := repo.ListNodesByDomain(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got)
}
