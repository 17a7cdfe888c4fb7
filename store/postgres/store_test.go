package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ruteri/federated-kms/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

var userRowColumns = []string{"identity", "public_key", "key_name_identifier", "salt", "wrapped_key", "state"}

func TestUserByIdentity(t *testing.T) {
	s, mock := newStoreWithMock(t)
	q := `(?s)^SELECT\s+identity,.*state\s+FROM\s+users\s+WHERE\s+identity\s*=\s*\$1$`

	mock.ExpectQuery(q).WithArgs("alice@example.com").WillReturnRows(
		sqlmock.NewRows(userRowColumns).AddRow("alice@example.com", "cHVi", "a2V5", "c2FsdA==", "", "SOLVECHALL"))

	user, err := s.UserByIdentity(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, &interfaces.User{
		Identity:          "alice@example.com",
		PublicKey:         "cHVi",
		KeyNameIdentifier: "a2V5",
		Salt:              "c2FsdA==",
		State:             interfaces.StateAwaitingChallengeSolution,
	}, user)
}

func TestUserByIdentity_NullKeyName(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM\s+users`).WithArgs("new@example.com").WillReturnRows(
		sqlmock.NewRows(userRowColumns).AddRow("new@example.com", "", nil, "", "", "SENDPUBKEY"))

	user, err := s.UserByIdentity(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.Empty(t, user.KeyNameIdentifier)
	assert.Equal(t, interfaces.StateAwaitingPublicKey, user.State)
}

func TestUserByIdentity_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectQuery(`FROM\s+users`).WillReturnError(sql.ErrNoRows)

		_, err := s.UserByIdentity(context.Background(), "ghost@example.com")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("unknown state", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectQuery(`FROM\s+users`).WillReturnRows(
			sqlmock.NewRows(userRowColumns).AddRow("a@example.com", "", nil, "", "", "BOGUS"))

		_, err := s.UserByIdentity(context.Background(), "a@example.com")
		assert.ErrorContains(t, err, "unknown user state")
	})

	t.Run("driver error passes through", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectQuery(`FROM\s+users`).WillReturnError(errors.New("db down"))

		_, err := s.UserByIdentity(context.Background(), "a@example.com")
		assert.ErrorContains(t, err, "db down")
		assert.NotErrorIs(t, err, interfaces.ErrNotFound)
	})
}

func TestUserByKeyName(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+key_name_identifier\s*=\s*\$1$`).WithArgs("a2V5").WillReturnRows(
		sqlmock.NewRows(userRowColumns).AddRow("alice@example.com", "cHVi", "a2V5", "", "", "ACCESSWRAPPEDKEY"))

	user, err := s.UserByKeyName(context.Background(), "a2V5")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Identity)
}

func TestCreateUser(t *testing.T) {
	q := `(?s)^INSERT\s+INTO\s+users\s+\(identity,.*\)\s+VALUES\s+\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6\)$`

	t.Run("empty key name stored as NULL", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectExec(q).
			WithArgs("alice@example.com", "", nil, "", "", "SENDPUBKEY").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.CreateUser(context.Background(), &interfaces.User{Identity: "alice@example.com"}))
	})

	t.Run("duplicate identity", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectExec(q).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_pkey"})

		err := s.CreateUser(context.Background(), &interfaces.User{Identity: "alice@example.com", State: interfaces.StateAwaitingPublicKey})
		assert.ErrorIs(t, err, interfaces.ErrConflict)
		assert.ErrorContains(t, err, "users_pkey")
	})
}

func TestUpdateUser(t *testing.T) {
	q := `(?s)^UPDATE\s+users\s+SET\s+public_key\s*=\s*\$2,.*WHERE\s+identity\s*=\s*\$1$`
	user := &interfaces.User{
		Identity:          "alice@example.com",
		PublicKey:         "cHVi",
		KeyNameIdentifier: "a2V5",
		Salt:              "c2FsdA==",
		State:             interfaces.StateAwaitingChallengeSolution,
	}

	tests := []struct {
		name   string
		result execResult
		want   error
	}{
		{name: "updated", result: execResult{rows: 1}},
		{name: "missing user", result: execResult{rows: 0}, want: interfaces.ErrNotFound},
		{name: "key name taken", result: execResult{err: &pgconn.PgError{Code: pgErrUniqueViolation}}, want: interfaces.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newStoreWithMock(t)
			exp := mock.ExpectExec(q).WithArgs("alice@example.com", "cHVi", "a2V5", "c2FsdA==", "", "SOLVECHALL")
			if tt.result.err != nil {
				exp.WillReturnError(tt.result.err)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.result.rows))
			}

			err := s.UpdateUser(context.Background(), user)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type execResult struct {
	rows int64
	err  error
}

func TestRenameUser(t *testing.T) {
	q := `^UPDATE\s+users\s+SET\s+identity\s*=\s*\$2\s+WHERE\s+identity\s*=\s*\$1$`

	s, mock := newStoreWithMock(t)
	mock.ExpectExec(q).WithArgs("old@example.com", "new@example.com").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("old@example.com", "taken@example.com").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_pkey"})
	mock.ExpectExec(q).WithArgs("ghost@example.com", "new@example.com").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	assert.NoError(t, s.RenameUser(ctx, "old@example.com", "new@example.com"))
	assert.ErrorIs(t, s.RenameUser(ctx, "old@example.com", "taken@example.com"), interfaces.ErrConflict)
	assert.ErrorIs(t, s.RenameUser(ctx, "ghost@example.com", "new@example.com"), interfaces.ErrNotFound)
}

func TestChallenges(t *testing.T) {
	ctx := context.Background()
	from := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ch := &interfaces.Challenge{
		Identity:       "alice@example.com",
		Hash:           "ab12",
		Ciphertext:     "Y2lwaGVy",
		KeyFingerprint: "ff00",
		ValidityWindow: interfaces.NewValidityWindow(from, 300*time.Second),
	}

	t.Run("create and read", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectExec(`^INSERT\s+INTO\s+challenges`).
			WithArgs(ch.Identity, ch.Hash, ch.Ciphertext, ch.KeyFingerprint, ch.From, ch.Until).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`FROM\s+challenges\s+WHERE\s+identity\s*=\s*\$1$`).WithArgs(ch.Identity).WillReturnRows(
			sqlmock.NewRows([]string{"identity", "hash", "ciphertext", "key_fingerprint", "valid_from", "valid_until"}).
				AddRow(ch.Identity, ch.Hash, ch.Ciphertext, ch.KeyFingerprint, ch.From, ch.Until))

		require.NoError(t, s.CreateChallenge(ctx, ch))
		got, err := s.ChallengeForUser(ctx, ch.Identity)
		require.NoError(t, err)
		assert.Equal(t, ch, got)
	})

	t.Run("one per user", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectExec(`^INSERT\s+INTO\s+challenges`).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "challenges_pkey"})
		assert.ErrorIs(t, s.CreateChallenge(ctx, ch), interfaces.ErrConflict)
	})

	t.Run("owner missing", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectExec(`^INSERT\s+INTO\s+challenges`).WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
		assert.ErrorIs(t, s.CreateChallenge(ctx, ch), interfaces.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectExec(`^DELETE\s+FROM\s+challenges\s+WHERE\s+identity\s*=\s*\$1$`).WithArgs(ch.Identity).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`^DELETE\s+FROM\s+challenges`).WithArgs(ch.Identity).WillReturnResult(sqlmock.NewResult(0, 0))

		assert.NoError(t, s.DeleteChallenge(ctx, ch.Identity))
		assert.ErrorIs(t, s.DeleteChallenge(ctx, ch.Identity), interfaces.ErrNotFound)
	})
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	from := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	token := &interfaces.BearerToken{
		TokenID:        "alice@example.com+20240501090000+abc",
		TokenType:      interfaces.TokenTypeAccess,
		Identity:       "alice@example.com",
		ValidityWindow: interfaces.NewValidityWindow(from, 300*time.Second),
	}
	columns := []string{"token_id", "token_type", "identity", "valid_from", "valid_until"}

	s, mock := newStoreWithMock(t)
	mock.ExpectExec(`^INSERT\s+INTO\s+bearer_tokens`).
		WithArgs(token.TokenID, token.TokenType, token.Identity, token.From, token.Until).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^INSERT\s+INTO\s+bearer_tokens`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "bearer_tokens_identity_key"})
	mock.ExpectQuery(`FROM\s+bearer_tokens\s+WHERE\s+token_id\s*=\s*\$1$`).WithArgs(token.TokenID).WillReturnRows(
		sqlmock.NewRows(columns).AddRow(token.TokenID, token.TokenType, token.Identity, token.From, token.Until))
	mock.ExpectQuery(`FROM\s+bearer_tokens\s+WHERE\s+identity\s*=\s*\$1$`).WithArgs("bob@example.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`^DELETE\s+FROM\s+bearer_tokens\s+WHERE\s+token_id\s*=\s*\$1$`).WithArgs(token.TokenID).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateToken(ctx, token))
	assert.ErrorIs(t, s.CreateToken(ctx, token), interfaces.ErrConflict)

	got, err := s.TokenByID(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, token, got)

	_, err = s.TokenForUser(ctx, "bob@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	assert.NoError(t, s.DeleteToken(ctx, token.TokenID))
}

func TestAuthnRequests(t *testing.T) {
	ctx := context.Background()
	record := &interfaces.AuthnRequestRecord{
		ID:             "_6c3a4f0e",
		RelayState:     "https://kms.example.com/KMS/ACS",
		Issuer:         "https://idp.example.com/idp",
		ValidityWindow: interfaces.NewValidityWindow(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), 300*time.Second),
	}

	s, mock := newStoreWithMock(t)
	mock.ExpectExec(`^INSERT\s+INTO\s+authn_requests`).
		WithArgs(record.ID, record.RelayState, record.Issuer, "", record.From, record.Until).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM\s+authn_requests\s+WHERE\s+id\s*=\s*\$1$`).WithArgs(record.ID).WillReturnRows(
		sqlmock.NewRows([]string{"id", "relay_state", "issuer", "username", "valid_from", "valid_until"}).
			AddRow(record.ID, record.RelayState, record.Issuer, "", record.From, record.Until))
	mock.ExpectExec(`^DELETE\s+FROM\s+authn_requests\s+WHERE\s+id\s*=\s*\$1$`).WithArgs(record.ID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^DELETE\s+FROM\s+authn_requests\s+WHERE\s+id`).WithArgs(record.ID).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.CreateAuthnRequest(ctx, record))
	got, err := s.AuthnRequestByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	require.NoError(t, s.DeleteAuthnRequest(ctx, record.ID))
	assert.ErrorIs(t, s.DeleteAuthnRequest(ctx, record.ID), interfaces.ErrNotFound)
}

func TestDeleteExpired(t *testing.T) {
	before := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("commits counts", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`^DELETE\s+FROM\s+authn_requests\s+WHERE\s+valid_until\s*<\s*\$1$`).WithArgs(before).WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec(`^DELETE\s+FROM\s+challenges\s+WHERE\s+valid_until`).WithArgs(before).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`^DELETE\s+FROM\s+bearer_tokens\s+WHERE\s+valid_until`).WithArgs(before).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		res, err := s.DeleteExpired(context.Background(), before)
		require.NoError(t, err)
		assert.Equal(t, interfaces.SweepResult{AuthnRequests: 3, Challenges: 1, Tokens: 2}, res)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		s, mock := newStoreWithMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`^DELETE\s+FROM\s+authn_requests`).WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec(`^DELETE\s+FROM\s+challenges`).WillReturnError(errors.New("lock timeout"))
		mock.ExpectRollback()

		res, err := s.DeleteExpired(context.Background(), before)
		assert.ErrorContains(t, err, "sweeping challenges")
		assert.Equal(t, interfaces.SweepResult{}, res)
	})
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, New(db).Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
