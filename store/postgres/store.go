// Package postgres implements interfaces.RecordStore on PostgreSQL through
// database/sql and the pgx stdlib driver. The schema is embedded and applied
// with goose.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ruteri/federated-kms/interfaces"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ interfaces.RecordStore = (*Store)(nil)

// Store is a RecordStore backed by a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Open connects to dsn with the pgx driver and checks the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool, e.g. for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `identity, public_key, key_name_identifier, salt, wrapped_key, state`

func (s *Store) UserByIdentity(ctx context.Context, identity string) (*interfaces.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE identity = $1`, identity)
	return scanUser(row)
}

func (s *Store) UserByKeyName(ctx context.Context, keyNameIdentifier string) (*interfaces.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE key_name_identifier = $1`, keyNameIdentifier)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*interfaces.User, error) {
	var (
		user    interfaces.User
		keyName sql.NullString
		state   string
	)
	err := row.Scan(&user.Identity, &user.PublicKey, &keyName, &user.Salt, &user.WrappedKey, &state)
	if err != nil {
		return nil, classify(err)
	}
	user.KeyNameIdentifier = keyName.String
	if user.State, err = interfaces.ParseUserState(state); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *interfaces.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.Identity, user.PublicKey, nullIfEmpty(user.KeyNameIdentifier), user.Salt, user.WrappedKey, stateOrDefault(user.State))
	if err != nil {
		return fmt.Errorf("creating user: %w", classify(err))
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, user *interfaces.User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET public_key = $2, key_name_identifier = $3, salt = $4, wrapped_key = $5, state = $6 WHERE identity = $1`,
		user.Identity, user.PublicKey, nullIfEmpty(user.KeyNameIdentifier), user.Salt, user.WrappedKey, stateOrDefault(user.State))
	if err != nil {
		return fmt.Errorf("updating user: %w", classify(err))
	}
	return expectOneRow(res)
}

// RenameUser changes the primary key; challenges and tokens follow through
// ON UPDATE CASCADE.
func (s *Store) RenameUser(ctx context.Context, oldIdentity, newIdentity string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET identity = $2 WHERE identity = $1`, oldIdentity, newIdentity)
	if err != nil {
		return fmt.Errorf("renaming user: %w", classify(err))
	}
	return expectOneRow(res)
}

func (s *Store) ChallengeForUser(ctx context.Context, identity string) (*interfaces.Challenge, error) {
	var ch interfaces.Challenge
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, hash, ciphertext, key_fingerprint, valid_from, valid_until FROM challenges WHERE identity = $1`,
		identity,
	).Scan(&ch.Identity, &ch.Hash, &ch.Ciphertext, &ch.KeyFingerprint, &ch.From, &ch.Until)
	if err != nil {
		return nil, classify(err)
	}
	return &ch, nil
}

func (s *Store) CreateChallenge(ctx context.Context, ch *interfaces.Challenge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (identity, hash, ciphertext, key_fingerprint, valid_from, valid_until) VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.Identity, ch.Hash, ch.Ciphertext, ch.KeyFingerprint, ch.From, ch.Until)
	if err != nil {
		return fmt.Errorf("creating challenge: %w", classify(err))
	}
	return nil
}

func (s *Store) DeleteChallenge(ctx context.Context, identity string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return expectOneRow(res)
}

const tokenColumns = `token_id, token_type, identity, valid_from, valid_until`

func (s *Store) TokenByID(ctx context.Context, tokenID string) (*interfaces.BearerToken, error) {
	return scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM bearer_tokens WHERE token_id = $1`, tokenID))
}

func (s *Store) TokenForUser(ctx context.Context, identity string) (*interfaces.BearerToken, error) {
	return scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM bearer_tokens WHERE identity = $1`, identity))
}

func scanToken(row *sql.Row) (*interfaces.BearerToken, error) {
	var token interfaces.BearerToken
	if err := row.Scan(&token.TokenID, &token.TokenType, &token.Identity, &token.From, &token.Until); err != nil {
		return nil, classify(err)
	}
	return &token, nil
}

func (s *Store) CreateToken(ctx context.Context, token *interfaces.BearerToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bearer_tokens (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		token.TokenID, token.TokenType, token.Identity, token.From, token.Until)
	if err != nil {
		return fmt.Errorf("creating token: %w", classify(err))
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bearer_tokens WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return expectOneRow(res)
}

func (s *Store) AuthnRequestByID(ctx context.Context, id string) (*interfaces.AuthnRequestRecord, error) {
	var record interfaces.AuthnRequestRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, relay_state, issuer, username, valid_from, valid_until FROM authn_requests WHERE id = $1`,
		id,
	).Scan(&record.ID, &record.RelayState, &record.Issuer, &record.Username, &record.From, &record.Until)
	if err != nil {
		return nil, classify(err)
	}
	return &record, nil
}

func (s *Store) CreateAuthnRequest(ctx context.Context, record *interfaces.AuthnRequestRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authn_requests (id, relay_state, issuer, username, valid_from, valid_until) VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.RelayState, record.Issuer, record.Username, record.From, record.Until)
	if err != nil {
		return fmt.Errorf("creating authn request: %w", classify(err))
	}
	return nil
}

func (s *Store) DeleteAuthnRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authn_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting authn request: %w", err)
	}
	return expectOneRow(res)
}

// DeleteExpired removes expired ephemeral records in one transaction.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (interfaces.SweepResult, error) {
	var res interfaces.SweepResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning sweep: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, step := range []struct {
		table string
		count *int64
	}{
		{"authn_requests", &res.AuthnRequests},
		{"challenges", &res.Challenges},
		{"bearer_tokens", &res.Tokens},
	} {
		r, err := tx.ExecContext(ctx, `DELETE FROM `+step.table+` WHERE valid_until < $1`, before)
		if err != nil {
			return interfaces.SweepResult{}, fmt.Errorf("sweeping %s: %w", step.table, err)
		}
		if *step.count, err = r.RowsAffected(); err != nil {
			return interfaces.SweepResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return interfaces.SweepResult{}, fmt.Errorf("committing sweep: %w", err)
	}
	return res, nil
}

// classify maps driver errors onto the interfaces sentinels.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, interfaces.ErrConflict)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, interfaces.ErrNotFound)
		}
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stateOrDefault(s interfaces.UserState) string {
	if s == "" {
		return string(interfaces.StateAwaitingPublicKey)
	}
	return string(s)
}
