package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record or stored object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would violate a uniqueness
	// constraint: identity key, key name identifier, token id, request id,
	// or the one-challenge-per-user and one-token-per-user relations.
	ErrConflict = errors.New("uniqueness conflict")
)

// UserStore persists User records.
type UserStore interface {
	// UserByIdentity returns ErrNotFound if no user has the identity key.
	UserByIdentity(ctx context.Context, identity string) (*User, error)

	// UserByKeyName returns ErrNotFound if no user has the key name identifier.
	UserByKeyName(ctx context.Context, keyNameIdentifier string) (*User, error)

	// CreateUser returns ErrConflict if the identity key is taken.
	CreateUser(ctx context.Context, user *User) error

	// UpdateUser replaces the stored user with the same identity key.
	// Returns ErrConflict if the key name identifier is taken by another
	// user, ErrNotFound if the user does not exist.
	UpdateUser(ctx context.Context, user *User) error

	// RenameUser moves a user and its dependent records to a new identity key.
	RenameUser(ctx context.Context, oldIdentity, newIdentity string) error
}

// ChallengeStore persists Challenge records, at most one per user.
type ChallengeStore interface {
	ChallengeForUser(ctx context.Context, identity string) (*Challenge, error)

	// CreateChallenge returns ErrConflict if the user already has a challenge.
	CreateChallenge(ctx context.Context, challenge *Challenge) error

	DeleteChallenge(ctx context.Context, identity string) error
}

// TokenStore persists BearerToken records, at most one per user.
type TokenStore interface {
	TokenByID(ctx context.Context, tokenID string) (*BearerToken, error)
	TokenForUser(ctx context.Context, identity string) (*BearerToken, error)

	// CreateToken returns ErrConflict if the id is taken or the user already has a token.
	CreateToken(ctx context.Context, token *BearerToken) error

	DeleteToken(ctx context.Context, tokenID string) error
}

// AuthnRequestStore persists AuthnRequestRecords.
type AuthnRequestStore interface {
	AuthnRequestByID(ctx context.Context, id string) (*AuthnRequestRecord, error)

	// CreateAuthnRequest returns ErrConflict if the id is taken.
	CreateAuthnRequest(ctx context.Context, record *AuthnRequestRecord) error

	// DeleteAuthnRequest returns ErrNotFound if no record has the id.
	DeleteAuthnRequest(ctx context.Context, id string) error
}

// RecordStore is the keyed record store the protocol runs on.
type RecordStore interface {
	UserStore
	ChallengeStore
	TokenStore
	AuthnRequestStore

	// DeleteExpired removes every AuthnRequestRecord, Challenge and
	// BearerToken whose validity window ended before the given time.
	// Stores that expire records on their own may skip calls and return an
	// empty result.
	DeleteExpired(ctx context.Context, before time.Time) (SweepResult, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
