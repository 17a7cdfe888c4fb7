package kms

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/federated-kms/cryptoutils"
	"github.com/ruteri/federated-kms/interfaces"
)

var (
	errMalformedAuth  = errors.New("malformed authorization header")
	errUnknownToken   = errors.New("unknown bearer token")
	errExpiredToken   = errors.New("bearer token outside its validity window")
	errChallengeStore = errors.New("challenge store failure")
)

// CreateOutcome is the tagged result of a create that may hit a uniqueness
// constraint.
type CreateOutcome int

const (
	Created CreateOutcome = iota
	Conflict
	Fatal
)

func (o CreateOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Conflict:
		return "conflict"
	}
	return "fatal"
}

// classifyCreate turns a store write error into a CreateOutcome.
func classifyCreate(err error) CreateOutcome {
	switch {
	case err == nil:
		return Created
	case errors.Is(err, interfaces.ErrConflict):
		return Conflict
	}
	return Fatal
}

// createWithRetry runs attempt up to maxAttempts times, stopping at the first
// outcome that is not Conflict. attempt must draw a fresh random value on
// every call, otherwise the retry is pointless.
func createWithRetry(maxAttempts int, attempt func() error) (CreateOutcome, error) {
	var (
		outcome CreateOutcome
		err     error
	)
	for i := 0; i < maxAttempts; i++ {
		err = attempt()
		outcome = classifyCreate(err)
		if outcome != Conflict {
			return outcome, err
		}
	}
	return outcome, err
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithKeyNameGenerator replaces the key name identifier generator.
func WithKeyNameGenerator(gen func() string) Option {
	return func(l *Lifecycle) { l.keyName = gen }
}

// Lifecycle creates and looks up users, challenges and bearer tokens, and
// enforces their validity windows.
type Lifecycle struct {
	store   interfaces.RecordStore
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	keyName func() string
}

// NewLifecycle creates a Lifecycle over store.
func NewLifecycle(store interfaces.RecordStore, cfg Config, log *slog.Logger, opts ...Option) (*Lifecycle, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Lifecycle{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	l.keyName = func() string {
		return cryptoutils.GenerateTokenWithDate(cfg.KeyNamePrefix, cfg.KeyNameEntropy)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Store returns the underlying record store.
func (l *Lifecycle) Store() interfaces.RecordStore {
	return l.store
}

// Now returns the lifecycle's current instant.
func (l *Lifecycle) Now() time.Time {
	return l.now()
}

// live reports whether a record is valid right now.
func (l *Lifecycle) live(w interfaces.HasValidityWindow) bool {
	now := l.now()
	return IsValidAt(now, now, w)
}

// GetOrCreateUser returns the user with the identity key, creating it in
// the initial state if it does not exist. A conflict on create is fatal.
func (l *Lifecycle) GetOrCreateUser(ctx context.Context, identity string) (*interfaces.User, error) {
	user, err := l.store.UserByIdentity(ctx, identity)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	user = &interfaces.User{
		Identity: identity,
		State:    interfaces.StateAwaitingPublicKey,
	}
	if err := l.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	l.log.Info("created user", "identity", identity)
	return user, nil
}

// GetOrCreateChallenge returns the base64 ciphertext of the user's challenge,
// encrypted to the user's stored public key.
//
// The plaintext is never stored, so a live challenge issued for the same key
// is answered with its cached ciphertext. A challenge that expired or was
// encrypted to another key is replaced. A conflict on create means another
// request stored a challenge concurrently and fails with
// ErrChallengeCreateFailed.
func (l *Lifecycle) GetOrCreateChallenge(ctx context.Context, user *interfaces.User) (string, error) {
	fingerprint := cryptoutils.PublicKeyFingerprint(user.PublicKey)

	existing, err := l.store.ChallengeForUser(ctx, user.Identity)
	switch {
	case err == nil:
		if l.live(existing) && existing.KeyFingerprint == fingerprint && existing.Ciphertext != "" {
			return existing.Ciphertext, nil
		}
		if err := l.store.DeleteChallenge(ctx, user.Identity); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return "", fmt.Errorf("%w: deleting stale challenge: %w", errChallengeStore, err)
		}
	case errors.Is(err, interfaces.ErrNotFound):
	default:
		return "", fmt.Errorf("%w: looking up challenge: %w", errChallengeStore, err)
	}

	plaintext := cryptoutils.GenerateEncodedRandom(l.cfg.ChallengeLength)
	ciphertext, err := cryptoutils.EncryptChallenge(plaintext, user.PublicKey)
	if err != nil {
		return "", err
	}

	challenge := &interfaces.Challenge{
		Identity:       user.Identity,
		Hash:           cryptoutils.HashChallenge(plaintext),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		KeyFingerprint: fingerprint,
		ValidityWindow: interfaces.NewValidityWindow(l.now(), l.cfg.ChallengeValidity),
	}

	outcome, err := createWithRetry(1, func() error { return l.store.CreateChallenge(ctx, challenge) })
	switch outcome {
	case Created:
		return challenge.Ciphertext, nil
	case Conflict:
		return "", fmt.Errorf("%w: %w", ErrChallengeCreateFailed, err)
	default:
		return "", fmt.Errorf("%w: storing challenge: %w", errChallengeStore, err)
	}
}

// VerifyChallenge reports whether the user has a live challenge whose hash
// matches the submitted plaintext. The challenge is left in place either way.
func (l *Lifecycle) VerifyChallenge(ctx context.Context, user *interfaces.User, submitted string) (bool, error) {
	challenge, err := l.store.ChallengeForUser(ctx, user.Identity)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up challenge: %w", err)
	}
	if !l.live(challenge) {
		return false, nil
	}

	hash := cryptoutils.HashChallenge(submitted)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(challenge.Hash)) == 1, nil
}

// GetOrCreateBearerToken returns the user's live bearer token, creating one
// if the user has none. An expired token is deleted and replaced.
func (l *Lifecycle) GetOrCreateBearerToken(ctx context.Context, user *interfaces.User) (*interfaces.BearerToken, error) {
	existing, err := l.tokenForUser(ctx, user.Identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var token *interfaces.BearerToken
	outcome, err := createWithRetry(2, func() error {
		token = &interfaces.BearerToken{
			TokenID:        cryptoutils.GenerateTokenWithoutDate(user.Identity, l.cfg.TokenEntropy),
			TokenType:      interfaces.TokenTypeAccess,
			Identity:       user.Identity,
			ValidityWindow: interfaces.NewValidityWindow(l.now(), l.cfg.TokenValidity),
		}
		err := l.store.CreateToken(ctx, token)
		if !errors.Is(err, interfaces.ErrConflict) {
			return err
		}

		// Either the id collided or a concurrent request created the user's token.
		raced, lookupErr := l.tokenForUser(ctx, user.Identity)
		if lookupErr != nil {
			return lookupErr
		}
		if raced != nil {
			token = raced
			return nil
		}
		return err
	})

	switch outcome {
	case Created:
		return token, nil
	case Conflict:
		return nil, fmt.Errorf("%w: %w", ErrTokenCreateFailed, err)
	default:
		return nil, fmt.Errorf("creating bearer token: %w", err)
	}
}

// tokenForUser returns the user's live token, nil if there is none. An
// expired token is deleted.
func (l *Lifecycle) tokenForUser(ctx context.Context, identity string) (*interfaces.BearerToken, error) {
	token, err := l.store.TokenForUser(ctx, identity)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up bearer token: %w", err)
	}
	if l.live(token) {
		return token, nil
	}

	if err := l.store.DeleteToken(ctx, token.TokenID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("deleting expired bearer token: %w", err)
	}
	return nil, nil
}

// ResolveBearerToken returns the live token named by an Authorization header
// of the form "bearer <tokenId>". The scheme is matched case-insensitively.
func (l *Lifecycle) ResolveBearerToken(ctx context.Context, header string) (*interfaces.BearerToken, error) {
	parts := strings.Fields(header)
	if len(parts) < 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, errNoToken(errMalformedAuth)
	}

	token, err := l.store.TokenByID(ctx, parts[1])
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, errNoToken(errUnknownToken)
	}
	if err != nil {
		return nil, &ProtocolError{Kind: KindStoreFailure, Message: MsgNoToken, Todo: TodoContactAdmin, Err: err}
	}
	if !l.live(token) {
		return nil, errNoToken(errExpiredToken)
	}
	return token, nil
}

// CheckExpectedState loads the token's owner and checks that it is at the
// expected step. On mismatch the error names the expected step and carries
// the user's current state as the todo.
func (l *Lifecycle) CheckExpectedState(ctx context.Context, token *interfaces.BearerToken, expected interfaces.UserState) (*interfaces.User, error) {
	if token == nil {
		return nil, errNoToken(errUnknownToken)
	}

	user, err := l.store.UserByIdentity(ctx, token.Identity)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, errNoToken(fmt.Errorf("token owner %w", err))
	}
	if err != nil {
		return nil, &ProtocolError{Kind: KindStoreFailure, Message: MsgNoToken, Todo: TodoContactAdmin, Err: err}
	}

	if user.State != expected {
		return nil, errWrongState(expected, user.State)
	}
	return user, nil
}

// setState persists a state change, skipping the write if nothing changes.
func (l *Lifecycle) setState(ctx context.Context, user *interfaces.User, state interfaces.UserState) error {
	if user.State == state {
		return nil
	}
	previous := user.State
	user.State = state
	if err := l.store.UpdateUser(ctx, user); err != nil {
		user.State = previous
		return errSetState(state, err)
	}
	return nil
}
