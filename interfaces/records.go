package interfaces

import (
	"fmt"
	"time"
)

// UserState is a step of the provisioning protocol. The string values are
// what clients see in "todo" fields and what the stores persist.
type UserState string

const (
	// StateAwaitingPublicKey is the initial state: the client must send its public key.
	StateAwaitingPublicKey UserState = "SENDPUBKEY"
	// StateAwaitingChallengeSolution: the client must decrypt and return the challenge.
	StateAwaitingChallengeSolution UserState = "SOLVECHALL"
	// StateAwaitingWrappedKey: the client must send its wrapped key material.
	StateAwaitingWrappedKey UserState = "SENDWRAPPEDKEY"
	// StateKeyEscrowed is terminal: the wrapped key is escrowed and returned on login.
	StateKeyEscrowed UserState = "ACCESSWRAPPEDKEY"
)

// Rank orders states along the protocol. Unknown states rank -1.
func (s UserState) Rank() int {
	switch s {
	case StateAwaitingPublicKey:
		return 0
	case StateAwaitingChallengeSolution:
		return 1
	case StateAwaitingWrappedKey:
		return 2
	case StateKeyEscrowed:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the protocol states.
func (s UserState) Valid() bool {
	return s.Rank() >= 0
}

// ParseUserState converts a persisted value back into a UserState.
func ParseUserState(v string) (UserState, error) {
	s := UserState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown user state %q", v)
	}
	return s, nil
}

func (s UserState) String() string {
	return string(s)
}

// HasValidityWindow is implemented by every record that is only valid for a
// bounded period.
type HasValidityWindow interface {
	NotValidBefore() time.Time
	NotValidAfter() time.Time
}

// ValidityWindow is the [From, Until] period embedded in ephemeral records.
type ValidityWindow struct {
	From  time.Time
	Until time.Time
}

// NewValidityWindow opens a window of length d starting at now.
func NewValidityWindow(now time.Time, d time.Duration) ValidityWindow {
	return ValidityWindow{From: now, Until: now.Add(d)}
}

func (w ValidityWindow) NotValidBefore() time.Time { return w.From }
func (w ValidityWindow) NotValidAfter() time.Time  { return w.Until }

// EndedBefore reports whether the window closed before t. The expiry sweep
// deletes records for which this holds.
func (w ValidityWindow) EndedBefore(t time.Time) bool {
	return w.Until.Before(t)
}

// User is the long-lived record binding a federated identity to a key pair.
type User struct {
	// Identity is the unique identity key, normally the asserted email address.
	Identity string

	// PublicKey is the client's key blob as submitted (base64 JWK).
	PublicKey string

	// KeyNameIdentifier is the public handle used to look the key up. Unique when set.
	KeyNameIdentifier string

	// Salt is issued with the public key and returned once the challenge is solved.
	Salt string

	// WrappedKey is the client-wrapped key material, opaque to the server.
	WrappedKey string

	// State is the step the client is expected to perform next.
	State UserState
}

// HasPublicKey reports whether the user completed the sendPubKey step.
func (u *User) HasPublicKey() bool {
	return u.PublicKey != "" && u.KeyNameIdentifier != ""
}

// HasWrappedKey reports whether key material has been escrowed.
func (u *User) HasWrappedKey() bool {
	return u.WrappedKey != ""
}

// Challenge holds what the server keeps of an outstanding proof-of-possession
// challenge. The plaintext is never stored.
type Challenge struct {
	Identity string

	// Hash is the lowercase hex SHA-512 of the base64 plaintext.
	Hash string

	// Ciphertext is the base64 ciphertext last sent to the client, reused when
	// the client logs in again before solving.
	Ciphertext string

	// KeyFingerprint identifies the public key Ciphertext was encrypted to.
	KeyFingerprint string

	ValidityWindow
}

// TokenTypeAccess is the only bearer token type issued.
const TokenTypeAccess = "access"

// BearerToken is a session credential. It identifies the user; the protocol
// state lives on the User record.
type BearerToken struct {
	TokenID   string
	TokenType string
	Identity  string

	ValidityWindow
}

// AuthnRequestRecord correlates an outstanding federation login with the
// response that will answer it.
type AuthnRequestRecord struct {
	// ID is sent as the request ID and comes back as InResponseTo.
	ID string

	RelayState string

	// Issuer is the identity provider issuer the response must carry.
	Issuer string

	// Username is the local subject the login was started for, if any.
	Username string

	ValidityWindow
}

// SweepResult counts the records removed by one expiry sweep.
type SweepResult struct {
	AuthnRequests int64
	Challenges    int64
	Tokens        int64
}

// Total is the number of records removed.
func (r SweepResult) Total() int64 {
	return r.AuthnRequests + r.Challenges + r.Tokens
}
