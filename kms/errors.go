package kms

import (
	"errors"
	"fmt"

	"github.com/ruteri/federated-kms/interfaces"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	// KindMalformedAuth: missing header, wrong scheme or missing token segment.
	KindMalformedAuth ErrorKind = iota + 1
	// KindInvalidToken: the token is unknown or outside its validity window.
	KindInvalidToken
	// KindWrongState: the token is valid but the user is at another step.
	KindWrongState
	// KindInvalidInput: an empty field, a wrong answer or a lookup that fails validation.
	KindInvalidInput
	// KindCryptoFailure: the submitted key can not be parsed or used for encryption.
	KindCryptoFailure
	// KindStoreConflict: a uniqueness violation that a retry did not resolve.
	KindStoreConflict
	// KindStoreFailure: any other store error.
	KindStoreFailure
	// KindFederationFailure: the identity provider response was rejected.
	KindFederationFailure
	// KindNotFound: a directory lookup matched nothing.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedAuth:
		return "MalformedAuth"
	case KindInvalidToken:
		return "InvalidToken"
	case KindWrongState:
		return "WrongState"
	case KindInvalidInput:
		return "InvalidInput"
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindStoreConflict:
		return "StoreConflict"
	case KindStoreFailure:
		return "StoreFailure"
	case KindFederationFailure:
		return "FederationFailure"
	case KindNotFound:
		return "NotFound"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Client-facing error and todo strings.
const (
	MsgNoToken            = "no OAuth Token found."
	MsgNoPubKeySent       = "noPubKeySent"
	MsgNoSolvedChallenge  = "noSolvedChallengeSent"
	MsgNoWrappedKeySent   = "noWrappedKeySent"
	MsgChallengeIncorrect = "challengeNotSolvedCorrect"
	MsgCantEncryptChall   = "cantEncryptChall"
	MsgPubKeyNotSaved     = "public key can not be saved."
	MsgNoChallenge        = "no challenge found."
	MsgWrappedKeyNotSaved = "wrappingKeyNotSaved"
	MsgNoPubKeyFound      = "noPubKeyFound"
	MsgInvalidLookup      = "error no valid keyNameId and no valid email"
	MsgLoginFailed        = "federation login failed"

	TodoSendToken    = "send request with correct OAuthToken"
	TodoContactAdmin = "contact system administrator"
	TodoLookup       = "keyNameId must match '^[A-Za-z0-9]+={0,2}$', or email must match '^[\\w\\.-]+@[\\w\\.-]+\\.[a-zA-Z]{2,5}$'"
)

var (
	// ErrChallengeCreateFailed is returned when a challenge could not be stored
	// because the user already has one.
	ErrChallengeCreateFailed = errors.New("challenge creation failed")

	// ErrKeyProvisionFailed is returned when a key name identifier collided
	// on the first attempt and on its retry.
	ErrKeyProvisionFailed = errors.New("key provisioning failed")

	// ErrTokenCreateFailed is returned when no bearer token could be stored or found.
	ErrTokenCreateFailed = errors.New("bearer token creation failed")
)

// ProtocolError is a failure reported to the client as a JSON body with an
// "error" field and, where the client can act on it, a "todo" field.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Todo    string

	// AccessToken is set on login failures that happen after a token was issued.
	AccessToken string

	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NeedsOperator reports whether the failure is logged at error level and
// answered with the generic contact-administrator todo.
func (e *ProtocolError) NeedsOperator() bool {
	switch e.Kind {
	case KindFederationFailure, KindStoreConflict, KindStoreFailure:
		return true
	}
	return false
}

// AsProtocolError extracts a ProtocolError from err, wrapping unknown errors
// as store failures so every path ends in a structured response.
func AsProtocolError(err error) *ProtocolError {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	return &ProtocolError{Kind: KindStoreFailure, Message: "internal error", Todo: TodoContactAdmin, Err: err}
}

func errNoToken(err error) *ProtocolError {
	kind := KindInvalidToken
	if errors.Is(err, errMalformedAuth) {
		kind = KindMalformedAuth
	}
	return &ProtocolError{Kind: kind, Message: MsgNoToken, Todo: TodoSendToken, Err: err}
}

func errWrongState(expected, current interfaces.UserState) *ProtocolError {
	return &ProtocolError{
		Kind:    KindWrongState,
		Message: fmt.Sprintf("%s is not next step", expected),
		Todo:    current.String(),
	}
}

func errSetState(state interfaces.UserState, err error) *ProtocolError {
	return &ProtocolError{
		Kind:    KindStoreFailure,
		Message: fmt.Sprintf("can not set state to %s", state),
		Todo:    TodoContactAdmin,
		Err:     err,
	}
}

func errInput(msg string) *ProtocolError {
	return &ProtocolError{Kind: KindInvalidInput, Message: msg}
}

// errChallenge maps a challenge issuing failure to the client message.
func errChallenge(err error) *ProtocolError {
	switch {
	case errors.Is(err, ErrChallengeCreateFailed):
		return &ProtocolError{Kind: KindStoreConflict, Message: MsgNoChallenge, Todo: TodoContactAdmin, Err: err}
	case errors.Is(err, errChallengeStore):
		return &ProtocolError{Kind: KindStoreFailure, Message: MsgNoChallenge, Todo: TodoContactAdmin, Err: err}
	}
	return &ProtocolError{Kind: KindCryptoFailure, Message: MsgCantEncryptChall, Todo: TodoContactAdmin, Err: err}
}
