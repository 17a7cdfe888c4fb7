package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/federated-kms/cryptoutils"
	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/metrics"
)

// Task is the next action reported to the client.
type Task string

const (
	TaskSendPubKey     Task = "sendPubKey"
	TaskSolveChallenge Task = "solveChallenge"
	TaskSendWrappedKey Task = "sendWrappedKey"
	TaskUnwrap         Task = "unwrap"
	TaskReady          Task = "ready"
	TaskUsePubKey      Task = "usePubKey"
)

// Outcome is the successful result of a protocol step. Only the fields the
// task needs are set.
type Outcome struct {
	Task  Task
	State interfaces.UserState

	AccessToken string
	Challenge   string
	Salt        string
	WrappedKey  string
}

// LoginBridge starts federation logins and turns identity provider
// responses into verified identity keys.
type LoginBridge interface {
	BeginLogin(ctx context.Context, subject string) (string, error)
	CompleteLogin(ctx context.Context, rawResponse, relayState string) (string, error)
}

// EscrowMirror replicates escrowed key material outside the record store.
type EscrowMirror interface {
	Replicate(ctx context.Context, record interfaces.EscrowRecord) error
}

// Provisioner is the per-user provisioning state machine:
//
//	SENDPUBKEY -> SOLVECHALL -> SENDWRAPPEDKEY -> ACCESSWRAPPEDKEY
//
// Every step but login is gated by a live bearer token and the user's stored
// state. Login recomputes the state from the stored data.
type Provisioner struct {
	lc     *Lifecycle
	bridge LoginBridge
	mirror EscrowMirror
	log    *slog.Logger
}

// NewProvisioner creates a Provisioner. bridge and mirror may be nil; without
// a bridge the federated login operations fail.
func NewProvisioner(lc *Lifecycle, bridge LoginBridge, mirror EscrowMirror, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		lc:     lc,
		bridge: bridge,
		mirror: mirror,
		log:    log,
	}
}

// Lifecycle returns the lifecycle the provisioner runs on.
func (p *Provisioner) Lifecycle() *Lifecycle {
	return p.lc
}

// BeginLogin returns the identity provider redirect URL for a new login.
func (p *Provisioner) BeginLogin(ctx context.Context, subject string) (string, error) {
	if p.bridge == nil {
		return "", p.fail("login", &ProtocolError{Kind: KindFederationFailure, Message: MsgLoginFailed, Todo: TodoContactAdmin, Err: errors.New("no federation bridge configured")})
	}

	redirect, err := p.bridge.BeginLogin(ctx, subject)
	if err != nil {
		return "", p.fail("login", &ProtocolError{Kind: KindFederationFailure, Message: MsgLoginFailed, Todo: TodoContactAdmin, Err: err})
	}
	return redirect, nil
}

// CompleteFederatedLogin verifies an identity provider response and logs the
// asserted identity in.
func (p *Provisioner) CompleteFederatedLogin(ctx context.Context, rawResponse, relayState string) (*Outcome, error) {
	if p.bridge == nil {
		return nil, p.fail("login", &ProtocolError{Kind: KindFederationFailure, Message: MsgLoginFailed, Todo: TodoContactAdmin, Err: errors.New("no federation bridge configured")})
	}

	identity, err := p.bridge.CompleteLogin(ctx, rawResponse, relayState)
	if err != nil {
		return nil, p.fail("login", &ProtocolError{Kind: KindFederationFailure, Message: MsgLoginFailed, Todo: TodoContactAdmin, Err: err})
	}
	return p.Login(ctx, identity)
}

// Login issues a bearer token for a verified identity and reports the next
// step. The step is derived from the stored data only:
//
//   - no public key or key name identifier: sendPubKey
//   - a public key but no wrapped key: solveChallenge, with the challenge
//     encrypted to the stored key
//   - a wrapped key: unwrap, with the wrapped key and salt
//
// The derived state is written back to the user.
func (p *Provisioner) Login(ctx context.Context, identity string) (*Outcome, error) {
	user, err := p.lc.GetOrCreateUser(ctx, identity)
	if err != nil {
		return nil, p.fail("login", &ProtocolError{Kind: KindStoreFailure, Message: "user can not be loaded.", Todo: TodoContactAdmin, Err: err})
	}

	token, err := p.lc.GetOrCreateBearerToken(ctx, user)
	if err != nil {
		kind := KindStoreFailure
		if errors.Is(err, ErrTokenCreateFailed) {
			kind = KindStoreConflict
		}
		return nil, p.fail("login", &ProtocolError{Kind: kind, Message: "token can not be issued.", Todo: TodoContactAdmin, Err: err})
	}

	outcome := &Outcome{AccessToken: token.TokenID}

	switch {
	case !user.HasPublicKey():
		if err := p.lc.setState(ctx, user, interfaces.StateAwaitingPublicKey); err != nil {
			return nil, p.fail("login", err)
		}
		outcome.Task = TaskSendPubKey

	case !user.HasWrappedKey():
		challenge, err := p.lc.GetOrCreateChallenge(ctx, user)
		if err != nil {
			perr := errChallenge(err)
			perr.AccessToken = token.TokenID
			return nil, p.fail("login", perr)
		}
		if err := p.lc.setState(ctx, user, interfaces.StateAwaitingChallengeSolution); err != nil {
			return nil, p.fail("login", err)
		}
		outcome.Task = TaskSolveChallenge
		outcome.Challenge = challenge

	default:
		if err := p.lc.setState(ctx, user, interfaces.StateKeyEscrowed); err != nil {
			return nil, p.fail("login", err)
		}
		outcome.Task = TaskUnwrap
		outcome.WrappedKey = user.WrappedKey
		outcome.Salt = user.Salt
	}

	outcome.State = user.State
	p.log.Info("user logged in", "identity", identity, "task", outcome.Task)
	metrics.RecordStep("login", "ok")
	return outcome, nil
}

// SubmitPublicKey stores the client's public key with a fresh salt and key
// name identifier and answers with an encrypted challenge.
func (p *Provisioner) SubmitPublicKey(ctx context.Context, authorization, pubKey string) (*Outcome, error) {
	const step = "sendPubKey"
	if pubKey == "" {
		return nil, p.fail(step, errInput(MsgNoPubKeySent))
	}

	user, err := p.authorize(ctx, authorization, interfaces.StateAwaitingPublicKey)
	if err != nil {
		return nil, p.fail(step, err)
	}

	if _, err := cryptoutils.ParsePublicKey(pubKey); err != nil {
		return nil, p.fail(step, &ProtocolError{Kind: KindCryptoFailure, Message: MsgCantEncryptChall, Todo: TodoContactAdmin, Err: err})
	}

	salt := cryptoutils.GenerateEncodedRandom(p.lc.cfg.SaltLength)
	outcome, err := createWithRetry(2, func() error {
		updated := *user
		updated.PublicKey = pubKey
		updated.Salt = salt
		updated.KeyNameIdentifier = p.lc.keyName()
		if err := p.lc.store.UpdateUser(ctx, &updated); err != nil {
			return err
		}
		*user = updated
		return nil
	})
	switch outcome {
	case Created:
	case Conflict:
		return nil, p.fail(step, &ProtocolError{Kind: KindStoreConflict, Message: MsgPubKeyNotSaved, Todo: TodoContactAdmin, Err: fmt.Errorf("%w: %w", ErrKeyProvisionFailed, err)})
	default:
		return nil, p.fail(step, &ProtocolError{Kind: KindStoreFailure, Message: MsgPubKeyNotSaved, Todo: TodoContactAdmin, Err: err})
	}

	challenge, err := p.lc.GetOrCreateChallenge(ctx, user)
	if err != nil {
		return nil, p.fail(step, errChallenge(err))
	}

	if err := p.lc.setState(ctx, user, interfaces.StateAwaitingChallengeSolution); err != nil {
		return nil, p.fail(step, err)
	}

	p.log.Info("public key provisioned", "identity", user.Identity, "keyNameId", user.KeyNameIdentifier)
	metrics.RecordStep(step, "ok")
	return &Outcome{Task: TaskSolveChallenge, State: user.State, Challenge: challenge}, nil
}

// SubmitChallengeSolution checks the decrypted challenge. A wrong answer
// leaves the state unchanged so the client can retry while the challenge is
// live.
func (p *Provisioner) SubmitChallengeSolution(ctx context.Context, authorization, solved string) (*Outcome, error) {
	const step = "solveChallenge"
	if solved == "" {
		return nil, p.fail(step, errInput(MsgNoSolvedChallenge))
	}

	user, err := p.authorize(ctx, authorization, interfaces.StateAwaitingChallengeSolution)
	if err != nil {
		return nil, p.fail(step, err)
	}

	ok, err := p.lc.VerifyChallenge(ctx, user, solved)
	if err != nil {
		return nil, p.fail(step, &ProtocolError{Kind: KindStoreFailure, Message: MsgNoChallenge, Todo: TodoContactAdmin, Err: err})
	}
	if !ok {
		return nil, p.fail(step, errInput(MsgChallengeIncorrect))
	}

	if err := p.lc.setState(ctx, user, interfaces.StateAwaitingWrappedKey); err != nil {
		return nil, p.fail(step, err)
	}

	metrics.RecordStep(step, "ok")
	return &Outcome{Task: TaskSendWrappedKey, State: user.State, Salt: user.Salt}, nil
}

// SubmitWrappedKey escrows the wrapped key material. The wrapped key and the
// terminal state are written in one update. Mirror failures are logged only.
func (p *Provisioner) SubmitWrappedKey(ctx context.Context, authorization, wrappedKey string) (*Outcome, error) {
	const step = "sendWrappedKey"
	if wrappedKey == "" {
		return nil, p.fail(step, errInput(MsgNoWrappedKeySent))
	}

	user, err := p.authorize(ctx, authorization, interfaces.StateAwaitingWrappedKey)
	if err != nil {
		return nil, p.fail(step, err)
	}

	updated := *user
	updated.WrappedKey = wrappedKey
	updated.State = interfaces.StateKeyEscrowed
	if err := p.lc.store.UpdateUser(ctx, &updated); err != nil {
		return nil, p.fail(step, &ProtocolError{Kind: KindStoreFailure, Message: MsgWrappedKeyNotSaved, Todo: TodoContactAdmin, Err: err})
	}

	if p.mirror != nil {
		record := interfaces.EscrowRecord{
			Identity:          updated.Identity,
			KeyNameIdentifier: updated.KeyNameIdentifier,
			PublicKey:         updated.PublicKey,
			Salt:              updated.Salt,
			WrappedKey:        updated.WrappedKey,
			EscrowedAt:        p.lc.Now().UTC(),
		}
		if err := p.mirror.Replicate(ctx, record); err != nil {
			p.log.Warn("escrow mirror replication failed", "err", err, "identity", updated.Identity)
		}
	}

	p.log.Info("wrapped key escrowed", "identity", updated.Identity)
	metrics.RecordStep(step, "ok")
	return &Outcome{Task: TaskReady, State: updated.State}, nil
}

// authorize resolves the bearer token and checks the owner's state.
func (p *Provisioner) authorize(ctx context.Context, authorization string, expected interfaces.UserState) (*interfaces.User, error) {
	token, err := p.lc.ResolveBearerToken(ctx, authorization)
	if err != nil {
		return nil, err
	}
	return p.lc.CheckExpectedState(ctx, token, expected)
}

// fail logs and counts a failed step and returns it as a ProtocolError.
func (p *Provisioner) fail(step string, err error) error {
	perr := AsProtocolError(err)
	if perr.NeedsOperator() {
		p.log.Error("protocol step failed", "step", step, "kind", perr.Kind.String(), "msg", perr.Message, "err", perr.Err)
	} else {
		p.log.Info("protocol step rejected", "step", step, "kind", perr.Kind.String(), "msg", perr.Message)
	}
	metrics.RecordStep(step, perr.Kind.String())
	return perr
}
