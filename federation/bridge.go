package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/kms"
	"github.com/ruteri/federated-kms/metrics"
)

var (
	ErrEmptyResponse       = errors.New("empty federation response")
	ErrUnknownRequest      = errors.New("response does not answer an outstanding request")
	ErrOutsideWindow       = errors.New("response or request outside its validity window")
	ErrRelayStateMismatch  = errors.New("relay state does not match the request")
	ErrIssuerMismatch      = errors.New("issuer does not match the request")
	ErrSignatureInvalid    = errors.New("response signature could not be verified")
	ErrNoIdentityAttribute = errors.New("response carries no identity attribute")
)

var _ kms.LoginBridge = (*Bridge)(nil)

// Config describes the local side of the federation.
type Config struct {
	// Issuer is the service provider entity ID sent in every request.
	Issuer string

	// IdentityProviderIssuer is stored on every request record and must be
	// the issuer of the response answering it. It is normally the entity ID
	// from the identity provider's metadata.
	IdentityProviderIssuer string

	// ConsumerURL is the assertion consumer endpoint. It is also sent as
	// the relay state.
	ConsumerURL string

	// RequestValidity bounds how long an outstanding request can be answered.
	RequestValidity time.Duration
}

// DefaultConfig derives the local issuer and consumer URL from the public
// base URL of the service, e.g. https://kms.example.com. The identity
// provider issuer is left for the caller.
func DefaultConfig(baseURL string) Config {
	return Config{
		Issuer:          baseURL + "/KMS",
		ConsumerURL:     baseURL + "/KMS/ACS",
		RequestValidity: 300 * time.Second,
	}
}

// Bridge binds identity provider responses to the requests this service
// issued. XML, signatures and metadata are the toolkit's concern.
type Bridge struct {
	toolkit interfaces.FederationToolkit
	store   interfaces.AuthnRequestStore
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewBridge(toolkit interfaces.FederationToolkit, store interfaces.AuthnRequestStore, cfg Config, log *slog.Logger, now func() time.Time) (*Bridge, error) {
	if toolkit == nil || store == nil {
		return nil, errors.New("toolkit and store are required")
	}
	if cfg.Issuer == "" || cfg.ConsumerURL == "" {
		return nil, errors.New("issuer and consumer URL are required")
	}
	if cfg.IdentityProviderIssuer == "" {
		return nil, errors.New("identity provider issuer is required")
	}
	if cfg.RequestValidity <= 0 {
		return nil, errors.New("request validity must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Bridge{toolkit: toolkit, store: store, cfg: cfg, log: log, now: now}, nil
}

// BeginLogin records an outstanding request for subject and returns the
// identity provider URL to redirect the user agent to.
func (b *Bridge) BeginLogin(ctx context.Context, subject string) (string, error) {
	idpURL, err := b.toolkit.IdentityProviderURL(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving identity provider endpoint: %w", err)
	}

	var record *interfaces.AuthnRequestRecord
	for attempt := 0; attempt < 2; attempt++ {
		record = &interfaces.AuthnRequestRecord{
			// XML IDs must not start with a digit.
			ID:             "_" + uuid.NewString(),
			RelayState:     b.cfg.ConsumerURL,
			Issuer:         b.cfg.IdentityProviderIssuer,
			Username:       subject,
			ValidityWindow: interfaces.NewValidityWindow(b.now(), b.cfg.RequestValidity),
		}
		err = b.store.CreateAuthnRequest(ctx, record)
		if !errors.Is(err, interfaces.ErrConflict) {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("storing authentication request: %w", err)
	}

	encoded, err := b.toolkit.EncodeAuthnRequest(ctx, interfaces.AuthnRequestParams{
		ID:          record.ID,
		Issuer:      b.cfg.Issuer,
		ConsumerURL: b.cfg.ConsumerURL,
	})
	if err != nil {
		return "", fmt.Errorf("encoding authentication request: %w", err)
	}

	redirect, err := url.Parse(idpURL)
	if err != nil {
		return "", fmt.Errorf("invalid identity provider endpoint %q: %w", idpURL, err)
	}
	query := redirect.Query()
	query.Set("SAMLRequest", encoded)
	query.Set("RelayState", record.RelayState)
	redirect.RawQuery = query.Encode()

	b.log.Debug("issued authentication request", "id", record.ID, "subject", subject)
	return redirect.String(), nil
}

// CompleteLogin returns the identity asserted by rawResponse. The checks run
// in order and the first failure ends the login:
//
//  1. the response answers a stored request
//  2. the request is live and the response was issued inside its window
//  3. relayState equals the request's relay state
//  4. the response issuer equals the request's issuer
//  5. the toolkit verified the signature
//
// A request is answered at most once: its record is deleted before the
// identity is returned.
func (b *Bridge) CompleteLogin(ctx context.Context, rawResponse, relayState string) (string, error) {
	if rawResponse == "" {
		return "", b.reject("empty", ErrEmptyResponse)
	}

	assertion, err := b.toolkit.ParseResponse(ctx, rawResponse)
	if err != nil {
		return "", b.reject("unparsable", fmt.Errorf("parsing federation response: %w", err))
	}

	record, err := b.store.AuthnRequestByID(ctx, assertion.InResponseTo)
	if errors.Is(err, interfaces.ErrNotFound) {
		return "", b.reject("unknown_request", fmt.Errorf("%w: %q", ErrUnknownRequest, assertion.InResponseTo))
	}
	if err != nil {
		return "", b.reject("store", fmt.Errorf("looking up authentication request: %w", err))
	}

	if !kms.IsValidAt(b.now(), assertion.IssueInstant, record) {
		return "", b.reject("expired", ErrOutsideWindow)
	}
	if relayState != record.RelayState {
		return "", b.reject("relay_state", ErrRelayStateMismatch)
	}
	if assertion.Issuer != record.Issuer {
		return "", b.reject("issuer", fmt.Errorf("%w: got %q", ErrIssuerMismatch, assertion.Issuer))
	}
	if !assertion.SignatureValid {
		return "", b.reject("signature", ErrSignatureInvalid)
	}
	if assertion.Identity == "" {
		return "", b.reject("identity", ErrNoIdentityAttribute)
	}

	if err := b.store.DeleteAuthnRequest(ctx, record.ID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			// Lost a race with a concurrent answer or the sweep.
			return "", b.reject("unknown_request", fmt.Errorf("%w: %q", ErrUnknownRequest, record.ID))
		}
		return "", b.reject("store", fmt.Errorf("consuming authentication request: %w", err))
	}

	b.log.Info("federation login verified", "identity", assertion.Identity, "request", record.ID)
	return assertion.Identity, nil
}

func (b *Bridge) reject(reason string, err error) error {
	metrics.FederationFailures.WithLabelValues(reason).Inc()
	b.log.Error("federation response rejected", "reason", reason, "err", err)
	return err
}
