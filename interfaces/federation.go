package interfaces

import (
	"context"
	"time"
)

// AuthnRequestParams describes the login request a FederationToolkit encodes.
type AuthnRequestParams struct {
	// ID is the correlation id the identity provider echoes as InResponseTo.
	ID string

	// Issuer is the local service provider's issuer value.
	Issuer string

	// ConsumerURL is where the identity provider posts its response.
	ConsumerURL string
}

// FederatedAssertion is what a FederationToolkit extracts from an identity
// provider response. Fields other than SignatureValid are read from the
// response whether or not the signature verified, so callers must check it.
type FederatedAssertion struct {
	// Issuer is the asserted issuer.
	Issuer string

	// InResponseTo is the request id the response answers.
	InResponseTo string

	// IssueInstant is when the identity provider issued the assertion.
	IssueInstant time.Time

	// Identity is the value of the identity attribute (normally "mail").
	Identity string

	// SignatureValid is true only if the toolkit verified the response
	// against the identity provider's published certificate.
	SignatureValid bool
}

// FederationToolkit hides the federation protocol's XML, signature and
// metadata handling.
type FederationToolkit interface {
	// IdentityProviderURL returns the identity provider's redirect-binding
	// single sign-on endpoint.
	IdentityProviderURL(ctx context.Context) (string, error)

	// EncodeAuthnRequest returns the request encoded for the redirect
	// binding (deflated and base64), not yet URL-escaped.
	EncodeAuthnRequest(ctx context.Context, params AuthnRequestParams) (string, error)

	// ParseResponse decodes a posted response and verifies it. It returns
	// an error only if nothing could be extracted.
	ParseResponse(ctx context.Context, rawResponse string) (*FederatedAssertion, error)
}
