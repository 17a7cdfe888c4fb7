// Package federation connects the provisioning protocol to a SAML 2.0
// identity provider.
//
// Bridge issues authentication requests, records them in an
// interfaces.AuthnRequestStore and, when the identity provider posts its
// response back, checks that the response answers a live request of ours
// before releasing the asserted identity:
//
//	redirect, err := bridge.BeginLogin(ctx, "")
//	// ... user agent authenticates at the identity provider ...
//	identity, err := bridge.CompleteLogin(ctx, r.PostFormValue("SAMLResponse"), r.PostFormValue("RelayState"))
//
// SAMLToolkit implements interfaces.FederationToolkit with
// github.com/crewjam/saml. Identity provider metadata is fetched from a URL
// at startup, with a local file as fallback.
package federation
