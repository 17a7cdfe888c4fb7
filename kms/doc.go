// Package kms implements the key escrow provisioning protocol.
//
// A user is identified by a federated identity (normally an email address).
// After a federation login the user holds a short-lived bearer token and
// walks through four states stored on the user record:
//
//	SENDPUBKEY        the client must submit its RSA public key
//	SOLVECHALL        the client must decrypt a challenge encrypted to that key
//	SENDWRAPPEDKEY    the client must submit its wrapped key material
//	ACCESSWRAPPEDKEY  the wrapped key is escrowed and returned on every login
//
// # Components
//
// Lifecycle creates and looks up users, challenges and bearer tokens. Every
// ephemeral record carries a validity window checked with IsValid, which
// uses open bounds on both ends.
//
// Provisioner is the state machine. Token-gated steps check the stored state;
// Login recomputes the state from which fields are present and writes it back,
// so a client that lost track of its progress is put back on the right step.
//
// Directory serves public keys by key name identifier or identity key.
//
// Sweeper deletes expired ephemeral records. HTTP handlers run it before
// each request; it can also run on a ticker.
//
// # Errors
//
// Every failure is a *ProtocolError carrying the client-facing "error" and
// "todo" strings. Failures of kind FederationFailure, StoreConflict and
// StoreFailure are logged at error level; the rest are expected protocol
// conditions.
package kms
