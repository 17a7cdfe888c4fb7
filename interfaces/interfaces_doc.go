// Package interfaces defines the records and contracts shared by the key
// escrow service's components.
//
// # Records
//
//   - User: identity key, public key blob, key name identifier, salt,
//     wrapped key and the protocol state
//   - Challenge: SHA-512 hash of the outstanding challenge, one per user
//   - BearerToken: session credential, one per user
//   - AuthnRequestRecord: an outstanding federation login
//
// Challenge, BearerToken and AuthnRequestRecord embed ValidityWindow and so
// implement HasValidityWindow, which the time validity check consumes.
//
// # Store Contracts
//
// RecordStore groups UserStore, ChallengeStore, TokenStore and
// AuthnRequestStore with the expiry sweep. Implementations signal missing
// records with ErrNotFound and uniqueness violations with ErrConflict; the
// protocol layer relies on both being reported atomically.
//
// # Federation
//
// FederationToolkit hides request encoding, response signature verification
// and identity provider metadata.
//
// # Escrow Mirror
//
// EscrowBackend and EscrowBackendFactory describe the optional replicas that
// receive an EscrowRecord whenever a wrapped key is escrowed. Backends are
// addressed by URI:
//
//	file:///var/lib/kms/escrow/
//	s3://bucket/prefix/?region=us-west-2
//	ipfs://127.0.0.1:5001/kms-escrow
//	vault://vault.example.com:8200/secret/kms
package interfaces
