// Package storage mirrors escrowed key material outside the record store.
//
// Once a user's wrapped key is escrowed, the provisioning protocol hands an
// interfaces.EscrowRecord to a Mirror, which writes it as JSON to every
// configured backend. The record holds only public data and key material
// wrapped under a key the server never sees, so a mirror can live on
// storage with weaker guarantees than the primary database. Mirror failures
// are logged and counted but never fail the protocol step.
//
// Records are keyed by interfaces.EscrowID, a SHA-256 of the identity, so
// object names do not reveal identities.
//
// # Backend URIs
//
//	file:///var/lib/kms/mirror
//	s3://bucket/prefix?region=eu-west-1
//	s3://KEY:SECRET@bucket/prefix?endpoint=http://minio:9000&pathStyle=true
//	ipfs://localhost:5001/kms-escrow?timeout=30s
//	vault://vault.example.com:8200/secret/kms
//
// BackendFactory parses these and CreateMultiBackend aggregates them; a
// MultiBackend store succeeds if any available backend accepts the record,
// and a fetch returns the first copy found.
//
// The IPFS backend writes through the node's mutable file system (MFS) so a
// record can be replaced in place. The Vault backend uses the KV v2 engine
// and authenticates with VAULT_TOKEN or a TLS client certificate.
package storage
