// Package main (cmd/admin) implements operator tooling for the key escrow
// service. It works directly against the record store and the escrow
// mirrors and never talks to a running server.
//
// Commands:
//
//	migrate             - Apply pending postgres schema migrations
//	migration-status    - List schema migrations and their state
//	sweep               - Delete expired authentication requests, challenges and tokens
//	rename-user         - Move a user and its records to a new identity key
//	restore             - Read a user's mirrored escrow record, and with --apply write it back
//
// Stores are selected with --store-url as for kms-server, e.g.
//
//	admin sweep --store-url redis://localhost:6379/0
//	admin rename-user --store-url postgres://kms@db/kms --from old@example.com --to new@example.com
//	admin restore --escrow-mirror s3://bucket/kms?region=eu-west-1 --identity alice@example.com
//
// Restoring puts the user in the ACCESSWRAPPEDKEY state: the next login
// returns the wrapped key and salt without repeating provisioning.
package main
