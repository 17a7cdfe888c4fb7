package kms

import (
	"errors"
	"time"
)

// Config holds the protocol's tunables.
type Config struct {
	// Validity windows of ephemeral records.
	AuthnRequestValidity time.Duration
	ChallengeValidity    time.Duration
	TokenValidity        time.Duration

	// SaltLength is the number of random bytes in an issued salt.
	SaltLength int

	// ChallengeLength is the number of random bytes in a challenge.
	ChallengeLength int

	// TokenEntropy is the number of random bytes in a bearer token id.
	TokenEntropy int

	// KeyNameEntropy is the number of random bytes in a key name identifier.
	// It is small on purpose; collisions are handled by one retry.
	KeyNameEntropy int

	// KeyNamePrefix prefixes every key name identifier before encoding.
	KeyNamePrefix string
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		AuthnRequestValidity: 300 * time.Second,
		ChallengeValidity:    300 * time.Second,
		TokenValidity:        300 * time.Second,
		SaltLength:           32,
		ChallengeLength:      64,
		TokenEntropy:         32,
		KeyNameEntropy:       3,
		KeyNamePrefix:        "keyNameID",
	}
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	if c.AuthnRequestValidity <= 0 || c.ChallengeValidity <= 0 || c.TokenValidity <= 0 {
		return errors.New("validity windows must be positive")
	}
	if c.SaltLength <= 0 || c.ChallengeLength <= 0 || c.TokenEntropy <= 0 || c.KeyNameEntropy <= 0 {
		return errors.New("random lengths must be positive")
	}
	if c.TokenEntropy < 16 {
		return errors.New("token entropy must be at least 16 bytes")
	}
	return nil
}
