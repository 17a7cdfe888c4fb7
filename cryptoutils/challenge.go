package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrInvalidKey is returned when a submitted public key blob cannot be
	// turned into an RSA public key.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrEncryptFailed is returned when a challenge cannot be encrypted to
	// the submitted key.
	ErrEncryptFailed = errors.New("challenge encryption failed")
)

// HashChallenge returns the lowercase hex SHA-512 digest of the UTF-8 plaintext.
func HashChallenge(plaintext string) string {
	sum := sha512.Sum512([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ParsePublicKey decodes a client public key blob.
//
// The blob is standard base64 of a JWK-like JSON object with base64url
// members "n" and "e" and an "alg" naming an RSA algorithm. The "kty"
// member is optional; browsers exporting a key usually include it.
func ParsePublicKey(blob string) (*rsa.PublicKey, error) {
	raw, err := decodeBase64(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: blob is not base64: %v", ErrInvalidKey, err)
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidKey, err)
	}
	for _, required := range []string{"n", "e", "alg"} {
		if _, ok := members[required]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidKey, required)
		}
	}
	if _, ok := members["kty"]; !ok {
		members["kty"] = json.RawMessage(`"RSA"`)
	}
	normalized, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !isRSAAlgorithm(jwk.Algorithm) {
		return nil, fmt.Errorf("%w: algorithm %q is not an RSA algorithm", ErrInvalidKey, jwk.Algorithm)
	}

	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected an RSA public key, got %T", ErrInvalidKey, jwk.Key)
	}
	return pub, nil
}

// EncodePublicKey produces the blob format accepted by ParsePublicKey.
func EncodePublicKey(pub *rsa.PublicKey, alg string) (string, error) {
	jwk := jose.JSONWebKey{Key: pub, Algorithm: alg, Use: "enc"}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("could not marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PublicKeyFingerprint returns the hex SHA-256 of the blob as submitted.
// Challenge records use it to remember which key a ciphertext was made for.
func PublicKeyFingerprint(blob string) string {
	sum := sha256.Sum256([]byte(blob))
	return hex.EncodeToString(sum[:])
}

// EncryptChallenge parses the client's key blob, base64-decodes the plaintext
// challenge and encrypts the raw bytes with RSA-OAEP using SHA-256 for both
// the digest and MGF1. Clients decrypt with exactly this padding.
// The returned ciphertext is raw; callers base64 it for transport.
func EncryptChallenge(challengeB64 string, pubKeyBlob string) ([]byte, error) {
	pub, err := ParsePublicKey(pubKeyBlob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptFailed, err)
	}

	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		return nil, fmt.Errorf("%w: challenge is not base64: %v", ErrEncryptFailed, err)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, challenge, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	return ciphertext, nil
}

// DecryptChallenge reverses EncryptChallenge with the client's private key and
// returns the plaintext challenge re-encoded as base64, which is the value a
// client submits to solve_challenge.
func DecryptChallenge(priv *rsa.PrivateKey, ciphertextB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not base64: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("could not decrypt challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(plaintext), nil
}

func isRSAAlgorithm(alg string) bool {
	switch {
	case strings.HasPrefix(alg, "RSA"):
		return true
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return len(alg) == 5
	}
	return false
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
