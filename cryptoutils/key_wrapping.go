package cryptoutils

import (
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving a key-encryption key from a passphrase.
const (
	kekTime    = 1
	kekMemory  = 64 * 1024
	kekThreads = 4
	kekLength  = chacha20poly1305.KeySize
)

// DeriveWrappingKey derives a key-encryption key from a passphrase and the
// base64 salt handed out by the server after the challenge is solved.
func DeriveWrappingKey(passphrase []byte, saltB64 string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("salt is not base64: %w", err)
	}
	if len(salt) == 0 {
		return nil, errors.New("empty salt")
	}
	return argon2.IDKey(passphrase, salt, kekTime, kekMemory, kekThreads, kekLength), nil
}

// WrapKey seals key material under kek with XChaCha20-Poly1305.
// Output format: base64(nonce || ciphertext).
func WrapKey(kek, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := GenerateRandomBytes(aead.NonceSize())
	sealed := aead.Seal(nonce, nonce, key, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// UnwrapKey opens a blob produced by WrapKey.
func UnwrapKey(kek []byte, wrappedB64 string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("wrapped key is not base64: %w", err)
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, errors.New("wrapped key too short")
	}

	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	key, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return key, nil
}
