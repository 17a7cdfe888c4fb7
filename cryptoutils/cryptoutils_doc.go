// Package cryptoutils provides the cryptographic primitives of the key
// escrow protocol.
//
// # Randomness
//
// All random values come from crypto/rand, read fresh on every call:
//
//   - GenerateRandomBytes - raw bytes
//   - GenerateEncodedRandom - base64 bytes, used for salts and challenges
//   - GenerateTokenWithDate - base64(prefix + timestamp + HEX(random)), traceable
//   - GenerateTokenWithoutDate - base64(prefix + HEX(random)), unguessable
//
// # Challenge Exchange
//
// The server proves that a client owns the private half of a submitted
// public key by encrypting a random challenge to it:
//
//	ciphertext = RSA-OAEP(SHA-256, MGF1-SHA-256, pub, base64decode(challenge))
//
// Only HashChallenge(challenge), a lowercase hex SHA-512 digest, is kept on the
// server. A client answers with the base64 plaintext, which the server hashes
// and compares.
//
// Public keys travel as base64 of a JWK-like JSON object:
//
//	{"kty":"RSA","alg":"RSA-OAEP-256","n":"<base64url>","e":"AQAB"}
//
// # Key Wrapping
//
// The client side of the protocol wraps its key material before escrow.
// DeriveWrappingKey stretches a passphrase with Argon2id using the salt the
// server issued, and WrapKey/UnwrapKey seal with XChaCha20-Poly1305. The
// server never sees the passphrase or the unwrapped key.
package cryptoutils
