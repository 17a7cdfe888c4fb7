package cryptoutils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TokenTimestampLayout is the timestamp embedded by GenerateTokenWithDate.
const TokenTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// GenerateRandomBytes returns n bytes read from the operating system's CSPRNG.
// Every call draws fresh entropy; there is no seeded generator to reuse.
// Failure to read entropy is not recoverable and panics.
func GenerateRandomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("entropy source failed: %w", err))
	}
	return buf
}

// GenerateTokenWithDate returns base64(prefix + timestamp + HEX(random)).
// The timestamp makes the value traceable, so it must not be used where
// the value has to be unguessable.
func GenerateTokenWithDate(prefix string, randLen int) string {
	return generateTokenAt(prefix, time.Now(), randLen)
}

// GenerateTokenWithoutDate returns base64(prefix + HEX(random)).
func GenerateTokenWithoutDate(prefix string, randLen int) string {
	random := strings.ToUpper(hex.EncodeToString(GenerateRandomBytes(randLen)))
	return base64.StdEncoding.EncodeToString([]byte(prefix + random))
}

func generateTokenAt(prefix string, at time.Time, randLen int) string {
	random := strings.ToUpper(hex.EncodeToString(GenerateRandomBytes(randLen)))
	source := prefix + at.Format(TokenTimestampLayout) + random
	return base64.StdEncoding.EncodeToString([]byte(source))
}

// GenerateEncodedRandom returns n random bytes encoded with standard base64.
// Salts and plaintext challenges are produced this way.
func GenerateEncodedRandom(n int) string {
	return base64.StdEncoding.EncodeToString(GenerateRandomBytes(n))
}
