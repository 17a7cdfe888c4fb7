package interfaces

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EscrowID is the 32-byte key under which a user's escrow record is mirrored.
// It is derived from the identity so that backends never see the identity
// key itself in object names.
type EscrowID [32]byte

// EscrowIDFor derives the mirror key for an identity.
func EscrowIDFor(identity string) EscrowID {
	return EscrowID(sha256.Sum256([]byte("escrow:" + identity)))
}

// NewEscrowIDFromHex parses the hex form produced by String.
func NewEscrowIDFromHex(source string) (EscrowID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return EscrowID{}, errors.New("invalid escrow ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return EscrowID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id EscrowID
	copy(id[:], raw)
	return id, nil
}

// String returns hex representation.
func (id EscrowID) String() string {
	return hex.EncodeToString(id[:])
}

// EscrowRecord is the document replicated to mirror backends once a user's
// wrapped key is escrowed. Everything in it is either public or wrapped
// under a key the server never sees.
type EscrowRecord struct {
	Identity          string    `json:"identity"`
	KeyNameIdentifier string    `json:"keyNameId"`
	PublicKey         string    `json:"pubkey"`
	Salt              string    `json:"salt"`
	WrappedKey        string    `json:"wrappedKey"`
	EscrowedAt        time.Time `json:"escrowedAt"`
}

// EscrowBackendLocation represents the URI of a mirror backend.
type EscrowBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewEscrowBackendLocation parses and validates a mirror backend URI.
func NewEscrowBackendLocation(uri string) (EscrowBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return EscrowBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return EscrowBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return EscrowBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc EscrowBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc EscrowBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc EscrowBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrBackendUnavailable is returned when a mirror backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a mirror location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// EscrowBackend stores escrow records under their EscrowID.
type EscrowBackend interface {
	// Fetch returns the stored document or ErrNotFound.
	Fetch(ctx context.Context, id EscrowID) ([]byte, error)

	// Store writes the document, replacing any previous version.
	Store(ctx context.Context, id EscrowID, data []byte) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// EscrowBackendFactory creates mirror backends.
type EscrowBackendFactory interface {
	// EscrowBackendFor creates a backend from a location.
	// Supports file://, s3://, ipfs://, vault://
	EscrowBackendFor(location EscrowBackendLocation) (EscrowBackend, error)

	// CreateMultiBackend creates an aggregated backend.
	CreateMultiBackend(locations []EscrowBackendLocation) (EscrowBackend, error)

	// WithTLSAuth configures TLS client authentication for backends that support it.
	WithTLSAuth(func() (tls.Certificate, error)) EscrowBackendFactory
}
