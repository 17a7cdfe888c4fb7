package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/federated-kms/interfaces"
)

var _ interfaces.EscrowBackendFactory = (*BackendFactory)(nil)

// BackendFactory creates mirror backends from location URIs and aggregates
// them into a MultiBackend.
type BackendFactory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendFactory{log: logger}
}

// WithTLSAuth returns a factory whose Vault backends present the client
// certificate returned by getCert.
func (f *BackendFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) interfaces.EscrowBackendFactory {
	return &BackendFactory{log: f.log, tlsAuth: getCert}
}

// EscrowBackendFor creates a backend from a location.
//
// Supported schemes:
//   - file:///var/lib/kms/mirror
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&pathStyle=true
//   - ipfs://localhost:5001/kms-escrow?timeout=30s
//   - vault://vault.example.com:8200/secret/kms?scheme=https
func (f *BackendFactory) EscrowBackendFor(loc interfaces.EscrowBackendLocation) (interfaces.EscrowBackend, error) {
	switch strings.ToLower(loc.Scheme) {
	case "file":
		return f.createFileBackend(loc)
	case "s3":
		return f.createS3Backend(loc)
	case "ipfs":
		return f.createIPFSBackend(loc)
	case "vault":
		return f.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates every backend it can and skips the rest with a
// warning. Returns an error if none could be created.
func (f *BackendFactory) CreateMultiBackend(locations []interfaces.EscrowBackendLocation) (interfaces.EscrowBackend, error) {
	backends := make([]interfaces.EscrowBackend, 0, len(locations))

	for _, loc := range locations {
		backend, err := f.EscrowBackendFor(loc)
		if err != nil {
			f.log.Warn("Failed to create mirror backend",
				"err", err,
				slog.String("location", redact(loc)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid mirror backends created")
	}
	return NewMultiBackend(backends, f.log), nil
}

func (f *BackendFactory) createFileBackend(loc interfaces.EscrowBackendLocation) (interfaces.EscrowBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		// file://./relative/dir
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	return NewFileBackend(path, f.log)
}

func (f *BackendFactory) createS3Backend(loc interfaces.EscrowBackendLocation) (interfaces.EscrowBackend, error) {
	cfg := S3Config{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("pathStyle"),
	}
	if loc.Auth != "" {
		cfg.AccessKey, cfg.SecretKey, _ = strings.Cut(loc.Auth, ":")
	}
	return NewS3Backend(cfg, f.log)
}

func (f *BackendFactory) createIPFSBackend(loc interfaces.EscrowBackendLocation) (interfaces.EscrowBackend, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = d
	}
	return NewIPFSBackend(host, port, loc.Path, timeout, f.log)
}

func (f *BackendFactory) createVaultBackend(loc interfaces.EscrowBackendLocation) (interfaces.EscrowBackend, error) {
	scheme := loc.GetParam("scheme")
	if scheme == "" {
		scheme = "https"
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	cfg := VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: mount,
		DataPath:  dataPath,
	}

	if f.tlsAuth != nil {
		cert, err := f.tlsAuth()
		if err != nil {
			return nil, fmt.Errorf("loading Vault client certificate: %w", err)
		}
		cfg.ClientCert = &cert
	}
	return NewVaultBackend(cfg, f.log)
}

// redact drops credentials embedded in a location before it is logged.
func redact(loc interfaces.EscrowBackendLocation) string {
	if loc.Auth == "" {
		return loc.Raw
	}
	return strings.Replace(loc.Raw, loc.Auth+"@", "***@", 1)
}
