package storage

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/ruteri/federated-kms/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func location(t *testing.T, uri string) interfaces.EscrowBackendLocation {
	t.Helper()
	loc, err := interfaces.NewEscrowBackendLocation(uri)
	require.NoError(t, err)
	return loc
}

func TestBackendFactory_EscrowBackendFor(t *testing.T) {
	f := NewBackendFactory(discardLogger())
	dir := t.TempDir()

	tests := []struct {
		name     string
		uri      string
		wantType interface{}
		wantName string
	}{
		{name: "file", uri: "file://" + dir, wantType: &FileBackend{}},
		{name: "s3", uri: "s3://escrow-bucket/kms?region=eu-west-1", wantType: &S3Backend{}, wantName: "s3-escrow-bucket"},
		{name: "s3 with credentials", uri: "s3://AKIA:secret@escrow-bucket/kms?endpoint=http://minio:9000&pathStyle=true", wantType: &S3Backend{}, wantName: "s3-escrow-bucket"},
		{name: "ipfs", uri: "ipfs://localhost:5001/kms-escrow?timeout=5s", wantType: &IPFSBackend{}, wantName: "ipfs-localhost-5001"},
		{name: "ipfs default port", uri: "ipfs://localhost/kms-escrow", wantType: &IPFSBackend{}, wantName: "ipfs-localhost-5001"},
		{name: "vault", uri: "vault://vault.example.com:8200/secret/kms", wantType: &VaultBackend{}, wantName: "vault-secret-kms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := f.EscrowBackendFor(location(t, tt.uri))
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, backend)
			if tt.wantName != "" {
				assert.Equal(t, tt.wantName, backend.Name())
			}
		})
	}
}

func TestBackendFactory_Errors(t *testing.T) {
	f := NewBackendFactory(nil)

	_, err := f.EscrowBackendFor(location(t, "ipfs://localhost:5001/x?timeout=soon"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = f.EscrowBackendFor(interfaces.EscrowBackendLocation{Scheme: "onchain"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = interfaces.NewEscrowBackendLocation("github://owner/repo")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	withCert := f.WithTLSAuth(func() (tls.Certificate, error) {
		return tls.Certificate{}, errors.New("no certificate")
	})
	_, err = withCert.EscrowBackendFor(location(t, "vault://vault.example.com:8200/secret/kms"))
	assert.ErrorContains(t, err, "no certificate")
}

func TestBackendFactory_CreateMultiBackend(t *testing.T) {
	f := NewBackendFactory(discardLogger())

	backend, err := f.CreateMultiBackend([]interfaces.EscrowBackendLocation{
		location(t, "file://"+t.TempDir()),
		location(t, "ipfs://localhost:5001/x?timeout=soon"),
	})
	require.NoError(t, err)
	multi, ok := backend.(*MultiBackend)
	require.True(t, ok)
	assert.Len(t, multi.Backends(), 1, "invalid locations are skipped")

	_, err = f.CreateMultiBackend(nil)
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	loc := location(t, "s3://AKIA:secret@bucket/prefix")
	assert.Equal(t, "s3://***@bucket/prefix", redact(loc))
}
