package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/federated-kms/interfaces"
)

// VaultConfig locates a KV v2 secrets engine.
type VaultConfig struct {
	// Address is the Vault server address, e.g. https://vault.example.com:8200.
	Address string

	// MountPath is the KV v2 mount, e.g. "secret".
	MountPath string

	// DataPath is the directory under the mount, e.g. "kms".
	DataPath string

	// Token authenticates requests. When empty the client falls back to
	// VAULT_TOKEN from the environment.
	Token string

	// ClientCert, if set, is presented for TLS client certificate auth.
	ClientCert *tls.Certificate
}

// VaultBackend stores escrow records as KV v2 secrets.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.Timeout = 30 * time.Second

	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*cfg.ClientCert},
					MinVersion:   tls.VersionTLS12,
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Fetch reads the latest version of the record.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.EscrowID) ([]byte, error) {
	start := time.Now()
	p := b.secretPath(id)

	secret, err := b.client.Logical().ReadWithContext(ctx, p)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", p),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// KV v2 returns data: null for a deleted latest version.
		return nil, interfaces.ErrNotFound
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", p)
	}

	b.log.Debug("Fetched escrow record from Vault",
		slog.String("path", p),
		slog.Duration("duration", time.Since(start)))
	return []byte(content), nil
}

// Store writes a new version of the record.
func (b *VaultBackend) Store(ctx context.Context, id interfaces.EscrowID, data []byte) error {
	p := b.secretPath(id)

	_, err := b.client.Logical().WriteWithContext(ctx, p, map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", p),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored escrow record in Vault", slog.String("path", p))
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(id interfaces.EscrowID) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/escrow/%s", b.mountPath, id)
	}
	return fmt.Sprintf("%s/data/%s/escrow/%s", b.mountPath, b.dataPath, id)
}
