package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/federated-kms/interfaces"
)

// IPFSBackend keeps escrow records in the node's mutable file system (MFS)
// under a fixed directory, so a record can be overwritten in place and read
// back by its EscrowID.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	dir         string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend connects to the node's HTTP API at host:port.
func NewIPFSBackend(host, port, dir string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if dir == "" || dir == "/" {
		dir = "/kms-escrow"
	}
	apiURL := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShellWithClient(apiURL, &http.Client{Timeout: timeout})

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		dir:         "/" + strings.Trim(dir, "/"),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, dir, timeout),
	}, nil
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.EscrowID) ([]byte, error) {
	start := time.Now()
	p := b.filePath(id)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrNotFound
		}
		b.log.Error("Failed to read escrow record from IPFS",
			slog.String("path", p),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}

	b.log.Debug("Fetched escrow record from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, id interfaces.EscrowID, data []byte) error {
	if !b.shell.IsUp() {
		return interfaces.ErrBackendUnavailable
	}

	p := b.filePath(id)
	err := b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write to IPFS: %w", err)
	}

	b.log.Debug("Stored escrow record in IPFS", slog.String("path", p))
	return nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) filePath(id interfaces.EscrowID) string {
	return path.Join(b.dir, id.String()+".json")
}
