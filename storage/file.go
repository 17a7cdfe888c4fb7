package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/federated-kms/interfaces"
)

// FileBackend keeps escrow records as files under baseDir/escrow.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates the escrow directory if it doesn't exist. Records
// are readable by the service user only.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "escrow"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create escrow directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileBackend) Fetch(ctx context.Context, id interfaces.EscrowID) ([]byte, error) {
	filePath := b.filePath(id)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched escrow record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))
	return data, nil
}

// Store writes to a temporary file and renames it over the record so a
// reader never sees a partial document.
func (b *FileBackend) Store(ctx context.Context, id interfaces.EscrowID, data []byte) error {
	filePath := b.filePath(id)

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".escrow-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored escrow record in file", slog.String("path", filePath))
	return nil
}

// Available checks that the escrow directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(filepath.Join(b.baseDir, "escrow"))
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.EscrowID) string {
	return filepath.Join(b.baseDir, "escrow", id.String()+".json")
}
