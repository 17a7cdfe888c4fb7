package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/federated-kms/interfaces"
)

// MultiBackend writes to every available backend and reads from the first
// one holding the record.
type MultiBackend struct {
	backends []interfaces.EscrowBackend
	log      *slog.Logger
}

func NewMultiBackend(backends []interfaces.EscrowBackend, logger *slog.Logger) *MultiBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiBackend{
		backends: backends,
		log:      logger,
	}
}

// Backends returns the aggregated backends.
func (m *MultiBackend) Backends() []interfaces.EscrowBackend {
	return m.backends
}

// Fetch returns ErrNotFound only if every available backend reported the
// record missing.
func (m *MultiBackend) Fetch(ctx context.Context, id interfaces.EscrowID) ([]byte, error) {
	start := time.Now()
	idStr := id.String()[:16]
	var errs []error
	allNotFound := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("escrow_id", idStr))
			allNotFound = false
			continue
		}

		data, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Debug("Fetched escrow record",
				slog.String("backend_name", backend.Name()),
				slog.String("escrow_id", idStr),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			allNotFound = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if allNotFound && len(errs) > 0 {
		return nil, interfaces.ErrNotFound
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", idStr, errors.Join(append(errs, interfaces.ErrBackendUnavailable)...))
}

// Store succeeds if at least one backend accepted the record.
func (m *MultiBackend) Store(ctx context.Context, id interfaces.EscrowID, data []byte) error {
	start := time.Now()
	var stored int
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		if err := backend.Store(ctx, id, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store escrow record",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to store: %w", errors.Join(errs...))
	}
	return nil
}

func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiBackend) Name() string {
	return "multi-storage"
}

func (m *MultiBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
