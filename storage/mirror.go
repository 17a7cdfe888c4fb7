package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/kms"
	"github.com/ruteri/federated-kms/metrics"
)

var _ kms.EscrowMirror = (*Mirror)(nil)

// Mirror replicates escrow records to a backend, normally a MultiBackend,
// and reads them back for restores.
type Mirror struct {
	backend interfaces.EscrowBackend
	log     *slog.Logger
}

func NewMirror(backend interfaces.EscrowBackend, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{backend: backend, log: log}
}

// Replicate stores the record under the identity's EscrowID.
func (m *Mirror) Replicate(ctx context.Context, record interfaces.EscrowRecord) error {
	if record.Identity == "" || record.WrappedKey == "" {
		return errors.New("escrow record needs an identity and a wrapped key")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding escrow record: %w", err)
	}

	id := interfaces.EscrowIDFor(record.Identity)
	if err := m.backend.Store(ctx, id, data); err != nil {
		metrics.MirrorWrites.WithLabelValues(m.backend.Name(), "error").Inc()
		return fmt.Errorf("mirroring escrow record to %s: %w", m.backend.Name(), err)
	}

	metrics.MirrorWrites.WithLabelValues(m.backend.Name(), "ok").Inc()
	m.log.Info("escrow record mirrored", "escrowID", id.String(), "backend", m.backend.Name())
	return nil
}

// Restore reads back the record mirrored for identity.
func (m *Mirror) Restore(ctx context.Context, identity string) (*interfaces.EscrowRecord, error) {
	id := interfaces.EscrowIDFor(identity)
	data, err := m.backend.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching escrow record %s: %w", id, err)
	}

	var record interfaces.EscrowRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding escrow record %s: %w", id, err)
	}
	if record.Identity != identity {
		return nil, fmt.Errorf("escrow record %s belongs to %q", id, record.Identity)
	}
	return &record, nil
}
