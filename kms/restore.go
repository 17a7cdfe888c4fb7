package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/federated-kms/interfaces"
)

// RestoreEscrowRecord writes a mirrored escrow record back into the user
// store, creating the user if needed. The restored user is in the
// ACCESSWRAPPEDKEY state. Any pending challenge or token is left alone and
// expires normally.
func RestoreEscrowRecord(ctx context.Context, store interfaces.UserStore, record *interfaces.EscrowRecord) (*interfaces.User, error) {
	if record.Identity == "" || record.PublicKey == "" || record.KeyNameIdentifier == "" || record.WrappedKey == "" {
		return nil, errors.New("escrow record is incomplete")
	}

	restored := &interfaces.User{
		Identity:          record.Identity,
		PublicKey:         record.PublicKey,
		KeyNameIdentifier: record.KeyNameIdentifier,
		Salt:              record.Salt,
		WrappedKey:        record.WrappedKey,
		State:             interfaces.StateKeyEscrowed,
	}

	_, err := store.UserByIdentity(ctx, record.Identity)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		err = store.CreateUser(ctx, restored)
	case err == nil:
		err = store.UpdateUser(ctx, restored)
	}
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %w", record.Identity, err)
	}
	return restored, nil
}
