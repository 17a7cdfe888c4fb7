package kms

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/metrics"
)

var (
	keyNameIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+={0,2}$`)
	emailPattern     = regexp.MustCompile(`^[\w\.-]+@[\w\.-]+\.[a-zA-Z]{2,5}$`)
)

// DirectoryEntry is a published public key.
type DirectoryEntry struct {
	PublicKey         string
	KeyNameIdentifier string
}

// Directory is the public-key lookup path. It is not gated by tokens or
// state.
type Directory struct {
	store interfaces.UserStore
	log   *slog.Logger
}

func NewDirectory(store interfaces.UserStore, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{store: store, log: log}
}

// Lookup finds a public key by key name identifier or, if that is not a
// valid identifier, by identity key. Inputs are validated before any store
// access.
func (d *Directory) Lookup(ctx context.Context, keyNameID, mail string) (*DirectoryEntry, error) {
	var (
		user *interfaces.User
		err  error
	)

	switch {
	case keyNameIDPattern.MatchString(keyNameID):
		user, err = d.store.UserByKeyName(ctx, keyNameID)
	case emailPattern.MatchString(mail):
		user, err = d.store.UserByIdentity(ctx, mail)
	default:
		d.log.Info("rejected public key lookup", "keyNameId", keyNameID, "mail", mail)
		metrics.RecordStep("getPublicKey", KindInvalidInput.String())
		return nil, &ProtocolError{Kind: KindInvalidInput, Message: MsgInvalidLookup, Todo: TodoLookup}
	}

	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		d.log.Error("public key lookup failed", "err", err)
		metrics.RecordStep("getPublicKey", KindStoreFailure.String())
		return nil, &ProtocolError{Kind: KindStoreFailure, Message: MsgNoPubKeyFound, Todo: TodoContactAdmin, Err: err}
	}
	if err != nil || user.PublicKey == "" {
		d.log.Info("no public key found", "keyNameId", keyNameID, "mail", mail)
		metrics.RecordStep("getPublicKey", KindNotFound.String())
		return nil, &ProtocolError{Kind: KindNotFound, Message: MsgNoPubKeyFound, Todo: TodoContactAdmin, Err: err}
	}

	metrics.RecordStep("getPublicKey", "ok")
	return &DirectoryEntry{PublicKey: user.PublicKey, KeyNameIdentifier: user.KeyNameIdentifier}, nil
}
