package pkihandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/federated-kms/api"
)

// ErrNoPublicKey is returned when the directory has no key for the query.
var ErrNoPublicKey = errors.New("no public key found")

// PublicKey is a directory entry as returned by the server.
type PublicKey struct {
	// JWK is the key blob as submitted by its owner.
	JWK               string
	KeyNameIdentifier string
}

// LookupByKeyName fetches the public key published under a key name
// identifier.
//
// Parameters:
//   - baseURL: root of the key service (e.g., "https://kms.example.com")
//   - keyNameID: the identifier handed out to the key's owner
func LookupByKeyName(ctx context.Context, baseURL, keyNameID string) (*PublicKey, error) {
	return lookup(ctx, baseURL, url.Values{api.QueryKeyNameID: {keyNameID}})
}

// LookupByMail fetches the public key of the user with the given address.
func LookupByMail(ctx context.Context, baseURL, mail string) (*PublicKey, error) {
	return lookup(ctx, baseURL, url.Values{api.QueryMail: {mail}})
}

func lookup(ctx context.Context, baseURL string, query url.Values) (*PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx,
		http.MethodGet,
		fmt.Sprintf("%s/KMS/get_public_key?%s", strings.TrimSuffix(baseURL, "/"), query.Encode()),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request public key: %w", err)
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read public key response: %w", err)
	}

	var parsed api.Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("could not parse public key response: %w", err)
	}

	switch {
	case parsed.Error == "noPubKeyFound":
		return nil, ErrNoPublicKey
	case parsed.Failed():
		return nil, fmt.Errorf("public key lookup rejected: %s", parsed.Error)
	}

	return &PublicKey{
		JWK:               parsed.PublicKey,
		KeyNameIdentifier: parsed.KeyNameIdentifier,
	}, nil
}
