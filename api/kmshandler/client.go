package kmshandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/federated-kms/api"
)

// ResponseError is an application-level failure reported by the server in
// a 200 response.
type ResponseError struct {
	Message string
	Todo    string
}

func (e *ResponseError) Error() string {
	if e.Todo == "" {
		return "kms: " + e.Message
	}
	return fmt.Sprintf("kms: %s (%s)", e.Message, e.Todo)
}

// Client runs the client side of the provisioning steps against a server.
type Client struct {
	// BaseURL is the server root, e.g. https://kms.example.com.
	BaseURL string

	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: http.DefaultClient,
	}
}

// CompleteLogin posts an identity provider response the way a browser
// would after the redirect.
func (c *Client) CompleteLogin(ctx context.Context, samlResponse, relayState string) (*api.Response, error) {
	return c.post(ctx, "/KMS/ACS", "", url.Values{
		api.FormSAMLResponse: {samlResponse},
		api.FormRelayState:   {relayState},
	})
}

// SendPublicKey submits the JWK-encoded public key and returns the response
// carrying the encrypted challenge.
func (c *Client) SendPublicKey(ctx context.Context, accessToken, pubKey string) (*api.Response, error) {
	return c.post(ctx, "/KMS/send_pub_key", accessToken, url.Values{api.FormPublicKey: {pubKey}})
}

// SolveChallenge submits the decrypted challenge and returns the response
// carrying the salt.
func (c *Client) SolveChallenge(ctx context.Context, accessToken, solved string) (*api.Response, error) {
	return c.post(ctx, "/KMS/solve_challenge", accessToken, url.Values{api.FormSolvedChallenge: {solved}})
}

// SendWrappedKey submits the wrapped key for escrow.
func (c *Client) SendWrappedKey(ctx context.Context, accessToken, wrappedKey string) (*api.Response, error) {
	return c.post(ctx, "/KMS/send_wrapped_key", accessToken, url.Values{api.FormWrappedKey: {wrappedKey}})
}

func (c *Client) post(ctx context.Context, path, accessToken string, form url.Values) (*api.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accessToken != "" {
		req.Header.Set(api.HeaderAuthorization, "bearer "+accessToken)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*api.Response, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request kms: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read kms response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kms returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed api.Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("could not parse kms response: %w", err)
	}
	if parsed.Failed() {
		return &parsed, &ResponseError{Message: parsed.Error, Todo: parsed.Todo}
	}
	return &parsed, nil
}
