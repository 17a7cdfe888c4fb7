package kmshandler

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/federated-kms/api"
	"github.com/ruteri/federated-kms/cryptoutils"
	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/kms"
	"github.com/ruteri/federated-kms/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	identity string
	err      error
}

func (b *fakeBridge) BeginLogin(_ context.Context, subject string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "https://idp.example.com/sso?SAMLRequest=abc&subject=" + subject, nil
}

func (b *fakeBridge) CompleteLogin(context.Context, string, string) (string, error) {
	return b.identity, b.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store  *memory.Store
	bridge *fakeBridge
	clock  *clock
	router chi.Router
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	bridge := &fakeBridge{identity: "alice@example.com"}

	lc, err := kms.NewLifecycle(store, kms.DefaultConfig(), log, kms.WithClock(c.Now))
	require.NoError(t, err)

	h := NewHandler(kms.NewProvisioner(lc, bridge, nil, log), kms.NewSweeper(store, log, c.Now), cfg, log)
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	return &testEnv{store: store, bridge: bridge, clock: c, router: router}
}

func (e *testEnv) client(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func (e *testEnv) do(t *testing.T, method, path, auth, body string) (*httptest.ResponseRecorder, api.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp api.Response
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyBlob string
)

func clientKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		keyBlob, err = cryptoutils.EncodePublicKey(&key.PublicKey, "RSA-OAEP-256")
		require.NoError(t, err)
	})
	return key, keyBlob
}

func TestProvisioningFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DefaultConfig())
	c := env.client(t)
	priv, pub := clientKey(t)

	resp, err := c.CompleteLogin(ctx, "PHNhbWxwOlJlc3BvbnNlLz4=", "https://kms.example.com/KMS/ACS")
	require.NoError(t, err)
	assert.Equal(t, "sendPubKey", resp.Task)
	require.NotEmpty(t, resp.AccessToken)
	token := resp.AccessToken

	resp, err = c.SendPublicKey(ctx, token, pub)
	require.NoError(t, err)
	assert.Equal(t, "solveChallenge", resp.Task)
	require.NotEmpty(t, resp.Challenge)

	solved, err := cryptoutils.DecryptChallenge(priv, resp.Challenge)
	require.NoError(t, err)

	resp, err = c.SolveChallenge(ctx, token, solved)
	require.NoError(t, err)
	assert.Equal(t, "sendWrappedKey", resp.Task)
	require.NotEmpty(t, resp.Salt)
	salt := resp.Salt

	resp, err = c.SendWrappedKey(ctx, token, "d3JhcHBlZCtrZXk/YmxvYg==")
	require.NoError(t, err)
	assert.Equal(t, "ready", resp.Task)

	resp, err = c.CompleteLogin(ctx, "PHNhbWxwOlJlc3BvbnNlLz4=", "https://kms.example.com/KMS/ACS")
	require.NoError(t, err)
	assert.Equal(t, "unwrap", resp.Task)
	assert.Equal(t, "d3JhcHBlZCtrZXk/YmxvYg==", resp.WrappedKey)
	assert.Equal(t, salt, resp.Salt)
	assert.Equal(t, token, resp.AccessToken, "live token is reused")
}

func TestSolveChallenge_WrongAnswer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DefaultConfig())
	c := env.client(t)
	priv, pub := clientKey(t)

	resp, err := c.CompleteLogin(ctx, "x", "y")
	require.NoError(t, err)
	token := resp.AccessToken
	resp, err = c.SendPublicKey(ctx, token, pub)
	require.NoError(t, err)
	challenge := resp.Challenge

	_, err = c.SolveChallenge(ctx, token, "bm90IHRoZSBhbnN3ZXI=")
	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "challengeNotSolvedCorrect", rerr.Message)

	user, err := env.store.UserByIdentity(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateAwaitingChallengeSolution, user.State)

	solved, err := cryptoutils.DecryptChallenge(priv, challenge)
	require.NoError(t, err)
	resp, err = c.SolveChallenge(ctx, token, solved)
	require.NoError(t, err)
	assert.Equal(t, "sendWrappedKey", resp.Task)
}

func TestProvisioningErrors(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	_, login := env.do(t, http.MethodPost, "/KMS/ACS", "", "SAMLResponse=x&RelayState=y")
	require.Equal(t, "sendPubKey", login.Task)
	auth := "Bearer " + login.AccessToken

	tests := []struct {
		name     string
		path     string
		auth     string
		body     string
		wantErr  string
		wantTodo string
	}{
		{
			name:     "missing authorization",
			path:     "/KMS/send_pub_key",
			body:     "pubKey=abc",
			wantErr:  "no OAuth Token found.",
			wantTodo: "send request with correct OAuthToken",
		},
		{
			name:     "unknown token",
			path:     "/KMS/send_pub_key",
			auth:     "bearer alice@example.com+20240501090000+nope",
			body:     "pubKey=abc",
			wantErr:  "no OAuth Token found.",
			wantTodo: "send request with correct OAuthToken",
		},
		{
			name:    "missing public key",
			path:    "/KMS/send_pub_key",
			auth:    auth,
			wantErr: "noPubKeySent",
		},
		{
			name:    "missing solution",
			path:    "/KMS/solve_challenge",
			auth:    auth,
			wantErr: "noSolvedChallengeSent",
		},
		{
			name:    "missing wrapped key",
			path:    "/KMS/send_wrapped_key",
			auth:    auth,
			wantErr: "noWrappedKeySent",
		},
		{
			name:     "skipping steps",
			path:     "/KMS/send_wrapped_key",
			auth:     auth,
			body:     "wrappedKey=abc",
			wantErr:  "SENDWRAPPEDKEY is not next step",
			wantTodo: "SENDPUBKEY",
		},
		{
			name:     "unparsable public key",
			path:     "/KMS/send_pub_key",
			auth:     auth,
			body:     "pubKey=not-a-key",
			wantErr:  "cantEncryptChall",
			wantTodo: "contact system administrator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, http.MethodPost, tt.path, tt.auth, tt.body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantErr, resp.Error)
			assert.Equal(t, tt.wantTodo, resp.Todo)
			assert.Empty(t, resp.Task)
		})
	}
}

func TestExpiredToken(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	_, login := env.do(t, http.MethodPost, "/KMS/ACS", "", "SAMLResponse=x&RelayState=y")

	env.clock.Advance(301 * time.Second)
	_, resp := env.do(t, http.MethodPost, "/KMS/send_pub_key", "bearer "+login.AccessToken, "pubKey=abc")
	assert.Equal(t, "no OAuth Token found.", resp.Error)

	_, err := env.store.TokenByID(context.Background(), login.AccessToken)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "swept before the request was handled")
}

func TestSendWrappedKey_RestoresPlus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DefaultConfig())
	c := env.client(t)
	priv, pub := clientKey(t)

	resp, err := c.CompleteLogin(ctx, "x", "y")
	require.NoError(t, err)
	token := resp.AccessToken
	resp, err = c.SendPublicKey(ctx, token, pub)
	require.NoError(t, err)
	solved, err := cryptoutils.DecryptChallenge(priv, resp.Challenge)
	require.NoError(t, err)
	_, err = c.SolveChallenge(ctx, token, solved)
	require.NoError(t, err)

	// An unencoded '+' is decoded as a space.
	_, out := env.do(t, http.MethodPost, "/KMS/send_wrapped_key", "bearer "+token, "wrappedKey=ab+cd/ef==")
	require.Equal(t, "ready", out.Task, out.Error)

	user, err := env.store.UserByIdentity(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ab+cd/ef==", user.WrappedKey)
}

func TestHandleLogin(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	w, _ := env.do(t, http.MethodGet, "/KMS?subject=alice", "", "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://idp.example.com/sso?SAMLRequest=abc&subject=alice", w.Header().Get("Location"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))

	env.bridge.err = errors.New("metadata unavailable")
	w, resp := env.do(t, http.MethodGet, "/KMS", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, kms.MsgLoginFailed, resp.Error)
	assert.Equal(t, "contact system administrator", resp.Todo)
}

func TestHandleACS_FederationFailure(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.bridge.err = errors.New("signature invalid")

	w, resp := env.do(t, http.MethodPost, "/KMS/ACS", "", "SAMLResponse=x&RelayState=y")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, kms.MsgLoginFailed, resp.Error)
	assert.Empty(t, resp.AccessToken)
}

func TestOptionsAndCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	env := newTestEnv(t, cfg)

	for _, path := range []string{"/KMS/send_pub_key", "/KMS/solve_challenge", "/KMS/send_wrapped_key"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Empty(t, w.Body.String(), path)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization", path)
	}

	req := httptest.NewRequest(http.MethodOptions, "/KMS/send_pub_key", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	body := "wrappedKey=" + strings.Repeat("A", 65<<10)
	w, resp := env.do(t, http.MethodPost, "/KMS/send_wrapped_key", "bearer t", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "request body too large", resp.Error)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		w, _ := env.do(t, http.MethodGet, "/KMS", "", "")
		assert.Equal(t, http.StatusSeeOther, w.Code)
	}
	w, _ := env.do(t, http.MethodGet, "/KMS", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Token-gated steps are not limited.
	w, _ = env.do(t, http.MethodPost, "/KMS/send_pub_key", "", "pubKey=abc")
	assert.Equal(t, http.StatusOK, w.Code)
}
