package kms

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/federated-kms/cryptoutils"
	"github.com/ruteri/federated-kms/interfaces"
	"github.com/ruteri/federated-kms/store/memory"
	"github.com/stretchr/testify/require"
)

// steppingClock advances one millisecond on every read so that records
// created and checked within one test are strictly inside their windows.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyBlob string

	otherKeyOnce sync.Once
	otherKey     *rsa.PrivateKey
	otherKeyBlob string
)

func clientKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	testKeyOnce.Do(func() { testKey, testKeyBlob = generateKey(t) })
	return testKey, testKeyBlob
}

func secondClientKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	otherKeyOnce.Do(func() { otherKey, otherKeyBlob = generateKey(t) })
	return otherKey, otherKeyBlob
}

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	blob, err := cryptoutils.EncodePublicKey(&priv.PublicKey, "RSA-OAEP-256")
	require.NoError(t, err)
	return priv, blob
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sequence returns a generator cycling through values.
func sequence(values ...string) func() string {
	var (
		mu sync.Mutex
		i  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		v := values[i%len(values)]
		i++
		return v
	}
}

type fakeBridge struct {
	redirect string
	identity string
	err      error

	subjects []string
}

func (b *fakeBridge) BeginLogin(_ context.Context, subject string) (string, error) {
	b.subjects = append(b.subjects, subject)
	return b.redirect, b.err
}

func (b *fakeBridge) CompleteLogin(_ context.Context, _, _ string) (string, error) {
	return b.identity, b.err
}

type fakeMirror struct {
	records []interfaces.EscrowRecord
	err     error
}

func (m *fakeMirror) Replicate(_ context.Context, record interfaces.EscrowRecord) error {
	m.records = append(m.records, record)
	return m.err
}

type testEnv struct {
	store  *memory.Store
	clock  *steppingClock
	lc     *Lifecycle
	p      *Provisioner
	bridge *fakeBridge
	mirror *fakeMirror
}

func newTestEnv(t *testing.T, store interfaces.RecordStore, opts ...Option) *testEnv {
	t.Helper()

	mem, _ := store.(*memory.Store)
	if store == nil {
		mem = memory.New()
		store = mem
	}

	clock := newSteppingClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	lc, err := NewLifecycle(store, DefaultConfig(), testLogger(), opts...)
	require.NoError(t, err)

	bridge := &fakeBridge{redirect: "https://idp.example.com/sso?SAMLRequest=x"}
	mirror := &fakeMirror{}
	return &testEnv{
		store:  mem,
		clock:  clock,
		lc:     lc,
		p:      NewProvisioner(lc, bridge, mirror, testLogger()),
		bridge: bridge,
		mirror: mirror,
	}
}

func requireProtocolError(t *testing.T, err error, kind ErrorKind, message string) *ProtocolError {
	t.Helper()
	require.Error(t, err)
	perr, ok := err.(*ProtocolError)
	require.True(t, ok, "expected *ProtocolError, got %T: %v", err, err)
	require.Equal(t, kind, perr.Kind, perr.Error())
	require.Equal(t, message, perr.Message)
	return perr
}
