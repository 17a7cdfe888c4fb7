// Package redisstore implements interfaces.RecordStore on Redis. Records are
// stored as JSON; uniqueness is enforced with SET NX, WATCH transactions and
// a Lua script. Ephemeral records carry a native TTL a grace period past the
// end of their validity window, so an idle deployment cleans itself up even
// if no sweep runs. Sweeps only scan the keyspace once per sweep interval.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/federated-kms/interfaces"
	"go.uber.org/atomic"
)

var _ interfaces.RecordStore = (*Store)(nil)

const (
	defaultPrefix = "kms"
	defaultGrace  = time.Minute
	defaultSweep  = time.Minute
	maxTxRetries  = 4
)

// KEYS[1] user, KEYS[2] token, KEYS[3] user -> token index.
// ARGV[1] token JSON, ARGV[2] token id, ARGV[3] ttl in milliseconds.
const createTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 1
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 2
end
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[3])
redis.call("SET", KEYS[3], ARGV[2], "PX", ARGV[3])
return 3
`

var createTokenLua = redis.NewScript(createTokenScript)

const (
	createTokenNoUser int64 = iota
	createTokenIDTaken
	createTokenUserHasToken
	createTokenCreated
)

// Store is a RecordStore backed by Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	grace  time.Duration
	now    func() time.Time

	sweepInterval time.Duration
	// lastSweep is the UnixNano start of the last keyspace scan, 0 if none.
	lastSweep atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key, default "kms".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithGrace sets how long past the end of its window an ephemeral record
// is kept before Redis expires it.
func WithGrace(d time.Duration) Option {
	return func(s *Store) { s.grace = d }
}

// WithSweepInterval sets the minimum time between two keyspace scans in
// DeleteExpired, default one minute. Zero scans on every call.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// WithClock sets the clock used to derive TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix, grace: defaultGrace, sweepInterval: defaultSweep, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(options)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(rdb, opts...), nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) userKey(identity string) string     { return s.prefix + ":user:" + identity }
func (s *Store) keyNameKey(kni string) string        { return s.prefix + ":keyname:" + kni }
func (s *Store) challengeKey(identity string) string { return s.prefix + ":challenge:" + identity }
func (s *Store) tokenKey(id string) string           { return s.prefix + ":token:" + id }
func (s *Store) userTokenKey(identity string) string { return s.prefix + ":usertoken:" + identity }
func (s *Store) authnKey(id string) string           { return s.prefix + ":authn:" + id }

// ttl keeps a record until grace after its window closes, and never less
// than grace.
func (s *Store) ttl(w interfaces.ValidityWindow) time.Duration {
	d := w.Until.Sub(s.now()) + s.grace
	if d < s.grace {
		return s.grace
	}
	return d
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &v, nil
}

// watch runs fn in a WATCH transaction over keys, retrying when a watched
// key changes underneath it.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction on %v: %w", keys, redis.TxFailedErr)
}

func (s *Store) UserByIdentity(ctx context.Context, identity string) (*interfaces.User, error) {
	return getJSON[interfaces.User](ctx, s.rdb, s.userKey(identity))
}

func (s *Store) UserByKeyName(ctx context.Context, keyNameIdentifier string) (*interfaces.User, error) {
	identity, err := s.rdb.Get(ctx, s.keyNameKey(keyNameIdentifier)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.UserByIdentity(ctx, identity)
}

func (s *Store) CreateUser(ctx context.Context, user *interfaces.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	userKey := s.userKey(user.Identity)
	keys := []string{userKey}
	if user.KeyNameIdentifier != "" {
		keys = append(keys, s.keyNameKey(user.KeyNameIdentifier))
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("user %q: %w", user.Identity, interfaces.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey, data, 0)
			if user.KeyNameIdentifier != "" {
				pipe.Set(ctx, s.keyNameKey(user.KeyNameIdentifier), user.Identity, 0)
			}
			return nil
		})
		return err
	}, keys...)
}

func (s *Store) UpdateUser(ctx context.Context, user *interfaces.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	userKey := s.userKey(user.Identity)
	keys := []string{userKey}
	if user.KeyNameIdentifier != "" {
		keys = append(keys, s.keyNameKey(user.KeyNameIdentifier))
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		current, err := getJSON[interfaces.User](ctx, tx, userKey)
		if err != nil {
			return err
		}

		changed := user.KeyNameIdentifier != current.KeyNameIdentifier
		if changed && user.KeyNameIdentifier != "" {
			owner, err := tx.Get(ctx, s.keyNameKey(user.KeyNameIdentifier)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && owner != user.Identity {
				return fmt.Errorf("key name identifier: %w", interfaces.ErrConflict)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey, data, 0)
			if changed {
				if user.KeyNameIdentifier != "" {
					pipe.Set(ctx, s.keyNameKey(user.KeyNameIdentifier), user.Identity, 0)
				}
				if current.KeyNameIdentifier != "" {
					pipe.Del(ctx, s.keyNameKey(current.KeyNameIdentifier))
				}
			}
			return nil
		})
		return err
	}, keys...)
}

func (s *Store) RenameUser(ctx context.Context, oldIdentity, newIdentity string) error {
	oldKey, newKey := s.userKey(oldIdentity), s.userKey(newIdentity)
	keys := []string{oldKey, newKey, s.challengeKey(oldIdentity), s.userTokenKey(oldIdentity)}

	return s.watch(ctx, func(tx *redis.Tx) error {
		user, err := getJSON[interfaces.User](ctx, tx, oldKey)
		if err != nil {
			return err
		}
		taken, err := tx.Exists(ctx, newKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("user %q: %w", newIdentity, interfaces.ErrConflict)
		}

		challenge, err := getJSON[interfaces.Challenge](ctx, tx, s.challengeKey(oldIdentity))
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return err
		}
		var token *interfaces.BearerToken
		if tokenID, err := tx.Get(ctx, s.userTokenKey(oldIdentity)).Result(); err == nil {
			token, err = getJSON[interfaces.BearerToken](ctx, tx, s.tokenKey(tokenID))
			if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
				return err
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}

		user.Identity = newIdentity
		userData, err := json.Marshal(user)
		if err != nil {
			return err
		}
		var challengeData, tokenData []byte
		if challenge != nil {
			challenge.Identity = newIdentity
			if challengeData, err = json.Marshal(challenge); err != nil {
				return err
			}
		}
		if token != nil {
			token.Identity = newIdentity
			if tokenData, err = json.Marshal(token); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, oldKey)
			pipe.Set(ctx, newKey, userData, 0)
			if user.KeyNameIdentifier != "" {
				pipe.Set(ctx, s.keyNameKey(user.KeyNameIdentifier), newIdentity, 0)
			}
			if challenge != nil {
				pipe.Del(ctx, s.challengeKey(oldIdentity))
				pipe.Set(ctx, s.challengeKey(newIdentity), challengeData, s.ttl(challenge.ValidityWindow))
			}
			pipe.Del(ctx, s.userTokenKey(oldIdentity))
			if token != nil {
				ttl := s.ttl(token.ValidityWindow)
				pipe.Set(ctx, s.tokenKey(token.TokenID), tokenData, ttl)
				pipe.Set(ctx, s.userTokenKey(newIdentity), token.TokenID, ttl)
			}
			return nil
		})
		return err
	}, keys...)
}

func (s *Store) ChallengeForUser(ctx context.Context, identity string) (*interfaces.Challenge, error) {
	return getJSON[interfaces.Challenge](ctx, s.rdb, s.challengeKey(identity))
}

func (s *Store) CreateChallenge(ctx context.Context, ch *interfaces.Challenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	userKey := s.userKey(ch.Identity)

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, userKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("challenge owner: %w", interfaces.ErrNotFound)
		}

		var created *redis.BoolCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			created = pipe.SetNX(ctx, s.challengeKey(ch.Identity), data, s.ttl(ch.ValidityWindow))
			return nil
		})
		if err != nil {
			return err
		}
		if !created.Val() {
			return fmt.Errorf("challenge for %q: %w", ch.Identity, interfaces.ErrConflict)
		}
		return nil
	}, userKey)
}

func (s *Store) DeleteChallenge(ctx context.Context, identity string) error {
	n, err := s.rdb.Del(ctx, s.challengeKey(identity)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *Store) TokenByID(ctx context.Context, tokenID string) (*interfaces.BearerToken, error) {
	return getJSON[interfaces.BearerToken](ctx, s.rdb, s.tokenKey(tokenID))
}

func (s *Store) TokenForUser(ctx context.Context, identity string) (*interfaces.BearerToken, error) {
	tokenID, err := s.rdb.Get(ctx, s.userTokenKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.TokenByID(ctx, tokenID)
}

func (s *Store) CreateToken(ctx context.Context, token *interfaces.BearerToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}

	keys := []string{s.userKey(token.Identity), s.tokenKey(token.TokenID), s.userTokenKey(token.Identity)}
	ttl := s.ttl(token.ValidityWindow).Milliseconds()
	status, err := createTokenLua.Run(ctx, s.rdb, keys, data, token.TokenID, ttl).Int64()
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	switch status {
	case createTokenCreated:
		return nil
	case createTokenNoUser:
		return fmt.Errorf("token owner: %w", interfaces.ErrNotFound)
	case createTokenIDTaken:
		return fmt.Errorf("token id: %w", interfaces.ErrConflict)
	case createTokenUserHasToken:
		return fmt.Errorf("token for %q: %w", token.Identity, interfaces.ErrConflict)
	}
	return fmt.Errorf("creating token: unexpected script status %d", status)
}

func (s *Store) DeleteToken(ctx context.Context, tokenID string) error {
	token, err := s.TokenByID(ctx, tokenID)
	if err != nil {
		return err
	}
	return s.deleteToken(ctx, token)
}

// deleteToken removes the token and, if it still points at this token, the
// user's index entry.
func (s *Store) deleteToken(ctx context.Context, token *interfaces.BearerToken) error {
	indexKey := s.userTokenKey(token.Identity)
	return s.watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, indexKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.tokenKey(token.TokenID))
			if current == token.TokenID {
				pipe.Del(ctx, indexKey)
			}
			return nil
		})
		return err
	}, indexKey)
}

func (s *Store) AuthnRequestByID(ctx context.Context, id string) (*interfaces.AuthnRequestRecord, error) {
	return getJSON[interfaces.AuthnRequestRecord](ctx, s.rdb, s.authnKey(id))
}

func (s *Store) CreateAuthnRequest(ctx context.Context, record *interfaces.AuthnRequestRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.authnKey(record.ID), data, s.ttl(record.ValidityWindow)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("authn request %q: %w", record.ID, interfaces.ErrConflict)
	}
	return nil
}

func (s *Store) DeleteAuthnRequest(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.authnKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// DeleteExpired scans the ephemeral keyspaces and removes records whose
// window closed before the given time. Calls within the sweep interval of the
// last scan, or concurrent with one, return an empty result; Redis TTLs
// remove whatever they skip.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (interfaces.SweepResult, error) {
	var res interfaces.SweepResult

	if !s.claimSweep() {
		return res, nil
	}

	n, err := sweep[interfaces.AuthnRequestRecord](ctx, s, s.authnKey("*"), before, func(_ *interfaces.AuthnRequestRecord, key string) error {
		return s.rdb.Del(ctx, key).Err()
	})
	res.AuthnRequests = n
	if err != nil {
		return res, fmt.Errorf("sweeping authn requests: %w", err)
	}

	n, err = sweep[interfaces.Challenge](ctx, s, s.challengeKey("*"), before, func(_ *interfaces.Challenge, key string) error {
		return s.rdb.Del(ctx, key).Err()
	})
	res.Challenges = n
	if err != nil {
		return res, fmt.Errorf("sweeping challenges: %w", err)
	}

	n, err = sweep[interfaces.BearerToken](ctx, s, s.tokenKey("*"), before, func(token *interfaces.BearerToken, _ string) error {
		return s.deleteToken(ctx, token)
	})
	res.Tokens = n
	if err != nil {
		return res, fmt.Errorf("sweeping tokens: %w", err)
	}
	return res, nil
}

func (s *Store) claimSweep() bool {
	now := s.now().UnixNano()
	last := s.lastSweep.Load()
	if last != 0 && now-last < int64(s.sweepInterval) {
		return false
	}
	return s.lastSweep.CompareAndSwap(last, now)
}

type windowed interface {
	EndedBefore(time.Time) bool
}

func sweep[T any, PT interface {
	*T
	windowed
}](ctx context.Context, s *Store, pattern string, before time.Time, del func(PT, string) error) (int64, error) {
	var deleted int64
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		record, err := getJSON[T](ctx, s.rdb, key)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !PT(record).EndedBefore(before) {
			continue
		}
		if err := del(PT(record), key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}
