// Package memory provides an in-process RecordStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/federated-kms/interfaces"
)

var _ interfaces.RecordStore = (*Store)(nil)

// Store keeps every record in maps guarded by one mutex. Records are copied
// on the way in and out so callers can not mutate stored state.
type Store struct {
	mu sync.RWMutex

	users      map[string]interfaces.User // by identity
	keyNames   map[string]string          // key name identifier -> identity
	challenges map[string]interfaces.Challenge
	tokens     map[string]interfaces.BearerToken // by token id
	userTokens map[string]string                 // identity -> token id
	authnByID  map[string]interfaces.AuthnRequestRecord
}

func New() *Store {
	return &Store{
		users:      make(map[string]interfaces.User),
		keyNames:   make(map[string]string),
		challenges: make(map[string]interfaces.Challenge),
		tokens:     make(map[string]interfaces.BearerToken),
		userTokens: make(map[string]string),
		authnByID:  make(map[string]interfaces.AuthnRequestRecord),
	}
}

func (s *Store) UserByIdentity(_ context.Context, identity string) (*interfaces.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[identity]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &user, nil
}

func (s *Store) UserByKeyName(_ context.Context, keyNameIdentifier string) (*interfaces.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.keyNames[keyNameIdentifier]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	user := s.users[identity]
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user *interfaces.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Identity]; ok {
		return fmt.Errorf("user %q: %w", user.Identity, interfaces.ErrConflict)
	}
	if user.KeyNameIdentifier != "" {
		if _, ok := s.keyNames[user.KeyNameIdentifier]; ok {
			return fmt.Errorf("key name identifier: %w", interfaces.ErrConflict)
		}
		s.keyNames[user.KeyNameIdentifier] = user.Identity
	}
	s.users[user.Identity] = *user
	return nil
}

func (s *Store) UpdateUser(_ context.Context, user *interfaces.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[user.Identity]
	if !ok {
		return interfaces.ErrNotFound
	}

	if user.KeyNameIdentifier != current.KeyNameIdentifier {
		if user.KeyNameIdentifier != "" {
			if owner, taken := s.keyNames[user.KeyNameIdentifier]; taken && owner != user.Identity {
				return fmt.Errorf("key name identifier: %w", interfaces.ErrConflict)
			}
			s.keyNames[user.KeyNameIdentifier] = user.Identity
		}
		if current.KeyNameIdentifier != "" {
			delete(s.keyNames, current.KeyNameIdentifier)
		}
	}
	s.users[user.Identity] = *user
	return nil
}

func (s *Store) RenameUser(_ context.Context, oldIdentity, newIdentity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[oldIdentity]
	if !ok {
		return interfaces.ErrNotFound
	}
	if _, taken := s.users[newIdentity]; taken {
		return fmt.Errorf("user %q: %w", newIdentity, interfaces.ErrConflict)
	}

	delete(s.users, oldIdentity)
	user.Identity = newIdentity
	s.users[newIdentity] = user
	if user.KeyNameIdentifier != "" {
		s.keyNames[user.KeyNameIdentifier] = newIdentity
	}

	if ch, ok := s.challenges[oldIdentity]; ok {
		delete(s.challenges, oldIdentity)
		ch.Identity = newIdentity
		s.challenges[newIdentity] = ch
	}
	if tokenID, ok := s.userTokens[oldIdentity]; ok {
		delete(s.userTokens, oldIdentity)
		s.userTokens[newIdentity] = tokenID
		token := s.tokens[tokenID]
		token.Identity = newIdentity
		s.tokens[tokenID] = token
	}
	return nil
}

func (s *Store) ChallengeForUser(_ context.Context, identity string) (*interfaces.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.challenges[identity]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &ch, nil
}

func (s *Store) CreateChallenge(_ context.Context, challenge *interfaces.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[challenge.Identity]; !ok {
		return fmt.Errorf("challenge owner: %w", interfaces.ErrNotFound)
	}
	if _, ok := s.challenges[challenge.Identity]; ok {
		return fmt.Errorf("challenge for %q: %w", challenge.Identity, interfaces.ErrConflict)
	}
	s.challenges[challenge.Identity] = *challenge
	return nil
}

func (s *Store) DeleteChallenge(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[identity]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.challenges, identity)
	return nil
}

func (s *Store) TokenByID(_ context.Context, tokenID string) (*interfaces.BearerToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &token, nil
}

func (s *Store) TokenForUser(_ context.Context, identity string) (*interfaces.BearerToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokenID, ok := s.userTokens[identity]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	token := s.tokens[tokenID]
	return &token, nil
}

func (s *Store) CreateToken(_ context.Context, token *interfaces.BearerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[token.Identity]; !ok {
		return fmt.Errorf("token owner: %w", interfaces.ErrNotFound)
	}
	if _, ok := s.tokens[token.TokenID]; ok {
		return fmt.Errorf("token id: %w", interfaces.ErrConflict)
	}
	if _, ok := s.userTokens[token.Identity]; ok {
		return fmt.Errorf("token for %q: %w", token.Identity, interfaces.ErrConflict)
	}
	s.tokens[token.TokenID] = *token
	s.userTokens[token.Identity] = token.TokenID
	return nil
}

func (s *Store) DeleteToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return interfaces.ErrNotFound
	}
	delete(s.tokens, tokenID)
	delete(s.userTokens, token.Identity)
	return nil
}

func (s *Store) AuthnRequestByID(_ context.Context, id string) (*interfaces.AuthnRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.authnByID[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &record, nil
}

func (s *Store) CreateAuthnRequest(_ context.Context, record *interfaces.AuthnRequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authnByID[record.ID]; ok {
		return fmt.Errorf("authn request %q: %w", record.ID, interfaces.ErrConflict)
	}
	s.authnByID[record.ID] = *record
	return nil
}

func (s *Store) DeleteAuthnRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authnByID[id]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.authnByID, id)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, before time.Time) (interfaces.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res interfaces.SweepResult
	for id, record := range s.authnByID {
		if record.EndedBefore(before) {
			delete(s.authnByID, id)
			res.AuthnRequests++
		}
	}
	for identity, ch := range s.challenges {
		if ch.EndedBefore(before) {
			delete(s.challenges, identity)
			res.Challenges++
		}
	}
	for id, token := range s.tokens {
		if token.EndedBefore(before) {
			delete(s.tokens, id)
			delete(s.userTokens, token.Identity)
			res.Tokens++
		}
	}
	return res, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}
