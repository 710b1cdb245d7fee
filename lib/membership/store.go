// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/storage"
)

// MaxVerificationFailures is the number of consecutive verification
// failures after which a stored token is discarded.
const MaxVerificationFailures = 3

// TokenStore persists member tokens under token/<group_id>/<peer_id>.
type TokenStore struct {
	store  storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewTokenStore returns a TokenStore over store.
func NewTokenStore(store storage.Store, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		store:    store,
		logger:   logger,
		failures: make(map[string]int),
	}
}

func tokenKey(groupID string, peer identity.PeerID) string {
	return storage.Key("token", groupID, string(peer))
}

// Save persists token, replacing any previous token for the same
// group and member.
func (s *TokenStore) Save(token *MemberToken) error {
	data, err := codec.Marshal(token)
	if err != nil {
		return fmt.Errorf("membership: encoding token: %w", err)
	}
	key := tokenKey(token.GroupID, token.MemberPeerID)
	if err := s.store.Put(key, data); err != nil {
		return fmt.Errorf("membership: saving token: %w", err)
	}
	s.mu.Lock()
	delete(s.failures, key)
	s.mu.Unlock()
	return nil
}

// Load returns the stored token for peer in groupID. A missing or
// corrupt token yields (nil, nil); corrupt tokens are logged and
// deleted.
func (s *TokenStore) Load(groupID string, peer identity.PeerID) (*MemberToken, error) {
	key := tokenKey(groupID, peer)
	data, err := s.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("membership: loading token: %w", err)
	}
	var token MemberToken
	if err := codec.Unmarshal(data, &token); err != nil {
		s.logger.Warn("discarding corrupt member token", "group", groupID, "peer", peer, "error", err)
		s.store.Delete(key)
		return nil, nil
	}
	return &token, nil
}

// RecordFailure notes a failed verification of the stored token for
// peer in groupID. It reports whether the token was discarded because
// the failure count reached MaxVerificationFailures.
func (s *TokenStore) RecordFailure(groupID string, peer identity.PeerID) (bool, error) {
	key := tokenKey(groupID, peer)
	s.mu.Lock()
	s.failures[key]++
	count := s.failures[key]
	if count >= MaxVerificationFailures {
		delete(s.failures, key)
	}
	s.mu.Unlock()

	if count < MaxVerificationFailures {
		return false, nil
	}
	s.logger.Warn("discarding member token after repeated verification failures",
		"group", groupID, "peer", peer, "failures", count)
	if err := s.store.Delete(key); err != nil {
		return true, fmt.Errorf("membership: deleting token: %w", err)
	}
	return true, nil
}

// RecordSuccess clears the failure count for peer in groupID.
func (s *TokenStore) RecordSuccess(groupID string, peer identity.PeerID) {
	s.mu.Lock()
	delete(s.failures, tokenKey(groupID, peer))
	s.mu.Unlock()
}

// Delete removes the stored token for peer in groupID.
func (s *TokenStore) Delete(groupID string, peer identity.PeerID) error {
	return s.store.Delete(tokenKey(groupID, peer))
}

// DeleteGroup removes every stored token for groupID.
func (s *TokenStore) DeleteGroup(groupID string) error {
	keys, err := s.store.List(storage.Key("token", groupID) + "/")
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		errs = append(errs, s.store.Delete(key))
	}
	return errors.Join(errs...)
}

// Prune deletes every expired or unreadable token and returns the
// number removed.
func (s *TokenStore) Prune(now time.Time) (int, error) {
	keys, err := s.store.List("token/")
	if err != nil {
		return 0, fmt.Errorf("membership: listing tokens: %w", err)
	}
	removed := 0
	for _, key := range keys {
		data, err := s.store.Get(key)
		if err != nil {
			continue
		}
		var token MemberToken
		if err := codec.Unmarshal(data, &token); err == nil && !token.Expired(now) {
			continue
		}
		if err := s.store.Delete(key); err != nil {
			return removed, fmt.Errorf("membership: deleting %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("pruned member tokens", "removed", removed)
	}
	return removed, nil
}
