package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tempo/pkg/types"
)

// DefaultTokenTTL is how long a login token stays valid.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrTokenUnknown = errors.New("unknown token")
	ErrTokenExpired = errors.New("token expired")
)

// SessionToken is one issued bearer token bound to a user.
type SessionToken struct {
	Token     string
	UserID    types.ID
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is past its deadline.
func (st *SessionToken) Expired() bool {
	return time.Now().After(st.ExpiresAt)
}

// TokenManager tracks the active login token per user. A user holds
// at most one live token: logging in again invalidates the previous
// session. Expired tokens are purged lazily on lookup, so there is no
// background sweep to run.
type TokenManager struct {
	mu      sync.Mutex
	byToken map[string]*SessionToken
	byUser  map[types.ID]string
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		byToken: make(map[string]*SessionToken),
		byUser:  make(map[types.ID]string),
	}
}

// Issue mints a bearer token for a user, displacing any token the
// user already held.
func (tm *TokenManager) Issue(userID types.ID, ttl time.Duration) (*SessionToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now()
	st := &SessionToken{
		Token:     hex.EncodeToString(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if prev, ok := tm.byUser[userID]; ok {
		delete(tm.byToken, prev)
	}
	tm.byToken[st.Token] = st
	tm.byUser[userID] = st.Token
	return st, nil
}

// Lookup resolves a bearer token to its session. An expired token is
// removed on the spot and reported as expired.
func (tm *TokenManager) Lookup(token string) (*SessionToken, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	st, ok := tm.byToken[token]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if st.Expired() {
		tm.drop(st)
		return nil, ErrTokenExpired
	}
	return st, nil
}

// Revoke invalidates a token, ending its session.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if st, ok := tm.byToken[token]; ok {
		tm.drop(st)
	}
}

// drop removes a session from both indexes. Caller holds the lock.
func (tm *TokenManager) drop(st *SessionToken) {
	delete(tm.byToken, st.Token)
	if tm.byUser[st.UserID] == st.Token {
		delete(tm.byUser, st.UserID)
	}
}

// ActiveSessions returns the number of live (non-expired) tokens.
func (tm *TokenManager) ActiveSessions() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	n := 0
	for _, st := range tm.byToken {
		if !st.Expired() {
			n++
		}
	}
	return n
}
