package core

import (
	"sync"
	"time"
)

// tokenAwaitWindow is how long an in-band token request waits for the user
// to confirm over IRC before a new request is accepted.
const tokenAwaitWindow = 60 * time.Second

// TokenManager tracks the token exchange state per online session: at most
// one pending confirmation and at most one issued token per name. Tokens are
// dropped when the session disconnects.
type TokenManager struct {
	mu      sync.Mutex
	pending map[string]time.Time // fold(name) -> await deadline
	issued  map[string]string    // fold(name) -> token
}

// NewTokenManager builds an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		pending: make(map[string]time.Time),
		issued:  make(map[string]string),
	}
}

// BeginRequest marks a token request as awaiting IRC confirmation. Returns
// false while a previous request is still within its window.
func (tm *TokenManager) BeginRequest(name string, now time.Time) bool {
	key := Fold(name)
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if deadline, ok := tm.pending[key]; ok && now.Before(deadline) {
		return false
	}
	tm.pending[key] = now.Add(tokenAwaitWindow)
	return true
}

// ClearRequest drops the pending confirmation flag.
func (tm *TokenManager) ClearRequest(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.pending, Fold(name))
}

// Issue remembers the token assigned to a session.
func (tm *TokenManager) Issue(name, token string) {
	key := Fold(name)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.pending, key)
	tm.issued[key] = token
}

// Issued reports whether the session already holds a token.
func (tm *TokenManager) Issued(name string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.issued[Fold(name)]
	return ok
}

// Token returns the token issued to the session, if any.
func (tm *TokenManager) Token(name string) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	token, ok := tm.issued[Fold(name)]
	return token, ok
}

// Drop forgets all token state for a session, called on disconnect.
func (tm *TokenManager) Drop(name string) {
	key := Fold(name)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.pending, key)
	delete(tm.issued, key)
}
