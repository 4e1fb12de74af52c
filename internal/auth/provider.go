package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
)

// StaticProvider resolves a fixed set of tokens, typically from config.
type StaticProvider struct {
	mu     sync.RWMutex
	tokens map[string]User
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{tokens: make(map[string]User)}
}

// LoadFromString loads entries of the form "token:userID:email" separated by
// commas. The email part is optional. Malformed entries are skipped.
func (p *StaticProvider) LoadFromString(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range strings.Split(data, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		u := User{ID: parts[1]}
		if len(parts) == 3 {
			u.Email = parts[2]
		}
		p.tokens[parts[0]] = u
	}
}

func (p *StaticProvider) Add(token string, u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = u
}

func (p *StaticProvider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}

func (p *StaticProvider) Authenticate(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for known, u := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			out := u
			return &out, nil
		}
	}
	return nil, ErrInvalidToken
}

type tokenRecord struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenProvider resolves tokens persisted in the datastore.
type TokenProvider struct {
	store datastore.Store
	now   func() time.Time
}

func NewTokenProvider(store datastore.Store) *TokenProvider {
	return &TokenProvider{store: store, now: time.Now}
}

// Issue creates a new token for u.
func (p *TokenProvider) Issue(ctx context.Context, u User) (string, error) {
	if u.ID == "" {
		return "", errors.New("auth: user id is required")
	}
	token := uuid.NewString()
	data, err := json.Marshal(tokenRecord{UserID: u.ID, Email: u.Email, CreatedAt: p.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("auth: marshal token: %w", err)
	}
	if _, err := p.store.Put(ctx, keys.TokenKey(token), data, datastore.WithExpectedVersion(0)); err != nil {
		return "", fmt.Errorf("auth: store token: %w", err)
	}
	return token, nil
}

// Revoke deletes a token. Unknown tokens are ignored.
func (p *TokenProvider) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return p.store.Delete(ctx, keys.TokenKey(token))
}

func (p *TokenProvider) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, nil
	}
	if strings.Contains(token, "/") {
		return nil, ErrInvalidToken
	}
	res, err := p.store.Get(ctx, keys.TokenKey(token))
	if err != nil {
		return nil, fmt.Errorf("auth: lookup token: %w", err)
	}
	if !res.Exists {
		return nil, ErrInvalidToken
	}
	var rec tokenRecord
	if err := json.Unmarshal(res.Value, &rec); err != nil {
		return nil, fmt.Errorf("auth: decode token: %w", err)
	}
	return &User{ID: rec.UserID, Email: rec.Email}, nil
}

// ChainProvider tries each provider in turn and returns the first user found.
type ChainProvider []Provider

func (c ChainProvider) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, nil
	}
	for _, p := range c {
		u, err := p.Authenticate(ctx, token)
		if errors.Is(err, ErrInvalidToken) {
			continue
		}
		if err != nil || u != nil {
			return u, err
		}
	}
	return nil, ErrInvalidToken
}

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*TokenProvider)(nil)
	_ Provider = ChainProvider(nil)
)
