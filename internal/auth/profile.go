package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
)

// Profile is the public face of a user.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Alias     string    `json:"alias"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileStore reads and writes profiles.
type ProfileStore struct {
	store datastore.Store
	now   func() time.Time
}

func NewProfileStore(store datastore.Store) *ProfileStore {
	return &ProfileStore{store: store, now: time.Now}
}

func (s *ProfileStore) Get(ctx context.Context, userID string) (Profile, error) {
	res, err := s.store.Get(ctx, keys.ProfileKey(userID))
	if err != nil {
		return Profile{}, fmt.Errorf("auth: get profile: %w", err)
	}
	if !res.Exists {
		return Profile{}, ErrProfileNotFound
	}
	var p Profile
	if err := json.Unmarshal(res.Value, &p); err != nil {
		return Profile{}, fmt.Errorf("auth: decode profile: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) Put(ctx context.Context, p Profile) error {
	if p.ID == "" {
		return errors.New("auth: profile id is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("auth: marshal profile: %w", err)
	}
	if _, err := s.store.Put(ctx, keys.ProfileKey(p.ID), data); err != nil {
		return fmt.Errorf("auth: put profile: %w", err)
	}
	return nil
}

// Ensure returns the user's profile, creating one on first sight. The alias
// defaults to the local part of the email address.
func (s *ProfileStore) Ensure(ctx context.Context, u User) (Profile, error) {
	p, err := s.Get(ctx, u.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return Profile{}, err
	}

	p = Profile{ID: u.ID, Email: u.Email, Alias: DefaultAlias(u), CreatedAt: s.now().UTC()}
	data, err := json.Marshal(p)
	if err != nil {
		return Profile{}, fmt.Errorf("auth: marshal profile: %w", err)
	}
	_, err = s.store.Put(ctx, keys.ProfileKey(u.ID), data, datastore.WithExpectedVersion(0))
	if errors.Is(err, datastore.ErrVersionMismatch) {
		return s.Get(ctx, u.ID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("auth: create profile: %w", err)
	}
	return p, nil
}

// List returns every profile.
func (s *ProfileStore) List(ctx context.Context) ([]Profile, error) {
	kvs, err := s.store.List(ctx, keys.ProfilesPrefix+"/", "", 0)
	if err != nil {
		return nil, fmt.Errorf("auth: list profiles: %w", err)
	}
	out := make([]Profile, 0, len(kvs))
	for _, kv := range kvs {
		var p Profile
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// DefaultAlias derives an alias for a user without a profile.
func DefaultAlias(u User) string {
	if local, _, ok := strings.Cut(u.Email, "@"); ok && local != "" {
		return local
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}
