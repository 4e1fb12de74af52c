package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
)

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("Bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, UserFromCtx(ctx))

	u := &User{ID: "u1"}
	assert.Same(t, u, UserFromCtx(WithUser(ctx, u)))
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	p := NewStaticProvider()
	p.LoadFromString("t1:u1:a@example.com, t2:u2,broken,:u3,t4:")
	assert.Equal(t, 2, p.Count())

	u, err := p.Authenticate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, &User{ID: "u1", Email: "a@example.com"}, u)

	u, err = p.Authenticate(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)

	u, err = p.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, u)

	_, err = p.Authenticate(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenProvider(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMockStore()
	defer store.Close()
	p := NewTokenProvider(store)

	_, err := p.Issue(ctx, User{})
	assert.Error(t, err)

	token, err := p.Issue(ctx, User{ID: "u1", Email: "a@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	u, err := p.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, &User{ID: "u1", Email: "a@example.com"}, u)

	_, err = p.Authenticate(ctx, "../../metrics/x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, p.Revoke(ctx, token))
	_, err = p.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	store.FailNext("get", keys.TokensPrefix, 1, datastore.ErrUnavailable)
	_, err = p.Authenticate(ctx, "other")
	assert.ErrorIs(t, err, datastore.ErrUnavailable)
}

func TestChainProvider(t *testing.T) {
	ctx := context.Background()
	a := NewStaticProvider()
	a.Add("ta", User{ID: "ua"})
	b := NewStaticProvider()
	b.Add("tb", User{ID: "ub"})
	chain := ChainProvider{a, b}

	u, err := chain.Authenticate(ctx, "tb")
	require.NoError(t, err)
	assert.Equal(t, "ub", u.ID)

	_, err = chain.Authenticate(ctx, "tc")
	assert.ErrorIs(t, err, ErrInvalidToken)

	u, err = chain.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestProfileStoreEnsure(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMockStore()
	defer store.Close()
	profiles := NewProfileStore(store)

	_, err := profiles.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	p, err := profiles.Ensure(ctx, User{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Alias)

	p.Alias = "Al"
	require.NoError(t, profiles.Put(ctx, p))

	again, err := profiles.Ensure(ctx, User{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Al", again.Alias, "existing profile is kept")

	all, err := profiles.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Equal(t, "u9", DefaultAlias(User{ID: "u9"}))
	assert.Equal(t, "bob", DefaultAlias(User{ID: "u9", Email: "bob"}))
}

func TestProfileCacheInvalidatesOnChange(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMockStore()
	defer store.Close()
	profiles := NewProfileStore(store)
	require.NoError(t, profiles.Put(ctx, Profile{ID: "u1", Alias: "first"}))

	cache := NewProfileCache(profiles, store)
	defer cache.Close()

	require.Eventually(t, func() bool { return store.StreamCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "first", cache.Alias(ctx, "u1"))
	assert.Equal(t, 1, cache.Size())

	require.NoError(t, profiles.Put(ctx, Profile{ID: "u1", Alias: "second"}))
	require.Eventually(t, func() bool { return cache.Alias(ctx, "u1") == "second" }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "", cache.Alias(ctx, "missing"))
	assert.Equal(t, "", cache.Alias(ctx, ""))
}

func TestProfileCacheReconnects(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMockStore()
	defer store.Close()
	profiles := NewProfileStore(store)
	require.NoError(t, profiles.Put(ctx, Profile{ID: "u1", Alias: "a"}))

	store.FailNext("notifications", "", 2, errors.New("down"))
	cache := NewProfileCache(profiles, store, WithProfileBackoff(time.Millisecond, 5*time.Millisecond, 2))
	defer cache.Close()

	require.Eventually(t, func() bool { return store.StreamCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "a", cache.Alias(ctx, "u1"))
	store.DisconnectStreams()
	require.Eventually(t, func() bool { return store.StreamCount() == 1 && cache.Size() == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
}
