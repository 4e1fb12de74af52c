package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
	"github.com/tally-io/tally/internal/logging"
)

const (
	defaultProfileCacheInitialBackoff = 100 * time.Millisecond
	defaultProfileCacheMaxBackoff     = 30 * time.Second
	defaultProfileCacheBackoffFactor  = 2.0
)

// ProfileCache caches profiles read through a ProfileStore. Entries are
// dropped when the datastore reports a change to the profile key, and all
// entries are dropped while the notification stream is down.
type ProfileCache struct {
	profiles *ProfileStore
	store    datastore.Store

	mu      sync.RWMutex
	entries map[string]Profile
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
}

// ProfileCacheOption configures a ProfileCache.
type ProfileCacheOption func(*ProfileCache)

// WithProfileBackoff configures the watch loop reconnect backoff.
func WithProfileBackoff(initial, max time.Duration, factor float64) ProfileCacheOption {
	return func(c *ProfileCache) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
		if factor > 1.0 {
			c.backoffFactor = factor
		}
	}
}

// NewProfileCache starts watching store for profile changes. Call Close when
// done.
func NewProfileCache(profiles *ProfileStore, store datastore.Store, opts ...ProfileCacheOption) *ProfileCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &ProfileCache{
		profiles:       profiles,
		store:          store,
		entries:        make(map[string]Profile),
		ctx:            ctx,
		cancel:         cancel,
		initialBackoff: defaultProfileCacheInitialBackoff,
		maxBackoff:     defaultProfileCacheMaxBackoff,
		backoffFactor:  defaultProfileCacheBackoffFactor,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.watch()
	return c
}

// Get returns a profile, reading through to the store on a miss.
func (c *ProfileCache) Get(ctx context.Context, userID string) (Profile, error) {
	c.mu.RLock()
	p, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.profiles.Get(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	c.mu.Lock()
	if !c.closed {
		c.entries[userID] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Alias returns the user's alias, or "" when the user has no profile or the
// lookup fails.
func (c *ProfileCache) Alias(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	p, err := c.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			logging.FromCtx(ctx, nil).Debugf("alias lookup failed", map[string]any{
				"userId": userID,
				"error":  err.Error(),
			})
		}
		return ""
	}
	return p.Alias
}

func (c *ProfileCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *ProfileCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Profile)
}

func (c *ProfileCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ProfileCache) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
	})
	c.wg.Wait()
	return nil
}

func (c *ProfileCache) watch() {
	defer c.wg.Done()

	logger := logging.Global().With(map[string]any{"component": "profile_cache"})
	backoff := c.initialBackoff

	for c.ctx.Err() == nil {
		stream, err := c.store.Notifications(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Warnf("notification stream connection failed", map[string]any{
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
			c.InvalidateAll()
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*c.backoffFactor), c.maxBackoff)
			continue
		}
		backoff = c.initialBackoff

		err = c.consume(stream)
		_ = stream.Close()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("notification stream disconnected", map[string]any{"error": err.Error()})
		}
		c.InvalidateAll()
	}
}

func (c *ProfileCache) consume(stream datastore.NotificationStream) error {
	for {
		n, err := stream.Next(c.ctx)
		if err != nil {
			return err
		}
		if userID, ok := strings.CutPrefix(n.Key, keys.ProfilesPrefix+"/"); ok && userID != "" {
			c.Invalidate(userID)
		}
	}
}
