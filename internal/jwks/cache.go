package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway-go/storage"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultTTL is how long a fetched key set is trusted before re-fetching.
	DefaultTTL = time.Hour
	// DefaultRefreshInterval is the minimum spacing between re-fetches
	// forced by unknown key ids.
	DefaultRefreshInterval = 5 * time.Minute

	defaultFetchTimeout = 10 * time.Second
	maxDocumentBytes    = 1 << 20
)

// Cache is a Resolver backed by a remote key-set endpoint. The parsed set is
// held in memory for the TTL; an optional storage.Store shares the raw
// document with other processes.
type Cache struct {
	url    string
	client *http.Client
	ttl    time.Duration
	store  storage.Store
	log    *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	set       *KeySet
	fetchedAt time.Time

	group   singleflight.Group
	refresh *rate.Limiter
}

// errRefreshLimited means a forced re-fetch was skipped because another one
// ran within the refresh interval.
var errRefreshLimited = errors.New("jwks: forced refresh rate limited")

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient overrides the client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Cache) {
		if c != nil {
			k.client = c
		}
	}
}

// WithTTL sets the freshness window. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(k *Cache) {
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

// WithRefreshInterval sets the minimum spacing between re-fetches forced by
// unknown key ids. A miss inside the window fails without a fetch.
// Non-positive values keep the default.
func WithRefreshInterval(d time.Duration) Option {
	return func(k *Cache) {
		if d > 0 {
			k.refresh = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithStore shares fetched documents through s.
func WithStore(s storage.Store) Option {
	return func(k *Cache) { k.store = s }
}

// WithLogger sets the logger used for fetch events.
func WithLogger(l *slog.Logger) Option {
	return func(k *Cache) {
		if l != nil {
			k.log = l
		}
	}
}

// NewCache creates a cache for the key set published at url. Nothing is
// fetched until the first Resolve.
func NewCache(url string, opts ...Option) *Cache {
	c := &Cache{
		url:    url,
		client: &http.Client{Timeout: defaultFetchTimeout},
		ttl:    DefaultTTL,
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,

		refresh: rate.NewLimiter(rate.Every(DefaultRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the key for kid. A miss triggers one forced re-fetch
// unless the set was downloaded by this same call, so rotated keys are picked
// up even when the set came from memory or the shared store. Forced re-fetches
// are spaced by the refresh interval; fetch failures are never papered over
// with a stale set.
func (c *Cache) Resolve(ctx context.Context, kid string) (any, error) {
	set, fresh := c.cached(), false
	if set == nil {
		res, err := c.fetch(ctx, false)
		if err != nil {
			return nil, err
		}
		set, fresh = res.set, res.downloaded
	}

	key, err := set.Lookup(kid)
	if err == nil || fresh {
		return key, err
	}

	c.log.DebugContext(ctx, "jwks.refresh.kid_miss", slog.String("kid", kid))
	res, ferr := c.fetch(ctx, true)
	if errors.Is(ferr, errRefreshLimited) {
		c.log.DebugContext(ctx, "jwks.refresh.limited", slog.String("kid", kid))
		return nil, err
	}
	if ferr != nil {
		return nil, ferr
	}
	return res.set.Lookup(kid)
}

// cached returns the in-memory set while it is within its TTL.
func (c *Cache) cached() *KeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil
	}
	return c.set
}

// Invalidate drops the in-memory set.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.mu.Unlock()
}

type fetchResult struct {
	set        *KeySet
	downloaded bool // false when the set came from the shared store
}

// fetch collapses concurrent callers onto a single retrieval. The retrieval
// runs on a context detached from any one caller so a cancelled request does
// not fail its peers.
func (c *Cache) fetch(ctx context.Context, force bool) (fetchResult, error) {
	key := c.url
	if force {
		key = "force:" + c.url
	}
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFetchTimeout)
		defer cancel()
		return c.load(fctx, force)
	})

	select {
	case <-ctx.Done():
		return fetchResult{}, fmt.Errorf("%w: %v", ErrFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return fetchResult{}, res.Err
		}
		return res.Val.(fetchResult), nil
	}
}

func (c *Cache) load(ctx context.Context, force bool) (fetchResult, error) {
	if force && !c.refresh.AllowN(c.now(), 1) {
		return fetchResult{}, errRefreshLimited
	}
	if !force && c.store != nil {
		if set, at, ok := c.loadShared(ctx); ok {
			c.install(set, at)
			return fetchResult{set: set}, nil
		}
	}

	body, err := c.download(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("url", c.url), slog.String("err", err.Error()))
		return fetchResult{}, err
	}
	set, err := ParseKeySet(body)
	if err != nil {
		c.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("url", c.url), slog.String("err", err.Error()))
		return fetchResult{}, err
	}

	now := c.now()
	c.install(set, now)
	c.log.InfoContext(ctx, "jwks.fetch.ok", slog.String("url", c.url), slog.Int("keys", set.Len()), slog.Bool("forced", force))

	if c.store != nil {
		if err := c.store.Set(ctx, c.url, body, storage.WithTTL(c.ttl)); err != nil {
			c.log.WarnContext(ctx, "jwks.store.set.fail", slog.String("err", err.Error()))
		}
	}
	return fetchResult{set: set, downloaded: true}, nil
}

func (c *Cache) loadShared(ctx context.Context) (*KeySet, time.Time, bool) {
	item, err := c.store.Get(ctx, c.url)
	if err != nil {
		c.log.WarnContext(ctx, "jwks.store.get.fail", slog.String("err", err.Error()))
		return nil, time.Time{}, false
	}
	if item == nil {
		return nil, time.Time{}, false
	}
	set, err := ParseKeySet(item.Data)
	if err != nil {
		_ = c.store.Delete(ctx, c.url)
		return nil, time.Time{}, false
	}
	c.log.DebugContext(ctx, "jwks.store.hit", slog.Int("keys", set.Len()))
	return set, item.CreatedAt, true
}

func (c *Cache) install(set *KeySet, at time.Time) {
	c.mu.Lock()
	c.set = set
	c.fetchedAt = at
	c.mu.Unlock()
}

func (c *Cache) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	return body, nil
}

var _ Resolver = (*Cache)(nil)
