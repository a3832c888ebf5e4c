// Package hosts maps managed host names to the base endpoint of the agent
// running on them.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
)

var (
	// ErrUnknownHost is returned when a host name cannot be resolved.
	ErrUnknownHost = errors.New("unknown managed host")

	// ErrInvalidEndpoint is returned for endpoints that are not ws/wss (or
	// http/https) URLs with a host.
	ErrInvalidEndpoint = errors.New("invalid agent endpoint")
)

// Resolver maps a managed host name to a reachable base endpoint.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*url.URL, error)
}

// ParseEndpoint parses an agent base endpoint. http and https schemes are
// mapped to ws and wss.
func ParseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %w", raw, ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%q: unsupported scheme: %w", raw, ErrInvalidEndpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q: missing host: %w", raw, ErrInvalidEndpoint)
	}
	return u, nil
}

// Static resolves names from a fixed map.
type Static map[string]*url.URL

// NewStatic parses every endpoint in m.
func NewStatic(m map[string]string) (Static, error) {
	s := Static{}
	for name, raw := range m {
		u, err := ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", name, err)
		}
		s[name] = u
	}
	return s, nil
}

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, name string) (*url.URL, error) {
	u, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownHost)
	}
	c := *u
	return &c, nil
}

// Cached wraps a Resolver and caches successful lookups for a fixed TTL.
type Cached struct {
	next  Resolver
	cache *ttlcache.Cache[string, *url.URL]
}

// NewCached returns a Cached resolver. Call Stop to release the cache's
// cleanup goroutine.
func NewCached(next Resolver, ttl time.Duration) *Cached {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *url.URL](ttl),
		ttlcache.WithDisableTouchOnHit[string, *url.URL](),
	)
	go cache.Start()
	return &Cached{next: next, cache: cache}
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, name string) (*url.URL, error) {
	if item := c.cache.Get(name); item != nil {
		u := *item.Value()
		return &u, nil
	}
	u, err := c.next.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	log.Debug("resolved managed host", "name", name, "endpoint", u)
	cached := *u
	c.cache.Set(name, &cached, ttlcache.DefaultTTL)
	return u, nil
}

// Invalidate drops a cached lookup.
func (c *Cached) Invalidate(name string) {
	c.cache.Delete(name)
}

// Stop stops the cache's cleanup goroutine.
func (c *Cached) Stop() {
	c.cache.Stop()
}

// Chain tries each resolver in order. A resolver reporting ErrUnknownHost
// passes the name on to the next one; any other error stops the lookup.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name string) (*url.URL, error) {
	for _, r := range c {
		u, err := r.Resolve(ctx, name)
		if errors.Is(err, ErrUnknownHost) {
			continue
		}
		return u, err
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownHost)
}
