package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by a Cache when the key is absent.
var ErrCacheMiss = errors.New("dns: cache miss")

// Cache stores encoded lookup answers.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a Cache storing keys under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// DefaultLookupTimeout bounds a shared upstream lookup of a
// CachingResolver.
const DefaultLookupTimeout = 30 * time.Second

// CachingResolver caches TXT and A answers of another Resolver.
// Positive answers are kept for TTL, NXDOMAIN answers for NegativeTTL.
// Temporary failures are never cached. Other lookups pass through.
//
// Concurrent callers share one upstream lookup. It runs detached from the
// caller that started it and is bounded by LookupTimeout, so a cancelled
// caller returns early without failing the others.
type CachingResolver struct {
	Next          Resolver
	Cache         Cache
	TTL           time.Duration
	NegativeTTL   time.Duration
	LookupTimeout time.Duration
	Logger        *slog.Logger

	group singleflight.Group
}

var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver wraps next with cache.
func NewCachingResolver(next Resolver, cache Cache, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{
		Next:          next,
		Cache:         cache,
		TTL:           ttl,
		NegativeTTL:   ttl / 5,
		LookupTimeout: DefaultLookupTimeout,
		Logger:        logger,
	}
}

func (r *CachingResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	e, err := r.cached(ctx, "txt", name, func(ctx context.Context) (Result[string], error) {
		return r.Next.LookupTXT(ctx, name)
	})
	if err != nil {
		return Result[string]{Authentic: e.Authentic}, err
	}
	return Result[string]{Records: e.Records, Authentic: e.Authentic}, nil
}

func (r *CachingResolver) LookupA(ctx context.Context, name string) (Result[net.IP], error) {
	e, err := r.cached(ctx, "a", name, func(ctx context.Context) (Result[string], error) {
		res, err := r.Next.LookupA(ctx, name)
		out := Result[string]{Authentic: res.Authentic}
		for _, ip := range res.Records {
			out.Records = append(out.Records, ip.String())
		}
		return out, err
	})
	if err != nil {
		return Result[net.IP]{Authentic: e.Authentic}, err
	}
	return Result[net.IP]{Records: parseIPs(e.Records), Authentic: e.Authentic}, nil
}

func (r *CachingResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	return r.Next.LookupIP(ctx, name)
}

func (r *CachingResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return r.Next.LookupMX(ctx, name)
}

func (r *CachingResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	return r.Next.LookupAddr(ctx, ip)
}

// cached answers from the cache or runs lookup once for all concurrent
// callers asking for the same key.
func (r *CachingResolver) cached(ctx context.Context, typ, name string, lookup func(context.Context) (Result[string], error)) (cacheEntry, error) {
	key := typ + ":" + ensureAbsolute(name)

	if b, err := r.Cache.Get(ctx, key); err == nil {
		var e cacheEntry
		if _, err := e.UnmarshalMsg(b); err == nil {
			if e.NotFound {
				return e, ErrDNSNotFound
			}
			return e, nil
		}
		r.Logger.Debug("dns cache: dropping undecodable entry", "key", key)
	} else if !errors.Is(err, ErrCacheMiss) {
		r.Logger.Warn("dns cache: get failed", "key", key, "error", err)
	}

	ch := r.group.DoChan(key, func() (any, error) {
		timeout := r.LookupTimeout
		if timeout <= 0 {
			timeout = DefaultLookupTimeout
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		res, err := lookup(ctx)
		e := cacheEntry{Records: res.Records, Authentic: res.Authentic}
		switch {
		case err == nil:
			r.store(ctx, key, e, r.TTL)
		case IsNotFound(err):
			e.NotFound = true
			r.store(ctx, key, e, r.NegativeTTL)
		}
		return e, err
	})
	select {
	case <-ctx.Done():
		return cacheEntry{}, ctx.Err()
	case res := <-ch:
		e, _ := res.Val.(cacheEntry)
		return e, res.Err
	}
}

func (r *CachingResolver) store(ctx context.Context, key string, e cacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := e.MarshalMsg(nil)
	if err != nil {
		r.Logger.Warn("dns cache: encode failed", "key", key, "error", err)
		return
	}
	if err := r.Cache.Set(ctx, key, b, ttl); err != nil {
		r.Logger.Warn("dns cache: set failed", "key", key, "error", err)
	}
}
