package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL   = 45 * time.Second
	leadershipRetryDelay   = time.Second
	renewalTimeout         = 5 * time.Second
	minRenewalInterval     = time.Second
	defaultRenewalFraction = 3
)

var errLockLost = errors.New("jobs: leader lock lost")

// Locker runs a function while holding a named lock.
type Locker interface {
	// RunWithLeader blocks until ctx is done. Whenever the lock is held
	// it calls run with a context that ends when the lock is lost.
	RunWithLeader(ctx context.Context, key string, run func(context.Context)) error
}

// LocalLocker is the Locker of a single instance: it is always leader.
type LocalLocker struct{}

func (LocalLocker) RunWithLeader(ctx context.Context, _ string, run func(context.Context)) error {
	run(ctx)
	return ctx.Err()
}

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RedisLocker elects one leader among the instances sharing a Redis
// server. The lock is a key set with SET NX and a TTL that the leader
// renews while it runs.
type RedisLocker struct {
	Client redis.UniversalClient
	TTL    time.Duration
	Logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{Client: client, TTL: DefaultLeadershipTTL, Logger: logger}
}

func (l *RedisLocker) RunWithLeader(ctx context.Context, key string, run func(context.Context)) error {
	if run == nil {
		return errors.New("jobs: leader run function cannot be nil")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		session, err := l.acquire(ctx, key, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.Logger.Warn("leader lock: failed to acquire", "key", key, "error", err)
			if !sleep(ctx, leadershipRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		l.Logger.Debug("leader lock: acquired", "key", key)
		run(session.ctx)
		session.Close()
		l.Logger.Debug("leader lock: released", "key", key)

		if !sleep(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

type leaderSession struct {
	client    redis.UniversalClient
	logger    *slog.Logger
	key       string
	value     string
	ttl       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

func (l *RedisLocker) acquire(ctx context.Context, key string, ttl time.Duration) (*leaderSession, error) {
	value := generateLeaderID()

	for {
		ok, err := l.Client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.Logger.Warn("leader lock: setnx failed", "key", key, "error", err)
		} else if ok {
			sessionCtx, cancel := context.WithCancel(ctx)
			s := &leaderSession{
				client:    l.Client,
				logger:    l.Logger,
				key:       key,
				value:     value,
				ttl:       ttl,
				ctx:       sessionCtx,
				cancel:    cancel,
				stopRenew: make(chan struct{}),
			}
			go s.renewLoop()
			return s, nil
		}

		if !sleep(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (s *leaderSession) Close() {
	s.closeOnce.Do(func() {
		close(s.stopRenew)
		s.cancel()
		if err := s.release(); err != nil {
			s.logger.Warn("leader lock: release failed", "key", s.key, "error", err)
		}
	})
}

func (s *leaderSession) renewLoop() {
	interval := max(s.ttl/defaultRenewalFraction, minRenewalInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopRenew:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.renew(); err != nil {
				s.logger.Warn("leader lock: renewal failed", "key", s.key, "error", err)
				s.cancel()
				return
			}
		}
	}
}

func (s *leaderSession) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, s.client, []string{s.key}, s.value, s.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errLockLost
	}
	return nil
}

func (s *leaderSession) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, s.client, []string{s.key}, s.value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func generateLeaderID() string {
	host, _ := os.Hostname()
	counter := leaderCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
