// Package redislock implements lock.Locker on Redis so several engine
// processes can share one record store.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rezonia/nfse-submitter/internal/lock"
)

const (
	keyPrefix = "nfse:lock:"

	DefaultTTL          = 2 * time.Minute
	DefaultRetryBackoff = 50 * time.Millisecond
)

// ErrLeaseLost is returned by Release when the key expired or was taken over
var ErrLeaseLost = errors.New("redis lease lost")

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the key still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires keys with SET NX PX and a random token
type Locker struct {
	client  redis.UniversalClient
	ttl     time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

var _ lock.Locker = (*Locker)(nil)

// Option configures a Locker
type Option func(*Locker)

// WithTTL sets the lease TTL. Held leases are refreshed every TTL/3.
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		l.ttl = d
	}
}

// WithRetryBackoff sets the wait between acquisition attempts
func WithRetryBackoff(d time.Duration) Option {
	return func(l *Locker) {
		l.backoff = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

// New creates a Redis locker
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:  client,
		ttl:     DefaultTTL,
		backoff: DefaultRetryBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Connect parses a redis:// URL and pings the server
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Acquire implements lock.Locker
func (l *Locker) Acquire(ctx context.Context, key string) (lock.Lease, error) {
	rkey := keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, lock.NotAcquired(key, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return l.newLease(rkey, token), nil
		}

		timer := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lock.NotAcquired(key, ctx.Err())
		case <-timer.C:
		}
	}
}

type lease struct {
	l     *Locker
	key   string
	token string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (l *Locker) newLease(key, token string) *lease {
	ls := &lease{
		l:     l,
		key:   key,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go ls.keepAlive()
	return ls
}

func (ls *lease) keepAlive() {
	defer close(ls.done)
	ticker := time.NewTicker(ls.l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ls.l.ttl/3)
			n, err := extendScript.Run(ctx, ls.l.client, []string{ls.key}, ls.token, ls.l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				ls.l.logger.Warn("lock refresh failed", "key", ls.key, "error", err)
				continue
			}
			if n == 0 {
				ls.l.logger.Error("lock lost before release", "key", ls.key)
				return
			}
		}
	}
}

// Release stops the refresher and deletes the key if we still own it
func (ls *lease) Release(ctx context.Context) error {
	var err error
	ls.once.Do(func() {
		close(ls.stop)
		<-ls.done
		n, runErr := releaseScript.Run(ctx, ls.l.client, []string{ls.key}, ls.token).Int()
		switch {
		case runErr != nil:
			err = fmt.Errorf("release %s: %w", ls.key, runErr)
		case n == 0:
			err = fmt.Errorf("release %s: %w", ls.key, ErrLeaseLost)
		}
	})
	return err
}
