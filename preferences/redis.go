package preferences

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gaborage/go-bricks-datalayer/logger"
)

const (
	defaultRedisHash    = "preferences"
	defaultRedisTimeout = 3 * time.Second
	originSeparator     = "|"
)

// RedisConfig holds Redis backend options.
type RedisConfig struct {
	// Addr is the Redis server address in "host:port" format.
	Addr     string
	Password string //nolint:gosec // G117 - loaded from env
	DB       int

	// Hash is the Redis hash that holds every preference (default "preferences").
	Hash string

	// Timeout bounds each Redis command (default 3s).
	Timeout time.Duration
}

// Validate performs fail-fast validation of the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("preferences: redis address is required")
	}
	if c.DB < 0 || c.DB > 15 {
		return fmt.Errorf("preferences: invalid redis database number: %d (must be 0-15)", c.DB)
	}
	return nil
}

// RedisBackend stores preferences in a Redis hash and publishes every change on
// a channel named after the hash. Each backend tags its messages with a random
// origin id so it can ignore its own echoes.
type RedisBackend struct {
	client  *redis.Client
	hash    string
	channel string
	origin  string
	timeout time.Duration
	log     logger.Logger
	closed  atomic.Bool

	mu     sync.Mutex
	pubsub *redis.PubSub
	subs   map[uint64]func(key string)
	nextID uint64
	done   chan struct{}
}

// NewRedisBackend connects to Redis and verifies the connection with PING.
func NewRedisBackend(cfg RedisConfig, log logger.Logger) (*RedisBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Hash == "" {
		cfg.Hash = defaultRedisHash
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("preferences: ping redis %s: %w", cfg.Addr, err)
	}

	return &RedisBackend{
		client:  client,
		hash:    cfg.Hash,
		channel: cfg.Hash + ":changes",
		origin:  uuid.NewString(),
		timeout: cfg.Timeout,
		log:     logger.OrNop(log).Component("preferences.redis"),
		subs:    make(map[uint64]func(key string)),
	}, nil
}

func (b *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

// Load implements Backend.
func (b *RedisBackend) Load(key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := b.ctx()
	defer cancel()

	v, err := b.client.HGet(ctx, b.hash, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, nil
}

// Store writes the field and announces the change in one transaction.
func (b *RedisBackend) Store(key string, value []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := b.ctx()
	defer cancel()

	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.hash, key, value)
		p.Publish(ctx, b.channel, b.origin+originSeparator+key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := b.ctx()
	defer cancel()

	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, b.hash, key)
		p.Publish(ctx, b.channel, b.origin+originSeparator+key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// Keys implements Backend.
func (b *RedisBackend) Keys(prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := b.ctx()
	defer cancel()

	all, err := b.client.HKeys(ctx, b.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	keys := all[:0]
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch subscribes to the change channel on first use.
func (b *RedisBackend) Watch(fn func(key string)) (func(), error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil {
		ctx, cancel := b.ctx()
		defer cancel()
		ps := b.client.Subscribe(ctx, b.channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
		}
		b.pubsub = ps
		b.done = make(chan struct{})
		go b.loop(ps.Channel(), b.done)
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// Close is idempotent.
func (b *RedisBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if ps != nil {
		if err := ps.Close(); err != nil {
			b.log.Debug().Err(err).Msg("failed to close redis subscription")
		}
		<-done
	}
	return b.client.Close()
}

func (b *RedisBackend) loop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		origin, key, ok := strings.Cut(msg.Payload, originSeparator)
		if !ok || origin == b.origin {
			continue
		}
		b.mu.Lock()
		subs := make([]func(string), 0, len(b.subs))
		for _, fn := range b.subs {
			subs = append(subs, fn)
		}
		b.mu.Unlock()

		for _, fn := range subs {
			fn(key)
		}
	}
}
