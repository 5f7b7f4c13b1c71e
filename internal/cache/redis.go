// Package cache keeps chain correlation state in Redis so it survives
// eviction and restarts.
package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for a missing or expired key.
var ErrKeyNotFound = errors.New("cache: key not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cache: client closed")

// Client is the subset of Redis commands the state backend uses.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`           // Redis server address (host:port)
	Password     string        `yaml:"password"`       // Password for authentication
	DB           int           `yaml:"db"`             // Database number
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retry attempts
	TLSEnabled   bool          `yaml:"tls_enabled"`    // Enable TLS
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   2,
	}
}

// GoRedisClient wraps the go-redis client to implement Client.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient creates a new Redis client and pings it.
func NewGoRedisClient(ctx context.Context, cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	g := &GoRedisClient{client: redis.NewClient(opts)}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := g.Ping(pingCtx); err != nil {
		g.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return g, nil
}

// Set stores a value with TTL.
func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value.
func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return val, nil
}

// SAdd adds members to a set.
func (g *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return g.client.SAdd(ctx, key, toAny(members)...).Err()
}

// SMembers returns all members of a set.
func (g *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

// SRem removes members from a set.
func (g *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return g.client.SRem(ctx, key, toAny(members)...).Err()
}

// Ping checks the connection.
func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

func toAny(members []string) []any {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return vals
}

// MockRedisClient is an in-memory Client for tests.
type MockRedisClient struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]bool
	expiry map[string]time.Time
	closed bool
	now    func() time.Time

	// FailWith, when set, is returned by every command.
	FailWith error
}

// NewMockRedisClient creates a new mock Redis client for testing.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (m *MockRedisClient) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MockRedisClient) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.FailWith
}

// Set stores a value with TTL.
func (m *MockRedisClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	m.data[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Get retrieves a value.
func (m *MockRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(); err != nil {
		return nil, err
	}

	if exp, ok := m.expiry[key]; ok && m.now().After(exp) {
		return nil, ErrKeyNotFound
	}

	val, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// SAdd adds members to a set.
func (m *MockRedisClient) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, member := range members {
		m.sets[key][member] = true
	}
	return nil
}

// SMembers returns all members of a set.
func (m *MockRedisClient) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(); err != nil {
		return nil, err
	}

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

// SRem removes members from a set.
func (m *MockRedisClient) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

// Ping reports whether the mock is open.
func (m *MockRedisClient) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

// Close marks the client as closed.
func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
