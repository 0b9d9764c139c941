// Package cache is the ephemeral secondary read path: an append-ordered,
// TTL-bounded list of serialized points per session key, backed by Redis.
//
// Every operation is best-effort. A missing entry is a normal state, and a
// backend fault degrades to an absent result or a silent no-op behind a log
// line. Durability never depends on this package.
package cache

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/internal/logging"
)

type Config struct {
	Addr      string        `koanf:"addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	TLSEn     bool          `koanf:"tls_enabled"`
	TTL       time.Duration `koanf:"ttl"`
	KeyPrefix string        `koanf:"key_prefix"`
}

// commands is the slice of redis.Cmdable the session store uses. Tests
// substitute a fake.
type commands interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Session struct {
	cmd    commands
	client *redis.Client
	log    *slog.Logger
	ttl    time.Duration
	prefix string
}

// New builds the session cache. An empty addr disables the cache entirely:
// every operation becomes a no-op and the durable path is unaffected.
func New(cfg Config) *Session {
	s := &Session{log: logging.Named("session-cache"), ttl: cfg.TTL, prefix: cfg.KeyPrefix}
	if cfg.Addr == "" {
		s.log.Info("disabled: no addr configured")
		return s
	}
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.TLSEn {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	s.client = redis.NewClient(opts)
	s.cmd = s.client
	return s
}

func newWithCommands(cmd commands, cfg Config) *Session {
	return &Session{cmd: cmd, log: logging.Named("session-cache"), ttl: cfg.TTL, prefix: cfg.KeyPrefix}
}

func (s *Session) Enabled() bool { return s.cmd != nil }

func (s *Session) key(sessionKey string) string { return s.prefix + sessionKey }

// Append pushes serialized points onto the session's list and refreshes the
// TTL, creating the entry if absent. Faults are logged and swallowed.
func (s *Session) Append(ctx context.Context, sessionKey string, points [][]byte) {
	if !s.Enabled() || sessionKey == "" || len(points) == 0 {
		return
	}
	key := s.key(sessionKey)
	vals := make([]interface{}, len(points))
	for i, p := range points {
		vals[i] = p
	}
	if err := s.cmd.RPush(ctx, key, vals...).Err(); err != nil {
		s.log.Warn("append failed", "key", key, "err", err)
		return
	}
	if err := s.cmd.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.log.Warn("ttl refresh failed", "key", key, "err", err)
	}
}

// Read returns the session's points in append order. The second return is
// false when the entry is absent, expired, or the backend is unreachable.
func (s *Session) Read(ctx context.Context, sessionKey string) ([][]byte, bool) {
	if !s.Enabled() {
		return nil, false
	}
	key := s.key(sessionKey)
	raw, err := s.cmd.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		s.log.Warn("read failed", "key", key, "err", err)
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		out[i] = []byte(v)
	}
	return out, true
}

func (s *Session) Count(ctx context.Context, sessionKey string) int64 {
	if !s.Enabled() {
		return 0
	}
	key := s.key(sessionKey)
	n, err := s.cmd.LLen(ctx, key).Result()
	if err != nil {
		s.log.Warn("count failed", "key", key, "err", err)
		return 0
	}
	return n
}

func (s *Session) Delete(ctx context.Context, sessionKey string) {
	if !s.Enabled() {
		return
	}
	key := s.key(sessionKey)
	if err := s.cmd.Del(ctx, key).Err(); err != nil {
		s.log.Warn("delete failed", "key", key, "err", err)
	}
}

func (s *Session) SetExpiration(ctx context.Context, sessionKey string, d time.Duration) {
	if !s.Enabled() {
		return
	}
	key := s.key(sessionKey)
	if err := s.cmd.Expire(ctx, key, d).Err(); err != nil {
		s.log.Warn("expire failed", "key", key, "err", err)
	}
}

func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
