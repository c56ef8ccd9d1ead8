// ABOUTME: Redis implementation of the session Store using go-redis and CBOR encoding
// ABOUTME: The lease is a SET NX key with owner-checked extend and release scripts

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// extendLease refreshes the TTL only when the caller still owns the key.
var extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseLease deletes the key only when the caller owns it.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// sessionEncoding keeps sub-second precision on PairedAt.
var sessionEncoding = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client     *redis.Client
	sessionKey string
	leaseKey   string
	logger     *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "concierge:gateway:"
	}
	return &RedisStore{
		client:     rdb,
		sessionKey: prefix + "session",
		leaseKey:   prefix + "lease",
		logger:     slog.Default().With("component", "session-store", "backend", "redis"),
	}, nil
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess Session
	if err := cbor.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, sess *Session) error {
	if err := validate(sess); err != nil {
		return err
	}
	data, err := sessionEncoding.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey, data, 0).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	r.logger.Info("session saved", "account_id", sess.AccountID)
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.sessionKey).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Acquire implements Store.
func (r *RedisStore) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, r.leaseKey, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquiring lease: %w", err)
	}
	if ok {
		return nil
	}
	n, err := extendLease.Run(ctx, r.client, []string{r.leaseKey}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	if n == 0 {
		return ErrLocked
	}
	return nil
}

// Release implements Store.
func (r *RedisStore) Release(ctx context.Context, owner string) error {
	if err := releaseLease.Run(ctx, r.client, []string{r.leaseKey}, owner).Err(); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
