// Package redis implements coord.Store against Redis for deployments
// without an etcd cluster. Redis has no native lease handles, so a lease
// is a generated token key with a TTL; the leader key is created and
// renewed together with it inside Lua scripts, keeping acquisition and
// renewal atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ycluster/roled/coord"
)

const defaultPrefix = "roled:"

// Options configure the Redis store.
type Options struct {
	Addr           string
	SentinelAddrs  []string
	SentinelMaster string
	Username       string
	Password       string
	DB             int

	// KeyPrefix namespaces the internal lease bookkeeping keys. Data
	// keys (leader keys, drain flags) are used verbatim so external
	// tooling sees the same paths.
	KeyPrefix string
}

// Store implements coord.Store using Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ coord.Store = (*Store)(nil)

// New creates a Redis-backed store. Supports single instance or Sentinel
// via UniversalClient.
func New(opts Options) (*Store, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      addrs(opts),
		MasterName: opts.SentinelMaster,
		Username:   opts.Username,
		Password:   opts.Password,
		DB:         opts.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{
		client: client,
		prefix: prefix,
	}, nil
}

func addrs(opts Options) []string {
	if len(opts.SentinelAddrs) > 0 {
		return opts.SentinelAddrs
	}
	if opts.Addr != "" {
		return []string{opts.Addr}
	}
	return []string{"127.0.0.1:6379"}
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Grant implements coord.Store. The lease is a token key carrying its
// own TTL; it expires on its own if the owner dies before binding or
// revoking it.
func (s *Store) Grant(ctx context.Context, ttl time.Duration) (coord.LeaseID, error) {
	token := uuid.NewString()
	value := fmt.Sprintf("%d|", ttl.Milliseconds())
	if err := s.client.Set(ctx, s.leaseKey(token), value, ttl).Err(); err != nil {
		return "", unavailable(err)
	}
	return coord.LeaseID(token), nil
}

// acquireScript creates the leader key only when it does not exist and
// the lease token is still alive, and records the binding on the lease
// so renewal and revocation cover both keys.
var acquireScript = goredis.NewScript(`
local lease = redis.call("GET", KEYS[2])
if not lease then
	return {-1, ""}
end
local cur = redis.call("GET", KEYS[1])
if cur then
	return {0, cur}
end
local sep = string.find(lease, "|")
local ttl = tonumber(string.sub(lease, 1, sep - 1))
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
redis.call("SET", KEYS[2], string.sub(lease, 1, sep) .. KEYS[1], "PX", ttl)
return {1, ""}
`)

// TryAcquire implements coord.Store.
func (s *Store) TryAcquire(ctx context.Context, key, value string, id coord.LeaseID) (bool, string, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{key, s.leaseKey(string(id))}, value).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, "", unavailable(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, "", fmt.Errorf("unexpected acquire result: %v", res)
	}
	code, _ := arr[0].(int64)
	switch code {
	case 1:
		return true, "", nil
	case 0:
		holder, _ := arr[1].(string)
		return false, holder, nil
	default:
		return false, "", coord.ErrLeaseExpired
	}
}

var keepAliveScript = goredis.NewScript(`
local lease = redis.call("GET", KEYS[1])
if not lease then
	return 0
end
local sep = string.find(lease, "|")
local ttl = tonumber(string.sub(lease, 1, sep - 1))
local bound = string.sub(lease, sep + 1)
redis.call("PEXPIRE", KEYS[1], ttl)
if bound ~= "" then
	redis.call("PEXPIRE", bound, ttl)
end
return 1
`)

// KeepAlive implements coord.Store.
func (s *Store) KeepAlive(ctx context.Context, id coord.LeaseID) error {
	res, err := keepAliveScript.Run(ctx, s.client, []string{s.leaseKey(string(id))}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return unavailable(err)
	}
	if v, ok := res.(int64); ok && v > 0 {
		return nil
	}
	return coord.ErrLeaseExpired
}

var revokeScript = goredis.NewScript(`
local lease = redis.call("GET", KEYS[1])
if not lease then
	return 0
end
local sep = string.find(lease, "|")
local bound = string.sub(lease, sep + 1)
if bound ~= "" then
	redis.call("DEL", bound)
end
redis.call("DEL", KEYS[1])
return 1
`)

// Revoke implements coord.Store. Revoking an already-expired lease is
// not an error.
func (s *Store) Revoke(ctx context.Context, id coord.LeaseID) error {
	_, err := revokeScript.Run(ctx, s.client, []string{s.leaseKey(string(id))}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return unavailable(err)
	}
	return nil
}

// Get implements coord.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return val, true, nil
}

// Ping implements coord.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) leaseKey(token string) string {
	return s.prefix + "lease:" + token
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", coord.ErrUnavailable, err)
}
