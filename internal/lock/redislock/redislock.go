// Package redislock keeps logical lock leases in Redis.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
)

const (
	// DefaultKeyPrefix namespaces lease keys.
	DefaultKeyPrefix = "bridgepay:lock:"

	valueDelimiter = "|"
	// expiryGrace keeps an expired lease readable for a while after it stops being held.
	expiryGrace = 60

	errorOperationRedis = "redis"
	errorSubjectLease   = "lease"
	errorCodeAcquire    = "acquire"
	errorCodeRelease    = "release"
	errorCodeGet        = "get"
	errorCodeDecode     = "decode"
)

// The value stored under each key is "<openUntilUnixUTC>|<owner>".
const acquireScript = `
local current = redis.call('GET', KEYS[1])
if current then
	local separator = string.find(current, '|', 1, true)
	if separator then
		local openUntil = tonumber(string.sub(current, 1, separator - 1))
		if openUntil and openUntil > tonumber(ARGV[1]) then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
return 1
`

const releaseScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local separator = string.find(current, '|', 1, true)
if separator and string.sub(current, separator + 1) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// Client is the subset of redis.UniversalClient the store needs.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Store implements lock.Store on Redis. Acquire and release each run as one Lua script,
// so the compare-and-swap is atomic on the server.
type Store struct {
	client    Client
	keyPrefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if strings.TrimSpace(prefix) != "" {
			store.keyPrefix = prefix
		}
	}
}

func New(client Client, options ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", lock.ErrInvalidServiceConfig)
	}
	store := &Store{client: client, keyPrefix: DefaultKeyPrefix}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store, nil
}

// Dial connects to Redis and verifies the connection with a ping.
func Dial(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (store *Store) AcquireLease(ctx context.Context, topic string, owner string, nowUnixUTC int64, openUntilUnixUTC int64) (bool, error) {
	ttl := openUntilUnixUTC - nowUnixUTC + expiryGrace
	if ttl < 1 {
		ttl = 1
	}
	acquired, err := store.client.Eval(ctx, acquireScript, []string{store.key(topic)}, nowUnixUTC, encodeLease(owner, openUntilUnixUTC), ttl).Int64()
	if err != nil {
		return false, ledger.WrapError(errorOperationRedis, errorSubjectLease, errorCodeAcquire, err)
	}
	return acquired == 1, nil
}

func (store *Store) ReleaseLease(ctx context.Context, topic string, owner string) error {
	if err := store.client.Eval(ctx, releaseScript, []string{store.key(topic)}, owner).Err(); err != nil {
		return ledger.WrapError(errorOperationRedis, errorSubjectLease, errorCodeRelease, err)
	}
	return nil
}

func (store *Store) GetLease(ctx context.Context, topic string) (lock.Lease, bool, error) {
	raw, err := store.client.Get(ctx, store.key(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return lock.Lease{}, false, nil
	}
	if err != nil {
		return lock.Lease{}, false, ledger.WrapError(errorOperationRedis, errorSubjectLease, errorCodeGet, err)
	}
	owner, openUntil, err := decodeLease(raw)
	if err != nil {
		return lock.Lease{}, false, ledger.WrapError(errorOperationRedis, errorSubjectLease, errorCodeDecode, err)
	}
	return lock.Lease{Topic: topic, Owner: owner, OpenUntilUnixUTC: openUntil}, true, nil
}

func (store *Store) key(topic string) string {
	return store.keyPrefix + topic
}

func encodeLease(owner string, openUntilUnixUTC int64) string {
	return strconv.FormatInt(openUntilUnixUTC, 10) + valueDelimiter + owner
}

func decodeLease(raw string) (string, int64, error) {
	openUntilPart, owner, found := strings.Cut(raw, valueDelimiter)
	if !found {
		return "", 0, fmt.Errorf("malformed lease value %q", raw)
	}
	openUntil, err := strconv.ParseInt(openUntilPart, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed lease expiry %q", openUntilPart)
	}
	return owner, openUntil, nil
}

var _ lock.Store = (*Store)(nil)
