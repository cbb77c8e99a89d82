package redislock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
)

// fakeClient interprets the two lease scripts against an in-memory map.
type fakeClient struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]int64
	evalErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string]string{}, ttls: map[string]int64{}}
}

func (client *fakeClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.evalErr != nil {
		return redis.NewCmdResult(nil, client.evalErr)
	}
	key := keys[0]
	current, exists := client.values[key]
	switch script {
	case acquireScript:
		now := args[0].(int64)
		if exists {
			_, openUntil, err := decodeLease(current)
			if err == nil && openUntil > now {
				return redis.NewCmdResult(int64(0), nil)
			}
		}
		client.values[key] = args[1].(string)
		client.ttls[key] = args[2].(int64)
		return redis.NewCmdResult(int64(1), nil)
	case releaseScript:
		if !exists {
			return redis.NewCmdResult(int64(0), nil)
		}
		owner, _, err := decodeLease(current)
		if err == nil && owner == args[0].(string) {
			delete(client.values, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(nil, errors.New("unknown script"))
}

func (client *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	client.mu.Lock()
	defer client.mu.Unlock()
	value, exists := client.values[key]
	if !exists {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func mustStore(test *testing.T, client Client, options ...Option) *Store {
	test.Helper()
	store, err := New(client, options...)
	if err != nil {
		test.Fatalf("new store: %v", err)
	}
	return store
}

func TestLeaseCompareAndSwap(test *testing.T) {
	test.Parallel()
	client := newFakeClient()
	store := mustStore(test, client)
	ctx := context.Background()

	acquired, err := store.AcquireLease(ctx, "session:7", "node-a", 1000, 1000+3600)
	if err != nil || !acquired {
		test.Fatalf("first acquire: %v %v", acquired, err)
	}
	if client.ttls[DefaultKeyPrefix+"session:7"] != 3600+expiryGrace {
		test.Fatalf("unexpected ttl %d", client.ttls[DefaultKeyPrefix+"session:7"])
	}
	acquired, err = store.AcquireLease(ctx, "session:7", "node-b", 2000, 2000+3600)
	if err != nil || acquired {
		test.Fatalf("held lease must not be taken: %v %v", acquired, err)
	}
	if err := store.ReleaseLease(ctx, "session:7", "node-b"); err != nil {
		test.Fatalf("foreign release: %v", err)
	}
	lease, found, err := store.GetLease(ctx, "session:7")
	if err != nil || !found || lease.Owner != "node-a" || lease.OpenUntilUnixUTC != 4600 {
		test.Fatalf("foreign release must be a no-op, got %+v found=%v err=%v", lease, found, err)
	}
	acquired, err = store.AcquireLease(ctx, "session:7", "node-b", 4600, 4600+60)
	if err != nil || !acquired {
		test.Fatalf("expired lease should be taken: %v %v", acquired, err)
	}
	if err := store.ReleaseLease(ctx, "session:7", "node-b"); err != nil {
		test.Fatalf("release: %v", err)
	}
	if _, found, _ := store.GetLease(ctx, "session:7"); found {
		test.Fatalf("released lease should be gone")
	}
}

func TestLockServiceOverRedisStore(test *testing.T) {
	test.Parallel()
	store := mustStore(test, newFakeClient(), WithKeyPrefix("club:"))
	now := int64(50)
	clock := func() int64 { return now }
	first, err := lock.NewService(store, clock, lock.WithOwner("first"))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	second, _ := lock.NewService(store, clock, lock.WithOwner("second"))
	ctx := context.Background()

	if acquired, err := first.Acquire(ctx, "session:1", 0); !errors.Is(err, lock.ErrInvalidLease) || acquired {
		test.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if acquired, err := first.Acquire(ctx, " session:1 ", time.Hour); err != nil || !acquired {
		test.Fatalf("acquire: %v %v", acquired, err)
	}
	if acquired, _ := second.Acquire(ctx, "session:1", time.Hour); acquired {
		test.Fatalf("second owner must not acquire")
	}
	lease, held, err := second.Inspect(ctx, "session:1")
	if err != nil || !held || lease.Owner != "first" {
		test.Fatalf("inspect: %+v %v %v", lease, held, err)
	}
	if err := first.Release(ctx, "session:1"); err != nil {
		test.Fatalf("release: %v", err)
	}
	if acquired, _ := second.Acquire(ctx, "session:1", time.Hour); !acquired {
		test.Fatalf("released topic should be acquirable")
	}
}

func TestStoreErrors(test *testing.T) {
	test.Parallel()
	if _, err := New(nil); !errors.Is(err, lock.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	client := newFakeClient()
	client.evalErr = errors.New("connection refused")
	store := mustStore(test, client)
	_, err := store.AcquireLease(context.Background(), "topic", "owner", 1, 2)
	if err == nil || !strings.Contains(err.Error(), "redis.lease.acquire") {
		test.Fatalf("expected wrapped acquire error, got %v", err)
	}
	if err := store.ReleaseLease(context.Background(), "topic", "owner"); !errors.Is(err, client.evalErr) {
		test.Fatalf("expected release error, got %v", err)
	}
	client.values[DefaultKeyPrefix+"broken"] = "not-a-lease"
	if _, _, err := store.GetLease(context.Background(), "broken"); err == nil || !strings.Contains(err.Error(), "decode") {
		test.Fatalf("expected decode error, got %v", err)
	}
}
