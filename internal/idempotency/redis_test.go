package idempotency_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
	"github.com/VenkatGGG/idempotency-keys/internal/idempotency/storetest"
)

func TestRedisStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		server := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() {
			_ = client.Close()
		})
		return storetest.Harness{
			Store:   idempotency.NewRedisStore(client, ""),
			Advance: server.FastForward,
		}
	})
}

func TestRedisStoreConformanceAgainstRealServer(t *testing.T) {
	client := newRedisTestClient(t)
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		return storetest.Harness{
			Store:   idempotency.NewRedisStore(client, "idempotency:test:"+uuid.NewString()+":"),
			Advance: time.Sleep,
		}
	})
}

func TestRedisStoreWritesWireFormatUnderPrefix(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	store := idempotency.NewRedisStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.Reserve(ctx, "abc", time.Hour))
	raw, err := server.Get("idempotency:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_code":0,"body":"","headers":{}}`, raw)
	assert.Equal(t, time.Hour, server.TTL("idempotency:abc"))

	require.NoError(t, store.Complete(ctx, "abc", idempotency.CachedResponse{
		StatusCode: 201,
		Body:       `{"id":"x"}`,
		Headers:    map[string]string{"Location": "/x"},
	}, 30*time.Minute))
	raw, err = server.Get("idempotency:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_code":201,"body":"{\"id\":\"x\"}","headers":{"Location":"/x"}}`, raw)
	assert.Equal(t, 30*time.Minute, server.TTL("idempotency:abc"))
}

func TestRedisStoreWrapsTransportErrors(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	store := idempotency.NewRedisStore(client, "")
	server.Close()

	err := store.Reserve(context.Background(), "abc", time.Minute)
	var unavailable *idempotency.StoreUnavailableError
	require.True(t, errors.As(err, &unavailable), "expected StoreUnavailableError, got %v", err)
	assert.Equal(t, "reserve", unavailable.Op)

	_, _, err = store.Lookup(context.Background(), "abc")
	assert.True(t, errors.As(err, &unavailable))
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   15,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis test db: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
