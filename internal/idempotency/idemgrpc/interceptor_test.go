package idemgrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
)

const createMethod = "/orders.v1.OrderService/CreateOrder"

type fakeTransportStream struct {
	mu     sync.Mutex
	header metadata.MD
}

func (s *fakeTransportStream) Method() string { return createMethod }

func (s *fakeTransportStream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = metadata.Join(s.header, md)
	return nil
}

func (s *fakeTransportStream) SendHeader(md metadata.MD) error { return s.SetHeader(md) }

func (s *fakeTransportStream) SetTrailer(metadata.MD) error { return nil }

func (s *fakeTransportStream) replayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.header.Get(idempotency.ResponseHeader)
	return len(values) == 1 && values[0] == "true"
}

func newInterceptor(t *testing.T, store idempotency.Store) grpc.UnaryServerInterceptor {
	t.Helper()
	table := idempotency.NewRouteTable()
	require.NoError(t, table.Mark(createMethod, time.Hour))
	return UnaryServerInterceptor(store, table, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func callWithKey(interceptor grpc.UnaryServerInterceptor, method, key string, handler grpc.UnaryHandler) (any, *fakeTransportStream, error) {
	stream := &fakeTransportStream{}
	ctx := grpc.NewContextWithServerTransportStream(context.Background(), stream)
	if key != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(idempotency.KeyHeader, key))
	}
	resp, err := interceptor(ctx, wrapperspb.String("request"), &grpc.UnaryServerInfo{FullMethod: method}, handler)
	return resp, stream, err
}

func countingHandler(calls *atomic.Int64) grpc.UnaryHandler {
	return func(ctx context.Context, req any) (any, error) {
		calls.Add(1)
		return wrapperspb.String("order-1"), nil
	}
}

func TestInterceptorReplaysCompletedCall(t *testing.T) {
	interceptor := newInterceptor(t, idempotency.NewInMemoryStore())
	var calls atomic.Int64

	first, firstStream, err := callWithKey(interceptor, createMethod, "abc", countingHandler(&calls))
	require.NoError(t, err)
	second, secondStream, err := callWithKey(interceptor, createMethod, "abc", countingHandler(&calls))
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, proto.Equal(first.(proto.Message), second.(proto.Message)))
	assert.False(t, firstStream.replayed())
	assert.True(t, secondStream.replayed())
}

func TestInterceptorStoresNonZeroStatus(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	interceptor := newInterceptor(t, store)
	var calls atomic.Int64

	_, _, err := callWithKey(interceptor, createMethod, "abc", countingHandler(&calls))
	require.NoError(t, err)

	entry, found, err := store.Lookup(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, idempotency.EntryCompleted, entry.State)
	assert.Equal(t, storedStatus, entry.Response.StatusCode)
}

func TestInterceptorPassesThroughUnmarkedMethods(t *testing.T) {
	interceptor := newInterceptor(t, idempotency.NewInMemoryStore())
	var calls atomic.Int64

	_, _, err := callWithKey(interceptor, "/orders.v1.OrderService/GetOrder", "", countingHandler(&calls))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestInterceptorRequiresKey(t *testing.T) {
	interceptor := newInterceptor(t, idempotency.NewInMemoryStore())
	var calls atomic.Int64

	_, _, err := callWithKey(interceptor, createMethod, "", countingHandler(&calls))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Zero(t, calls.Load())
}

func TestInterceptorRejectsInFlightDuplicate(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	require.NoError(t, store.Reserve(context.Background(), "busy", time.Hour))
	interceptor := newInterceptor(t, store)
	var calls atomic.Int64

	_, _, err := callWithKey(interceptor, createMethod, "busy", countingHandler(&calls))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	assert.Zero(t, calls.Load())
}

func TestInterceptorLeavesKeyReservedOnHandlerError(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	interceptor := newInterceptor(t, store)
	handlerErr := status.Error(codes.FailedPrecondition, "out of stock")

	_, _, err := callWithKey(interceptor, createMethod, "k", func(context.Context, any) (any, error) {
		return nil, handlerErr
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	entry, found, err := store.Lookup(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, idempotency.EntryReserved, entry.State)
}

type brokenStore struct {
	idempotency.Store
}

func (brokenStore) Lookup(context.Context, string) (idempotency.Entry, bool, error) {
	return idempotency.Entry{}, false, &idempotency.StoreUnavailableError{Op: "lookup", Err: errors.New("dial tcp: refused")}
}

func TestInterceptorMapsStoreFailureToUnavailable(t *testing.T) {
	interceptor := newInterceptor(t, brokenStore{Store: idempotency.NewInMemoryStore()})
	var calls atomic.Int64

	_, _, err := callWithKey(interceptor, createMethod, "k", countingHandler(&calls))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Zero(t, calls.Load())
}

func TestInterceptorGuardsMethodsWithoutPost(t *testing.T) {
	table := idempotency.NewRouteTable()
	require.NoError(t, table.Mark(createMethod, time.Hour, "PUT"))
	interceptor := UnaryServerInterceptor(idempotency.NewInMemoryStore(), table, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	var calls atomic.Int64

	_, _, err := callWithKey(interceptor, createMethod, "k", countingHandler(&calls))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	assert.Zero(t, calls.Load())
}
