// Package idemgrpc applies idempotency keys to unary gRPC calls.
package idemgrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
)

// storedStatus is written for every completed call. codes.OK is zero, which the
// store reserves for placeholders.
const storedStatus = http.StatusOK

type config struct {
	store           idempotency.Store
	logger          *slog.Logger
	metrics         *idempotency.Metrics
	completeTimeout time.Duration
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics *idempotency.Metrics) Option {
	return func(c *config) {
		c.metrics = metrics
	}
}

func WithCompleteTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.completeTimeout = timeout
		}
	}
}

// UnaryServerInterceptor deduplicates unary calls whose full method name is marked
// in table. Calls are treated as POST for the method guard.
func UnaryServerInterceptor(store idempotency.Store, table *idempotency.RouteTable, opts ...Option) grpc.UnaryServerInterceptor {
	cfg := config{store: store, logger: slog.Default(), completeTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if table == nil {
			return handler(ctx, req)
		}
		meta, ok := table.Resolve(info.FullMethod)
		if !ok {
			return handler(ctx, req)
		}
		logger := cfg.logger.With("route", info.FullMethod)

		if !meta.Allows(http.MethodPost) {
			return nil, cfg.fail(logger, &idempotency.UnsupportedMethodError{Method: http.MethodPost})
		}
		key := keyFromMetadata(ctx)
		if key == "" {
			return nil, cfg.fail(logger, idempotency.ErrKeyRequired)
		}
		logger = logger.With("idempotency_key", key)

		started := time.Now()
		entry, found, err := store.Lookup(ctx, key)
		cfg.metrics.ObserveStore("lookup", started)
		if err != nil {
			return nil, cfg.fail(logger, err)
		}
		if found {
			if !entry.Completed() {
				return nil, cfg.fail(logger, idempotency.ErrAlreadyReserved)
			}
			return cfg.replay(ctx, logger, entry.Response)
		}

		ttl := meta.TTL
		if ttl <= 0 {
			ttl = idempotency.DefaultTTL
		}
		started = time.Now()
		err = store.Reserve(ctx, key, ttl)
		cfg.metrics.ObserveStore("reserve", started)
		if err != nil {
			return nil, cfg.fail(logger, err)
		}

		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("handler failed, idempotency key left reserved", "err", err)
			return resp, err
		}

		cfg.complete(ctx, logger, key, resp, ttl)
		return resp, nil
	}
}

func (c config) replay(ctx context.Context, logger *slog.Logger, stored idempotency.CachedResponse) (any, error) {
	msg, err := decodeMessage(stored.Body)
	if err != nil {
		logger.Error("stored grpc response is unreadable", "err", err)
		c.metrics.ObserveOutcome(idempotency.OutcomeStoreError)
		return nil, status.Error(codes.Internal, "stored response is unreadable")
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(idempotency.ResponseHeader, "true")); err != nil {
		logger.Debug("could not set replay header", "err", err)
	}
	c.metrics.ObserveOutcome(idempotency.OutcomeReplayed)
	logger.Debug("idempotency key found, replaying stored response")
	return msg, nil
}

func (c config) complete(ctx context.Context, logger *slog.Logger, key string, resp any, ttl time.Duration) {
	msg, ok := resp.(proto.Message)
	if !ok {
		logger.Error("handler returned a non-proto response, idempotency key left reserved", "type", fmt.Sprintf("%T", resp))
		c.metrics.ObserveOutcome(idempotency.OutcomeStoreError)
		return
	}
	body, err := encodeMessage(msg)
	if err != nil {
		logger.Error("encode grpc response", "err", err)
		c.metrics.ObserveOutcome(idempotency.OutcomeStoreError)
		return
	}

	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.completeTimeout)
	defer cancel()
	started := time.Now()
	err = c.store.Complete(completeCtx, key, idempotency.CachedResponse{
		StatusCode: storedStatus,
		Body:       body,
		Headers:    map[string]string{},
	}, ttl)
	c.metrics.ObserveStore("complete", started)
	if err != nil {
		logger.Error("idempotency complete failed", "err", err)
		c.metrics.ObserveOutcome(idempotency.OutcomeStoreError)
		return
	}
	c.metrics.ObserveOutcome(idempotency.OutcomeExecuted)
}

func (c config) fail(logger *slog.Logger, err error) error {
	outcome := idempotency.OutcomeFor(err)
	c.metrics.ObserveOutcome(outcome)
	if outcome == idempotency.OutcomeStoreError {
		logger.Error("idempotency store failed", "err", err)
	} else {
		logger.Debug("idempotency call rejected", "err", err)
	}
	return toStatus(err)
}

func toStatus(err error) error {
	var unsupported *idempotency.UnsupportedMethodError
	var unavailable *idempotency.StoreUnavailableError
	switch {
	case errors.Is(err, idempotency.ErrKeyRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, idempotency.ErrAlreadyReserved):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &unsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.As(err, &unavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func keyFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(idempotency.KeyHeader) {
		if key := strings.TrimSpace(value); key != "" {
			return key
		}
	}
	return ""
}

func encodeMessage(msg proto.Message) (string, error) {
	wrapped, err := anypb.New(msg)
	if err != nil {
		return "", err
	}
	raw, err := protojson.Marshal(wrapped)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMessage(body string) (proto.Message, error) {
	var wrapped anypb.Any
	if err := protojson.Unmarshal([]byte(body), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.UnmarshalNew()
}
