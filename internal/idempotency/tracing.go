package idempotency

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	spanSaveKey         = "cache.idempotency_key.save_key"
	spanSaveKeyWithBody = "cache.idempotency_key.save_key_with_body"
	spanFindKey         = "cache.idempotency_key.find_key"
)

// TracedStore wraps a Store with one span per call, tagged with the backend name.
type TracedStore struct {
	next        Store
	tracer      trace.Tracer
	storageType string
}

// NewTracedStore uses the global tracer provider when tracer is nil.
func NewTracedStore(next Store, storageType string, tracer trace.Tracer) *TracedStore {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracedStore{next: next, tracer: tracer, storageType: storageType}
}

// Unwrap returns the decorated backend.
func (s *TracedStore) Unwrap() Store {
	return s.next
}

func (s *TracedStore) Reserve(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := s.start(ctx, spanSaveKey, key, ttlAttributes(ttl)...)
	defer span.End()

	err := s.next.Reserve(ctx, key, ttl)
	if errors.Is(err, ErrAlreadyReserved) {
		span.SetAttributes(attribute.Bool("idempotency.reserved", false))
		return err
	}
	endWithError(span, err)
	return err
}

func (s *TracedStore) Complete(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error {
	attrs := append(ttlAttributes(ttl), attribute.Int("http.status_code", response.StatusCode))
	ctx, span := s.start(ctx, spanSaveKeyWithBody, key, attrs...)
	defer span.End()

	err := s.next.Complete(ctx, key, response, ttl)
	endWithError(span, err)
	return err
}

func (s *TracedStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	ctx, span := s.start(ctx, spanFindKey, key)
	defer span.End()

	entry, found, err := s.next.Lookup(ctx, key)
	if err == nil {
		span.SetAttributes(attribute.Bool("idempotency.found", found))
		if found {
			span.SetAttributes(attribute.String("idempotency.state", entry.State.String()))
		}
	}
	endWithError(span, err)
	return entry, found, err
}

func (s *TracedStore) start(ctx context.Context, name, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("idempotency", key),
		attribute.String("storage_type", s.storageType),
	)
	return s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// ttlAttributes reports the ttl the way route markers express it: a count and a unit.
func ttlAttributes(ttl time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("ttl", ttl.Milliseconds()),
		attribute.String("time_unit", "milliseconds"),
	}
}

func endWithError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var _ Store = (*TracedStore)(nil)
