package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/VenkatGGG/idempotency-keys/internal/idempotency"

// ErrorResponder turns a middleware error into a response. The middleware never
// writes error bodies itself.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// Middleware deduplicates requests on marked routes. It is the only HTTP caller of Store.
type Middleware struct {
	store           Store
	respond         ErrorResponder
	logger          *slog.Logger
	metrics         *Metrics
	tracer          trace.Tracer
	completeTimeout time.Duration
}

type MiddlewareOption func(*Middleware)

func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) MiddlewareOption {
	return func(m *Middleware) {
		m.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) MiddlewareOption {
	return func(m *Middleware) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithCompleteTimeout bounds the Complete call made after the handler returns.
// That call is detached from request cancellation so a client hanging up does
// not leave an executed operation without its stored response.
func WithCompleteTimeout(timeout time.Duration) MiddlewareOption {
	return func(m *Middleware) {
		if timeout > 0 {
			m.completeTimeout = timeout
		}
	}
}

func NewMiddleware(store Store, respond ErrorResponder, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		store:           store,
		respond:         respond,
		logger:          slog.Default(),
		tracer:          otel.Tracer(tracerName),
		completeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.respond == nil {
		m.respond = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
	return m
}

// Protect wraps next when route is marked in table and returns it untouched otherwise.
func (m *Middleware) Protect(table *RouteTable, route string, next http.Handler) http.Handler {
	if table == nil {
		return next
	}
	meta, ok := table.Resolve(route)
	if !ok {
		return next
	}
	return m.Wrap(route, meta, next)
}

// Wrap always applies deduplication to next using meta.
func (m *Middleware) Wrap(route string, meta Metadata, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, route, meta, next)
	})
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, route string, meta Metadata, next http.Handler) {
	ctx, span := m.tracer.Start(r.Context(), "http.filter.idempotency_key", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", route),
		attribute.String("http.path", r.URL.Path),
	))
	defer span.End()
	r = r.WithContext(ctx)
	logger := requestLogger(m.logger, r, route, span.SpanContext())

	if !meta.Allows(r.Method) {
		m.fail(w, r, span, logger, &UnsupportedMethodError{Method: r.Method})
		return
	}

	key := strings.TrimSpace(r.Header.Get(KeyHeader))
	if key == "" {
		m.fail(w, r, span, logger, ErrKeyRequired)
		return
	}
	span.SetAttributes(attribute.String("idempotency_key", key))
	logger = logger.With("idempotency_key", key)

	entry, found, err := m.lookup(ctx, key)
	if err != nil {
		m.fail(w, r, span, logger, err)
		return
	}
	span.SetAttributes(attribute.Bool("idempotency_key_found", found))
	if found {
		if !entry.Completed() {
			m.fail(w, r, span, logger, ErrAlreadyReserved)
			return
		}
		logger.Debug("idempotency key found, replaying stored response", "status", entry.Response.StatusCode, "outcome", OutcomeReplayed)
		m.metrics.ObserveOutcome(OutcomeReplayed)
		writeReplay(w, entry.Response)
		return
	}

	ttl := meta.ttl()
	if err := m.reserve(ctx, key, ttl); err != nil {
		m.fail(w, r, span, logger, err)
		return
	}
	logger.Debug("idempotency key reserved", "ttl", ttl)

	capture := newCaptureWriter()
	m.execute(capture, r, next, logger)
	snapshot := capture.snapshot()

	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.completeTimeout)
	defer cancel()
	if err := m.complete(completeCtx, key, snapshot, ttl); err != nil {
		// The side effect already happened; deliver it and let the reservation expire.
		logger.Error("idempotency complete failed", "err", err, "outcome", OutcomeStoreError)
		span.RecordError(err)
		m.metrics.ObserveOutcome(OutcomeStoreError)
	} else {
		m.metrics.ObserveOutcome(OutcomeExecuted)
		logger.Debug("idempotency response stored", "status", snapshot.StatusCode, "outcome", OutcomeExecuted)
	}
	capture.flushTo(w)
}

// execute runs the handler. A panic leaves the key reserved with no stored response
// and is re-raised for the server's recovery.
func (m *Middleware) execute(w http.ResponseWriter, r *http.Request, next http.Handler, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec != http.ErrAbortHandler {
				logger.Error("handler panicked, idempotency key left reserved", "panic", rec)
			}
			panic(rec)
		}
	}()
	next.ServeHTTP(w, r)
}

func (m *Middleware) lookup(ctx context.Context, key string) (Entry, bool, error) {
	defer m.metrics.ObserveStore("lookup", time.Now())
	return m.store.Lookup(ctx, key)
}

func (m *Middleware) reserve(ctx context.Context, key string, ttl time.Duration) error {
	defer m.metrics.ObserveStore("reserve", time.Now())
	return m.store.Reserve(ctx, key, ttl)
}

func (m *Middleware) complete(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error {
	defer m.metrics.ObserveStore("complete", time.Now())
	return m.store.Complete(ctx, key, response, ttl)
}

func (m *Middleware) fail(w http.ResponseWriter, r *http.Request, span trace.Span, logger *slog.Logger, err error) {
	outcome := OutcomeFor(err)
	m.metrics.ObserveOutcome(outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger = logger.With("outcome", outcome)

	if errors.Is(err, ErrAlreadyReserved) {
		logger.Info("idempotency key already reserved", "err", err)
	} else if outcome == OutcomeStoreError {
		logger.Error("idempotency store failed", "err", err)
	} else {
		logger.Debug("idempotency request rejected", "err", err)
	}
	m.respond(w, r, err)
}

// requestLogger tags every line of one request with its route, client and trace ids.
func requestLogger(base *slog.Logger, r *http.Request, route string, sc trace.SpanContext) *slog.Logger {
	logger := base.With(
		"route", route,
		"method", r.Method,
		"path", r.URL.RequestURI(),
		"client_ip", ClientIP(r),
	)
	if sc.IsValid() {
		logger = logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return logger
}

// ClientIP is the first X-Forwarded-For hop, else the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
