package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
	"github.com/VenkatGGG/idempotency-keys/internal/order"
	"github.com/VenkatGGG/idempotency-keys/pkg/httpx"
)

type Options struct {
	Logger             *slog.Logger
	Metrics            http.Handler
	APIKey             string
	RateLimitPerMinute int
}

type Server struct {
	orders         order.Service
	idempotency    *idempotency.Middleware
	routes         *idempotency.RouteTable
	metrics        http.Handler
	logger         *slog.Logger
	requiredAPIKey string
	rateLimiter    *routeLimiter
	respondError   idempotency.ErrorResponder
}

func NewServer(orders order.Service, mw *idempotency.Middleware, routes *idempotency.RouteTable, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orders:         orders,
		idempotency:    mw,
		routes:         routes,
		metrics:        opts.Metrics,
		logger:         logger,
		requiredAPIKey: opts.APIKey,
		respondError:   NewErrorResponder(logger),
	}
	if opts.RateLimitPerMinute > 0 {
		s.rateLimiter = newRouteLimiter(opts.RateLimitPerMinute, time.Minute)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	s.handle(mux, "POST /v1/orders", s.handleCreateOrder)
	s.handle(mux, "GET /v1/orders/{id}", s.handleGetOrder)
	s.handle(mux, "PATCH /v1/orders/{id}", s.handleUpdateOrder)
	s.handle(mux, "PUT /v1/orders/{id}", s.handleReplaceOrder)

	return mux
}

// handle registers fn under pattern. Routes marked in the route table are
// deduplicated and guarded by the API key and rate limit; the rest are served as is.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.routes != nil {
		if _, marked := s.routes.Resolve(pattern); marked {
			if s.idempotency != nil {
				h = s.idempotency.Protect(s.routes, pattern, h)
			}
			h = s.guard(pattern, h)
		}
	}
	mux.Handle(pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
