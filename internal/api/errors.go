package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
	"github.com/VenkatGGG/idempotency-keys/internal/order"
	"github.com/VenkatGGG/idempotency-keys/pkg/httpx"
)

// NewErrorResponder returns the idempotency.ErrorResponder for this API. Unexpected
// errors are logged through logger and hidden from the client.
func NewErrorResponder(logger *slog.Logger) idempotency.ErrorResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := statusFor(err)
		message := err.Error()
		switch status {
		case http.StatusInternalServerError:
			logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
			message = "internal server error"
		case http.StatusServiceUnavailable:
			message = "idempotency store unavailable"
		}
		httpx.WriteError(w, status, message)
	}
}

func statusFor(err error) int {
	var unsupported *idempotency.UnsupportedMethodError
	var unavailable *idempotency.StoreUnavailableError
	switch {
	case errors.Is(err, idempotency.ErrKeyRequired):
		return http.StatusUnprocessableEntity
	case errors.As(err, &unsupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, idempotency.ErrAlreadyReserved):
		return http.StatusConflict
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, order.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
