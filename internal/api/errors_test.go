package api

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
	"github.com/VenkatGGG/idempotency-keys/internal/order"
)

func TestStatusForMapsErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{idempotency.ErrKeyRequired, http.StatusUnprocessableEntity},
		{&idempotency.UnsupportedMethodError{Method: http.MethodGet}, http.StatusMethodNotAllowed},
		{idempotency.ErrAlreadyReserved, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", idempotency.ErrAlreadyReserved), http.StatusConflict},
		{&idempotency.StoreUnavailableError{Op: "reserve", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{order.ErrOrderNotFound, http.StatusNotFound},
		{errors.Join(order.ErrInvalidInput, errors.New("item is required")), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestErrorResponderLogsThroughInjectedLogger(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	respond := NewErrorResponder(slog.New(slog.NewJSONHandler(&logs, nil)))

	rr := httptest.NewRecorder()
	respond(rr, httptest.NewRequest(http.MethodPost, "/v1/orders", nil), errors.New("disk on fire"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk on fire") {
		t.Fatalf("internal error leaked to client: %s", rr.Body.String())
	}
	if !strings.Contains(logs.String(), "disk on fire") || !strings.Contains(logs.String(), `"path":"/v1/orders"`) {
		t.Fatalf("expected error in injected logger output, got %q", logs.String())
	}

	logs.Reset()
	respond(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/orders", nil), idempotency.ErrAlreadyReserved)
	if logs.Len() != 0 {
		t.Fatalf("expected conflicts not to be logged as failures, got %q", logs.String())
	}
}
