package api

import (
	"encoding/json"
	"net/http"

	"github.com/VenkatGGG/idempotency-keys/internal/order"
	"github.com/VenkatGGG/idempotency-keys/pkg/httpx"
)

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	created, err := s.orders.Create(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("order created", "order_id", created.ID, "item", created.Item)
	w.Header().Set("Location", "/v1/orders/"+created.ID)
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	found, err := s.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, found)
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	updated, err := s.orders.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReplaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	replaced, err := s.orders.Replace(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, replaced)
}
