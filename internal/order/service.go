package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidInput  = errors.New("invalid order input")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPlaced  Status = "placed"
)

type Order struct {
	ID        string    `json:"id"`
	Item      string    `json:"item"`
	Quantity  int       `json:"quantity"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateInput struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

// UpdateInput carries optional fields. Nil fields are left unchanged unless
// the update is a full replace.
type UpdateInput struct {
	Item     *string `json:"item,omitempty"`
	Quantity *int    `json:"quantity,omitempty"`
	Status   *Status `json:"status,omitempty"`
}

type Service interface {
	Create(ctx context.Context, input CreateInput) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	Update(ctx context.Context, id string, input UpdateInput) (Order, error)
	Replace(ctx context.Context, id string, input CreateInput) (Order, error)
}

type InMemoryService struct {
	created atomic.Int64
	mu      sync.RWMutex
	items   map[string]Order
	now     func() time.Time
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		items: make(map[string]Order),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Created reports how many orders have been created since startup.
func (s *InMemoryService) Created() int64 {
	return s.created.Load()
}

func (s *InMemoryService) Create(_ context.Context, input CreateInput) (Order, error) {
	item, err := validate(input.Item, input.Quantity)
	if err != nil {
		return Order{}, err
	}
	now := s.now()
	created := Order{
		ID:        "ord_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Item:      item,
		Quantity:  input.Quantity,
		Status:    StatusPlaced,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.items[created.ID] = created
	s.mu.Unlock()
	s.created.Add(1)

	return created, nil
}

func (s *InMemoryService) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return found, nil
}

func (s *InMemoryService) Update(_ context.Context, id string, input UpdateInput) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return Order{}, ErrOrderNotFound
	}

	item, quantity := current.Item, current.Quantity
	if input.Item != nil {
		item = *input.Item
	}
	if input.Quantity != nil {
		quantity = *input.Quantity
	}
	item, err := validate(item, quantity)
	if err != nil {
		return Order{}, err
	}
	current.Item = item
	current.Quantity = quantity
	if input.Status != nil {
		current.Status = *input.Status
	}
	current.UpdatedAt = s.now()
	s.items[current.ID] = current
	return current, nil
}

func (s *InMemoryService) Replace(_ context.Context, id string, input CreateInput) (Order, error) {
	item, err := validate(input.Item, input.Quantity)
	if err != nil {
		return Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	current.Item = item
	current.Quantity = input.Quantity
	current.Status = StatusPlaced
	current.UpdatedAt = s.now()
	s.items[current.ID] = current
	return current, nil
}

func validate(item string, quantity int) (string, error) {
	item = strings.TrimSpace(item)
	if item == "" {
		return "", errors.Join(ErrInvalidInput, errors.New("item is required"))
	}
	if quantity <= 0 {
		return "", errors.Join(ErrInvalidInput, errors.New("quantity must be positive"))
	}
	return item, nil
}
