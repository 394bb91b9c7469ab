package projection

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a view has not been projected yet.
var ErrNotFound = errors.New("view not found")

// ViewStore holds the read-side views. Implementations must be safe for
// concurrent use: the worker writes while API handlers read.
type ViewStore interface {
	PutMarket(ctx context.Context, v MarketView) error
	GetMarket(ctx context.Context, id string) (*MarketView, error)
	PutAccount(ctx context.Context, v AccountView) error
	GetAccount(ctx context.Context, owner uuid.UUID) (*AccountView, error)
	AppendFunding(ctx context.Context, v FundingView) error
	// ListFunding returns up to limit records, newest first.
	ListFunding(ctx context.Context, marketID string, limit int) ([]FundingView, error)
}

// MemoryViewStore keeps views in process memory.
type MemoryViewStore struct {
	mu       sync.RWMutex
	markets  map[string]MarketView
	accounts map[uuid.UUID]AccountView
	funding  map[string][]FundingView
}

func NewMemoryViewStore() *MemoryViewStore {
	return &MemoryViewStore{
		markets:  make(map[string]MarketView),
		accounts: make(map[uuid.UUID]AccountView),
		funding:  make(map[string][]FundingView),
	}
}

func (s *MemoryViewStore) PutMarket(_ context.Context, v MarketView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[v.ID] = v
	return nil
}

func (s *MemoryViewStore) GetMarket(_ context.Context, id string) (*MarketView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryViewStore) PutAccount(_ context.Context, v AccountView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Positions = append([]PositionView(nil), v.Positions...)
	s.accounts[v.Owner] = v
	return nil
}

func (s *MemoryViewStore) GetAccount(_ context.Context, owner uuid.UUID) (*AccountView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.accounts[owner]
	if !ok {
		return nil, ErrNotFound
	}
	v.Positions = append([]PositionView(nil), v.Positions...)
	return &v, nil
}

func (s *MemoryViewStore) AppendFunding(_ context.Context, v FundingView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding[v.MarketID] = append(s.funding[v.MarketID], v)
	return nil
}

func (s *MemoryViewStore) ListFunding(_ context.Context, marketID string, limit int) ([]FundingView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.funding[marketID]
	out := make([]FundingView, 0, min(limit, len(records)))
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i])
	}
	return out, nil
}
