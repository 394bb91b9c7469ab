package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// PositionKey indexes positions by owner and market
type PositionKey struct {
	Owner    uuid.UUID
	MarketID string
}

// Store is the arena of all clearing house records. Readers receive value
// copies; every write goes through Commit. Not thread-safe: the engine
// goroutine is the only writer.
type Store struct {
	markets   map[string]*Market
	positions map[PositionID]*Position
	index     map[PositionKey]PositionID
	accounts  map[uuid.UUID]*CollateralAccount

	nextPositionID PositionID
}

func NewStore() *Store {
	return &Store{
		markets:        make(map[string]*Market),
		positions:      make(map[PositionID]*Position),
		index:          make(map[PositionKey]PositionID),
		accounts:       make(map[uuid.UUID]*CollateralAccount),
		nextPositionID: 1,
	}
}

func (s *Store) Market(id string) (Market, bool) {
	m, ok := s.markets[id]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

func (s *Store) Account(owner uuid.UUID) (CollateralAccount, bool) {
	a, ok := s.accounts[owner]
	if !ok {
		return CollateralAccount{}, false
	}
	return *a, true
}

func (s *Store) Position(id PositionID) (Position, bool) {
	p, ok := s.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// PositionFor returns the owner's position record in a market, flat or not.
func (s *Store) PositionFor(owner uuid.UUID, marketID string) (Position, bool) {
	id, ok := s.index[PositionKey{Owner: owner, MarketID: marketID}]
	if !ok {
		return Position{}, false
	}
	return s.Position(id)
}

// NextPositionID is the identifier the next new position will receive.
func (s *Store) NextPositionID() PositionID {
	return s.nextPositionID
}

// AccountPositions returns the owner's non-flat positions ordered by ID.
func (s *Store) AccountPositions(owner uuid.UUID) []Position {
	var out []Position
	for _, p := range s.positions {
		if p.Owner == owner && !p.IsFlat() {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

// MarketPositions returns the market's non-flat positions ordered by ID.
func (s *Store) MarketPositions(marketID string) []Position {
	var out []Position
	for _, p := range s.positions {
		if p.MarketID == marketID && !p.IsFlat() {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

func (s *Store) Markets() []Market {
	out := make([]Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Accounts() []CollateralAccount {
	out := make([]CollateralAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0 })
	return out
}

// Positions returns every position record, flat ones included, ordered by ID.
func (s *Store) Positions() []Position {
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

// Changeset is the set of records an operation writes.
type Changeset struct {
	Markets        []Market
	Accounts       []CollateralAccount
	Positions      []Position
	NextPositionID PositionID
}

// Commit validates then applies cs. Either all records are written or none.
func (s *Store) Commit(cs Changeset) error {
	for i := range cs.Accounts {
		a := &cs.Accounts[i]
		if a.Locked < 0 || a.Locked > a.Total {
			return fmt.Errorf("account %s: locked %s outside [0, total %s]", a.Owner, a.Locked, a.Total)
		}
	}
	for i := range cs.Positions {
		p := &cs.Positions[i]
		if p.ID == 0 || p.ID >= max(cs.NextPositionID, s.nextPositionID) {
			return fmt.Errorf("position %d: id not allocated", p.ID)
		}
		key := PositionKey{Owner: p.Owner, MarketID: p.MarketID}
		if id, ok := s.index[key]; ok && id != p.ID {
			return fmt.Errorf("position %d: owner already holds position %d in %s", p.ID, id, p.MarketID)
		}
		if p.QuoteAssetAmount < 0 || p.IsFlat() != p.QuoteAssetAmount.IsZero() {
			return fmt.Errorf("position %d: cost basis %s inconsistent with base %s", p.ID, p.QuoteAssetAmount, p.BaseAssetAmount)
		}
	}
	for i := range cs.Markets {
		if err := cs.Markets[i].AMM.Validate(); err != nil {
			return fmt.Errorf("market %s: %w", cs.Markets[i].ID, err)
		}
	}

	for i := range cs.Markets {
		m := cs.Markets[i]
		s.markets[m.ID] = &m
	}
	for i := range cs.Accounts {
		a := cs.Accounts[i]
		s.accounts[a.Owner] = &a
	}
	for i := range cs.Positions {
		p := cs.Positions[i]
		s.positions[p.ID] = &p
		s.index[PositionKey{Owner: p.Owner, MarketID: p.MarketID}] = p.ID
	}
	if cs.NextPositionID > s.nextPositionID {
		s.nextPositionID = cs.NextPositionID
	}
	return nil
}

// Snapshot is the full contents of a Store.
type Snapshot struct {
	Markets        []Market            `json:"markets"`
	Accounts       []CollateralAccount `json:"accounts"`
	Positions      []Position          `json:"positions"`
	NextPositionID PositionID          `json:"next_position_id"`
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Markets:        s.Markets(),
		Accounts:       s.Accounts(),
		Positions:      s.Positions(),
		NextPositionID: s.nextPositionID,
	}
}

// RestoreStore rebuilds a Store from a snapshot.
func RestoreStore(snap Snapshot) (*Store, error) {
	s := NewStore()
	next := snap.NextPositionID
	if next == 0 {
		next = 1
	}
	err := s.Commit(Changeset{
		Markets:        snap.Markets,
		Accounts:       snap.Accounts,
		Positions:      snap.Positions,
		NextPositionID: next,
	})
	if err != nil {
		return nil, fmt.Errorf("restore store: %w", err)
	}
	return s, nil
}

// CanonicalBytes serializes the whole store in ID order.
func (s *Store) CanonicalBytes() []byte {
	var buf []byte
	for _, m := range s.Markets() {
		buf = append(buf, m.CanonicalBytes()...)
	}
	for _, a := range s.Accounts() {
		buf = append(buf, a.CanonicalBytes()...)
	}
	for _, p := range s.Positions() {
		buf = append(buf, p.CanonicalBytes()...)
	}
	return appendInt64LE(buf, int64(s.nextPositionID))
}
