package clearing

import (
	"bytes"
	"fmt"
	"sort"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/funding"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/margin"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// tx holds working copies of every record an operation touches. Nothing
// reaches the store until commit.
type tx struct {
	ch  *ClearingHouse
	now int64

	markets   map[string]*state.Market
	accounts  map[uuid.UUID]*state.CollateralAccount
	positions map[state.PositionID]*state.Position
	index     map[state.PositionKey]state.PositionID
	nextID    state.PositionID

	journal     *ledger.JournalGenerator
	records     []funding.Record
	settlements []FundingSettlement
}

func (ch *ClearingHouse) begin(now int64) *tx {
	return &tx{
		ch:        ch,
		now:       now,
		markets:   make(map[string]*state.Market),
		accounts:  make(map[uuid.UUID]*state.CollateralAccount),
		positions: make(map[state.PositionID]*state.Position),
		index:     make(map[state.PositionKey]state.PositionID),
		nextID:    ch.store.NextPositionID(),
		journal:   ledger.NewJournalGenerator(now),
	}
}

// Market implements margin.MarketSource over the working copies.
func (t *tx) Market(id string) (state.Market, bool) {
	if m, ok := t.markets[id]; ok {
		return *m, true
	}
	return t.ch.store.Market(id)
}

func (t *tx) market(id string) (*state.Market, error) {
	if m, ok := t.markets[id]; ok {
		return m, nil
	}
	m, ok := t.ch.store.Market(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownMarket, id)
	}
	t.markets[id] = &m
	return &m, nil
}

func (t *tx) account(owner uuid.UUID) (*state.CollateralAccount, error) {
	if a, ok := t.accounts[owner]; ok {
		return a, nil
	}
	a, ok := t.ch.store.Account(owner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownAccount, owner)
	}
	t.accounts[owner] = &a
	return &a, nil
}

func (t *tx) accountOrNew(owner uuid.UUID) *state.CollateralAccount {
	if a, err := t.account(owner); err == nil {
		return a
	}
	a := &state.CollateralAccount{Owner: owner}
	t.accounts[owner] = a
	return a
}

// position returns the owner's record in a market, allocating a flat one
// if none exists.
func (t *tx) position(owner uuid.UUID, marketID string) *state.Position {
	key := state.PositionKey{Owner: owner, MarketID: marketID}
	if id, ok := t.index[key]; ok {
		return t.positions[id]
	}
	p, ok := t.ch.store.PositionFor(owner, marketID)
	if !ok {
		p = state.Position{ID: t.nextID, Owner: owner, MarketID: marketID}
		t.nextID++
	}
	t.positions[p.ID] = &p
	t.index[key] = p.ID
	return &p
}

// existingPosition is like position but never allocates.
func (t *tx) existingPosition(owner uuid.UUID, marketID string) (*state.Position, bool) {
	key := state.PositionKey{Owner: owner, MarketID: marketID}
	if id, ok := t.index[key]; ok {
		return t.positions[id], true
	}
	if _, ok := t.ch.store.PositionFor(owner, marketID); !ok {
		return nil, false
	}
	return t.position(owner, marketID), true
}

// accountPositions loads every non-flat position of owner, ordered by ID.
func (t *tx) accountPositions(owner uuid.UUID) []*state.Position {
	for _, p := range t.ch.store.AccountPositions(owner) {
		t.position(owner, p.MarketID)
	}
	var out []*state.Position
	for _, p := range t.positions {
		if p.Owner == owner && !p.IsFlat() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *tx) risk(owner uuid.UUID) (margin.AccountRisk, error) {
	acct, err := t.account(owner)
	if err != nil {
		return margin.AccountRisk{}, err
	}
	ptrs := t.accountPositions(owner)
	positions := make([]state.Position, len(ptrs))
	for i, p := range ptrs {
		positions[i] = *p
	}
	return margin.Compute(*acct, positions, t)
}

// settlePosition applies funding accrued since the position's last
// settlement. Flat positions just catch up to the index.
func (t *tx) settlePosition(p *state.Position) error {
	m, err := t.market(p.MarketID)
	if err != nil {
		return err
	}
	idx := m.Funding.CumulativeIndex
	if p.IsFlat() {
		p.LastCumulativeFunding = idx
		return nil
	}
	payment, err := funding.PositionPayment(idx, p.LastCumulativeFunding, p.BaseAssetAmount)
	if err != nil {
		return err
	}
	p.LastCumulativeFunding = idx
	if payment.IsZero() {
		return nil
	}

	acct, err := t.account(p.Owner)
	if err != nil {
		return err
	}
	if acct.Total, err = fpmath.Sub(acct.Total, payment); err != nil {
		return err
	}
	if m.FeePool, err = fpmath.Add(m.FeePool, payment); err != nil {
		return err
	}
	if p.FundingPaid, err = fpmath.Add(p.FundingPaid, payment); err != nil {
		return err
	}
	t.journal.Funding(p.Owner, m.ID, payment)
	t.settlements = append(t.settlements, FundingSettlement{
		PositionID: p.ID,
		MarketID:   m.ID,
		Payment:    payment,
		Index:      idx,
	})
	return t.absorbDeficit(m, acct, p.ID)
}

// settleAccount settles funding on every open position of owner.
func (t *tx) settleAccount(owner uuid.UUID) error {
	for _, p := range t.accountPositions(owner) {
		if err := t.settlePosition(p); err != nil {
			return err
		}
	}
	return nil
}

// absorbDeficit covers a negative collateral balance from the market fee
// pool and books whatever the pool cannot cover as bad debt. Locks are
// then trimmed so that Locked never exceeds Total.
func (t *tx) absorbDeficit(m *state.Market, acct *state.CollateralAccount, preferred state.PositionID) error {
	if acct.Total.IsNegative() {
		covered, remaining := state.ComputeCoverage(m.FeePool, -acct.Total)
		var err error
		if m.FeePool, err = fpmath.Sub(m.FeePool, covered); err != nil {
			return err
		}
		t.journal.DeficitCoverage(acct.Owner, m.ID, covered)
		if remaining.IsPositive() {
			if m.BadDebt, err = fpmath.Add(m.BadDebt, remaining); err != nil {
				return err
			}
			t.journal.BadDebt(acct.Owner, m.ID, remaining)
		}
		acct.Total = 0
	}
	return t.trimLocks(acct, preferred)
}

func (t *tx) trimLocks(acct *state.CollateralAccount, preferred state.PositionID) error {
	excess := acct.Locked - acct.Total
	if excess <= 0 {
		return nil
	}
	positions := t.accountPositions(acct.Owner)
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].ID == preferred && positions[j].ID != preferred
	})
	for _, p := range positions {
		if excess <= 0 {
			break
		}
		cut := fpmath.Min(excess, p.LockedMargin)
		p.LockedMargin -= cut
		acct.Locked -= cut
		excess -= cut
	}
	if excess > 0 {
		// Locks not carried by an open position.
		acct.Locked -= excess
	}
	return nil
}

// commit writes every working copy in one Store.Commit and appends the
// funding records. It returns the delta for op.
func (t *tx) commit(op Op, marketID string, owner uuid.UUID) (*Delta, error) {
	for _, rec := range t.records {
		if err := t.ch.history.Check(rec); err != nil {
			return nil, err
		}
	}
	for _, m := range t.markets {
		displaced, err := fpmath.Sub(m.InitialBaseReserve, m.AMM.BaseAssetReserve)
		if err != nil {
			return nil, err
		}
		if displaced != m.NetBaseAssetAmount {
			return nil, fmt.Errorf("market %s: net exposure %s does not match amm displacement %s",
				m.ID, m.NetBaseAssetAmount, displaced)
		}
	}

	cs := state.Changeset{NextPositionID: t.nextID}
	for _, m := range t.markets {
		m.Version++
		cs.Markets = append(cs.Markets, *m)
	}
	for _, a := range t.accounts {
		a.Version++
		cs.Accounts = append(cs.Accounts, *a)
	}
	for _, p := range t.positions {
		if _, stored := t.ch.store.Position(p.ID); !stored && p.IsFlat() && p.RealizedPnL.IsZero() {
			// Allocated but never opened.
			continue
		}
		p.Version++
		cs.Positions = append(cs.Positions, *p)
	}
	sort.Slice(cs.Markets, func(i, j int) bool { return cs.Markets[i].ID < cs.Markets[j].ID })
	sort.Slice(cs.Accounts, func(i, j int) bool {
		return bytes.Compare(cs.Accounts[i].Owner[:], cs.Accounts[j].Owner[:]) < 0
	})
	sort.Slice(cs.Positions, func(i, j int) bool { return cs.Positions[i].ID < cs.Positions[j].ID })

	if err := t.ch.store.Commit(cs); err != nil {
		return nil, fmt.Errorf("commit %s: %w", op, err)
	}
	for _, rec := range t.records {
		if err := t.ch.history.Append(rec); err != nil {
			return nil, err
		}
	}

	return &Delta{
		Op:                 op,
		MarketID:           marketID,
		Owner:              owner,
		Timestamp:          t.now,
		Markets:            cs.Markets,
		Accounts:           cs.Accounts,
		Positions:          cs.Positions,
		Journals:           t.journal.Journals(),
		FundingSettlements: t.settlements,
	}, nil
}
