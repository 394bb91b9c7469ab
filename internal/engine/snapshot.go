package engine

import (
	"fmt"

	"PerpClearing/internal/funding"
	"PerpClearing/internal/instruction"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/state"
)

// SnapshotState is everything needed to resume the engine at Sequence.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       instruction.Hash        `json:"state_hash"`
	Store           state.Snapshot          `json:"store"`
	FundingHistory  []funding.Record        `json:"funding_history"`
	Prices          map[string]oracle.Price `json:"prices"`
	Balances        []ledger.BalanceEntry   `json:"balances"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// Snapshot captures the current state. Engine goroutine only.
func (e *Engine) Snapshot() *SnapshotState {
	prices := make(map[string]oracle.Price)
	for _, feed := range e.prices.Feeds() {
		if p, err := e.prices.GetPrice(feed); err == nil {
			prices[feed] = p
		}
	}
	return &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       e.chain.Tip(),
		Store:           e.ch.Store().Snapshot(),
		FundingHistory:  e.ch.History().All(),
		Prices:          prices,
		Balances:        e.tracker.Entries(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// Restore builds an engine that continues from snap. Instructions logged
// after snap.Sequence should then be replayed through Apply.
func Restore(opts Options, snap *SnapshotState) (*Engine, error) {
	store, err := state.RestoreStore(snap.Store)
	if err != nil {
		return nil, err
	}
	history := funding.NewHistory()
	for _, rec := range snap.FundingHistory {
		if err := history.Append(rec); err != nil {
			return nil, fmt.Errorf("restore funding history: %w", err)
		}
	}
	prices := oracle.NewSnapshot()
	for feed, p := range snap.Prices {
		prices.Update(feed, p)
	}

	e, err := build(opts, store, history, prices)
	if err != nil {
		return nil, err
	}
	e.sequence = snap.Sequence
	e.published.Store(snap.Sequence)
	e.chain.Resume(snap.StateHash)
	e.tracker.RestoreBalances(snap.Balances)
	e.idempotency.Warm(snap.IdempotencyKeys)

	for _, a := range store.Accounts() {
		if err := e.validator.ValidateUserCollateral(a.Owner, a.Total); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	for _, m := range store.Markets() {
		if err := e.validator.ValidateFeePool(m.ID, m.FeePool); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	return e, nil
}

// WarmIdempotency loads recently processed composite keys.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.Warm(keys)
}

// EnableDBDedup turns on the database idempotency tier once replay is done.
// Call before Run.
func (e *Engine) EnableDBDedup(db DBChecker) {
	e.idempotency.SetDB(db)
}
