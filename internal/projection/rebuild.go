package projection

import (
	"context"
	"fmt"

	"PerpClearing/internal/engine"
)

// Rebuild writes every view from a recovered engine snapshot and primes
// the worker to continue after it. Funding periods the store already has
// are not appended again.
func (w *Worker) Rebuild(ctx context.Context, snap *engine.SnapshotState) error {
	seq := snap.Sequence

	for _, m := range snap.Store.Markets {
		v := marketView(m, nil, seq)
		if p, ok := snap.Prices[m.OracleFeedID]; ok {
			v.OraclePrice = p.Price.Decimal()
			v.OracleTimestamp = p.Timestamp
		}
		if err := w.store.PutMarket(ctx, v); err != nil {
			return fmt.Errorf("rebuild market %s: %w", m.ID, err)
		}
		w.trackFeed(m.OracleFeedID, m.ID)
	}

	accounts := make(map[string]*AccountView, len(snap.Store.Accounts))
	order := make([]string, 0, len(snap.Store.Accounts))
	for _, a := range snap.Store.Accounts {
		v := &AccountView{}
		v.withAccount(a, seq)
		accounts[a.Owner.String()] = v
		order = append(order, a.Owner.String())
	}
	for _, p := range snap.Store.Positions {
		v, ok := accounts[p.Owner.String()]
		if !ok {
			continue
		}
		v.withPosition(p, seq)
	}
	for _, k := range order {
		if err := w.store.PutAccount(ctx, *accounts[k]); err != nil {
			return fmt.Errorf("rebuild account %s: %w", k, err)
		}
	}

	// A persistent store already holds part of the history.
	newest := make(map[string]uint64)
	for _, m := range snap.Store.Markets {
		last, err := w.store.ListFunding(ctx, m.ID, 1)
		if err != nil {
			return fmt.Errorf("rebuild funding %s: %w", m.ID, err)
		}
		if len(last) > 0 {
			newest[m.ID] = last[0].Seq
		}
	}
	for _, r := range snap.FundingHistory {
		if r.Seq <= newest[r.MarketID] {
			continue
		}
		if err := w.store.AppendFunding(ctx, fundingView(r, seq)); err != nil {
			return fmt.Errorf("rebuild funding %s: %w", r.MarketID, err)
		}
	}

	w.lastSeq = seq
	return nil
}
