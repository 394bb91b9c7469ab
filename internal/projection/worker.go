package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// Worker updates the read views from engine outputs. The engine sends to
// it without blocking, so views can fall behind or miss outputs; they are
// rebuilt from a snapshot on restart.
type Worker struct {
	store     ViewStore
	inputChan <-chan engine.Output
	metrics   *observability.Metrics
	log       zerolog.Logger

	feeds   map[string][]string // oracle feed -> markets priced by it
	lastSeq int64
}

func NewWorker(store ViewStore, inputChan <-chan engine.Output, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
		feeds:     make(map[string][]string),
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if err := w.Apply(ctx, out); err != nil {
				// Views are eventually consistent; keep going.
				w.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("projection update failed")
				if w.metrics != nil {
					w.metrics.ProjectionErrors.Inc()
				}
			}
		}
	}
}

// LastSequence returns the last sequence applied to the views.
func (w *Worker) LastSequence() int64 { return w.lastSeq }

// Apply folds one output into the views. Rejections change nothing.
func (w *Worker) Apply(ctx context.Context, out engine.Output) error {
	env := out.Envelope
	if env == nil || !env.Applied() {
		return nil
	}
	seq := env.Sequence
	if seq <= w.lastSeq {
		return nil
	}

	if out.Oracle != nil {
		if err := w.applyOracle(ctx, out.Oracle, seq); err != nil {
			return err
		}
	}
	if d := out.Delta; d != nil {
		for _, m := range d.Markets {
			prev, err := w.store.GetMarket(ctx, m.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("market %s: %w", m.ID, err)
			}
			if err := w.store.PutMarket(ctx, marketView(m, prev, seq)); err != nil {
				return fmt.Errorf("market %s: %w", m.ID, err)
			}
			w.trackFeed(m.OracleFeedID, m.ID)
		}

		accounts := make(map[string]*AccountView)
		load := func(key string, get func() (*AccountView, error)) (*AccountView, error) {
			if v, ok := accounts[key]; ok {
				return v, nil
			}
			v, err := get()
			if errors.Is(err, ErrNotFound) {
				v, err = &AccountView{}, nil
			}
			if err != nil {
				return nil, err
			}
			accounts[key] = v
			return v, nil
		}
		for _, a := range d.Accounts {
			v, err := load(a.Owner.String(), func() (*AccountView, error) { return w.store.GetAccount(ctx, a.Owner) })
			if err != nil {
				return fmt.Errorf("account %s: %w", a.Owner, err)
			}
			v.withAccount(a, seq)
		}
		for _, p := range d.Positions {
			v, err := load(p.Owner.String(), func() (*AccountView, error) { return w.store.GetAccount(ctx, p.Owner) })
			if err != nil {
				return fmt.Errorf("account %s: %w", p.Owner, err)
			}
			v.Owner = p.Owner
			v.withPosition(p, seq)
		}
		keys := make([]string, 0, len(accounts))
		for k := range accounts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := accounts[k]
			sort.Slice(v.Positions, func(i, j int) bool { return v.Positions[i].ID < v.Positions[j].ID })
			if err := w.store.PutAccount(ctx, *v); err != nil {
				return fmt.Errorf("account %s: %w", k, err)
			}
		}

		if d.FundingRecord != nil {
			if err := w.store.AppendFunding(ctx, fundingView(*d.FundingRecord, seq)); err != nil {
				return fmt.Errorf("funding %s: %w", d.FundingRecord.MarketID, err)
			}
		}
	}

	w.lastSeq = seq
	if w.metrics != nil {
		w.metrics.ProjectionLastSeq.Set(float64(seq))
	}
	return nil
}

func (w *Worker) applyOracle(ctx context.Context, c *engine.OracleChange, seq int64) error {
	for _, id := range w.feeds[c.FeedID] {
		v, err := w.store.GetMarket(ctx, id)
		if err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
		v.OraclePrice = c.Price.Price.Decimal()
		v.OracleTimestamp = c.Price.Timestamp
		v.Sequence = seq
		if err := w.store.PutMarket(ctx, *v); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
	}
	return nil
}

func (w *Worker) trackFeed(feed, marketID string) {
	for _, id := range w.feeds[feed] {
		if id == marketID {
			return
		}
	}
	w.feeds[feed] = append(w.feeds[feed], marketID)
}
