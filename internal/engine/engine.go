// Package engine is the deterministic shell around the clearing house. A
// single goroutine owns all state and applies instructions one at a time;
// every applied instruction gets a sequence number and extends a SHA-256
// hash chain, so two engines fed the same instructions agree byte for byte.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/config"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/executor"
	"PerpClearing/internal/funding"
	"PerpClearing/internal/instruction"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultIdempotencyCapacity = 1_000_000

// OracleChange is the effect of an applied OracleUpdate
type OracleChange struct {
	FeedID string       `json:"feed_id"`
	Price  oracle.Price `json:"price"`
}

// Output is emitted once per non-duplicate instruction. Rejections carry
// only the envelope and instruction.
type Output struct {
	Envelope    *instruction.Envelope
	Instruction instruction.Instruction
	Batch       *ledger.Batch
	Delta       *clearing.Delta
	Fill        *executor.Fill
	Oracle      *OracleChange
}

type Options struct {
	Config config.Config

	IdempotencyCapacity int // Zero selects DefaultIdempotencyCapacity
	DBChecker           DBChecker

	// Persist receives every output and may block the engine.
	// Projection receives outputs best-effort and drops when full.
	Persist    chan<- Output
	Projection chan<- Output

	// OnSnapshot is called from the engine goroutine after every
	// SnapshotInterval applied instructions.
	SnapshotInterval int64
	OnSnapshot       func(*SnapshotState)

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

type Engine struct {
	ch     *clearing.ClearingHouse
	exec   *executor.Executor
	prices *oracle.Snapshot

	sequence    int64 // Last applied
	published   atomic.Int64
	chain       *hashChain
	tracker     *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	tier2Seen   int64

	persist    chan<- Output
	projection chan<- Output
	requests   chan request

	snapshotInterval int64
	onSnapshot       func(*SnapshotState)

	metrics *observability.Metrics
	log     zerolog.Logger
}

type request struct {
	in    instruction.Instruction
	reply chan reply
}

type reply struct {
	out *Output
	err error
}

// New returns an engine over empty state.
func New(opts Options) (*Engine, error) {
	return build(opts, state.NewStore(), funding.NewHistory(), oracle.NewSnapshot())
}

func build(opts Options, store *state.Store, history *funding.History, prices *oracle.Snapshot) (*Engine, error) {
	ch, err := clearing.New(opts.Config, store, history, prices)
	if err != nil {
		return nil, err
	}
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	idem, err := NewIdempotencyChecker(capacity, opts.DBChecker)
	if err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	tracker := ledger.NewBalanceTracker()
	return &Engine{
		ch:               ch,
		exec:             executor.New(ch),
		prices:           prices,
		chain:            newHashChain(),
		tracker:          tracker,
		validator:        ledger.NewInvariantValidator(tracker),
		idempotency:      idem,
		persist:          opts.Persist,
		projection:       opts.Projection,
		requests:         make(chan request),
		snapshotInterval: opts.SnapshotInterval,
		onSnapshot:       opts.OnSnapshot,
		metrics:          opts.Metrics,
		log:              log,
	}, nil
}

// Apply processes one instruction. A duplicate returns (nil, nil). A
// rejected instruction returns its rejection output together with the
// error; state is unchanged and the sequence does not advance.
func (e *Engine) Apply(in instruction.Instruction) (*Output, error) {
	start := time.Now()
	kind := in.Kind().String()
	key := in.IdempotencyKey()

	if hit := e.idempotency.Lookup(kind, key); hit != HitNone {
		if e.metrics != nil {
			e.metrics.Duplicates.WithLabelValues(kind, hit.String()).Inc()
		}
		e.log.Debug().Str("kind", kind).Str("key", key).Str("tier", hit.String()).Msg("duplicate instruction skipped")
		return nil, nil
	}
	if n, err := e.idempotency.Tier2Errors(); n > e.tier2Seen {
		e.tier2Seen = n
		if e.metrics != nil {
			e.metrics.DedupTier2Error.Inc()
		}
		e.log.Warn().Err(err).Str("kind", kind).Str("key", key).Msg("postgres dedup lookup failed, treating as new")
	}

	payload, err := instruction.Encode(in)
	if err != nil {
		return e.reject(in, nil, fmt.Errorf("%w: %v", instruction.ErrMalformed, err))
	}

	res, err := e.dispatch(in)
	if err != nil {
		return e.reject(in, payload, err)
	}

	e.sequence++
	seq := e.sequence
	ref := kind + ":" + key

	var journals []ledger.Journal
	if res.delta != nil {
		journals = res.delta.Journals
	}
	batch := ledger.Seal(journals, ref, seq, in.Timestamp())
	if len(batch.Journals) > 0 {
		if err := e.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch %d: %v", seq, err))
		}
	}
	if err := e.postCheck(res.delta); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
	}

	prev := e.chain.Tip()
	hash := e.chain.Extend(seq, in.Kind(), res, batch)

	env := &instruction.Envelope{
		Sequence:       seq,
		IdempotencyKey: key,
		Kind:           in.Kind(),
		MarketID:       in.MarketID(),
		Owner:          instruction.Owner(in),
		Timestamp:      in.Timestamp(),
		Status:         instruction.StatusApplied,
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}
	if res.delta != nil && res.delta.MarketID != "" {
		env.MarketID = res.delta.MarketID
	}

	out := &Output{
		Envelope:    env,
		Instruction: in,
		Batch:       batch,
		Delta:       res.delta,
		Fill:        res.fill,
		Oracle:      res.oracle,
	}
	e.emit(out)
	e.idempotency.MarkProcessed(kind, key)
	e.published.Store(seq)

	e.record(kind, out, time.Since(start))

	if e.onSnapshot != nil && e.snapshotInterval > 0 && seq%e.snapshotInterval == 0 {
		e.onSnapshot(e.Snapshot())
	}
	return out, nil
}

func (e *Engine) reject(in instruction.Instruction, payload []byte, cause error) (*Output, error) {
	tip := e.chain.Tip()
	env := &instruction.Envelope{
		IdempotencyKey: in.IdempotencyKey(),
		Kind:           in.Kind(),
		MarketID:       in.MarketID(),
		Owner:          instruction.Owner(in),
		Timestamp:      in.Timestamp(),
		Status:         instruction.StatusRejected,
		ErrorCode:      errs.Code(cause),
		Error:          cause.Error(),
		Payload:        payload,
		StateHash:      tip,
		PrevHash:       tip,
	}
	out := &Output{Envelope: env, Instruction: in}
	e.emit(out)

	if e.metrics != nil {
		e.metrics.InstructionsRejected.WithLabelValues(in.Kind().String(), env.ErrorCode).Inc()
	}
	e.log.Info().
		Str("kind", in.Kind().String()).
		Str("key", env.IdempotencyKey).
		Str("code", env.ErrorCode).
		Err(cause).
		Msg("instruction rejected")
	return out, cause
}

type result struct {
	delta  *clearing.Delta
	fill   *executor.Fill
	oracle *OracleChange
}

func (e *Engine) dispatch(in instruction.Instruction) (result, error) {
	now := in.Timestamp()
	var (
		d   *clearing.Delta
		err error
	)
	switch v := in.(type) {
	case *instruction.InitializeMarket:
		d, err = e.ch.InitializeMarket(v.Params, now)
	case *instruction.Deposit:
		d, err = e.ch.DepositCollateral(v.Owner, v.Amount, now)
	case *instruction.Withdraw:
		d, err = e.ch.WithdrawCollateral(v.Owner, v.Amount, now)
	case *instruction.PlaceOrder:
		o := v.Order
		if o.ID == uuid.Nil {
			o.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(in.Kind().String()+":"+in.IdempotencyKey()))
		}
		fill, delta, err := e.exec.Execute(o, now)
		if err != nil {
			return result{}, err
		}
		return result{delta: delta, fill: &fill}, nil
	case *instruction.ClosePosition:
		size := v.Size
		if size.IsZero() {
			if size, err = e.openSize(v.Owner, v.Market); err != nil {
				return result{}, err
			}
		}
		d, err = e.ch.ClosePosition(v.Owner, v.Market, size, clearing.TradeOptions{MaxSlippage: v.MaxSlippage}, now)
	case *instruction.Liquidate:
		d, err = e.ch.Liquidate(v.Owner, v.Market, now)
	case *instruction.SettleFunding:
		d, err = e.ch.SettleFunding(v.Market, now)
	case *instruction.SettleAccountFunding:
		d, err = e.ch.SettleAccountFunding(v.Owner, now)
	case *instruction.Repeg:
		d, err = e.ch.Repeg(v.Market, now)
	case *instruction.OracleUpdate:
		change, err := e.applyOracle(v)
		if err != nil {
			return result{}, err
		}
		return result{oracle: change}, nil
	default:
		return result{}, fmt.Errorf("%w: unsupported instruction %T", instruction.ErrMalformed, in)
	}
	if err != nil {
		return result{}, err
	}
	return result{delta: d}, nil
}

func (e *Engine) openSize(owner uuid.UUID, marketID string) (fpmath.Fixed, error) {
	p, ok := e.ch.Store().PositionFor(owner, marketID)
	if !ok || p.IsFlat() {
		return 0, fmt.Errorf("%w: no open position in %s", errs.ErrInvalidPositionSize, marketID)
	}
	return fpmath.Abs(p.BaseAssetAmount)
}

func (e *Engine) applyOracle(v *instruction.OracleUpdate) (*OracleChange, error) {
	if v.FeedID == "" {
		return nil, fmt.Errorf("%w: feed id required", errs.ErrInvalidOracleData)
	}
	if !v.Price.Price.IsPositive() || v.Price.Confidence.IsNegative() {
		return nil, fmt.Errorf("%w: price %s confidence %s", errs.ErrInvalidOracleData, v.Price.Price, v.Price.Confidence)
	}
	if !e.prices.Update(v.FeedID, v.Price) {
		return nil, fmt.Errorf("%w: feed %s already has an observation at or after %d",
			errs.ErrOracleStale, v.FeedID, v.Price.Timestamp)
	}
	return &OracleChange{FeedID: v.FeedID, Price: v.Price}, nil
}

// postCheck ties every record the delta touched back to the ledger.
func (e *Engine) postCheck(d *clearing.Delta) error {
	if d == nil {
		return nil
	}
	for _, a := range d.Accounts {
		if err := e.validator.ValidateUserCollateral(a.Owner, a.Total); err != nil {
			return err
		}
		if a.Locked < 0 || a.Locked > fpmath.Max(a.Total, 0) {
			return fmt.Errorf("account %s: locked %s outside [0, %s]", a.Owner, a.Locked, a.Total)
		}
	}
	for _, m := range d.Markets {
		if err := e.validator.ValidateFeePool(m.ID, m.FeePool); err != nil {
			return err
		}
	}
	if len(d.Journals) > 0 {
		return e.validator.ValidateGlobalBalance()
	}
	return nil
}

// emit delivers out to persistence with a blocking send and to
// projections with a non-blocking one. Projections can rebuild from the
// event log, so a slow projection never stalls the engine.
func (e *Engine) emit(out *Output) {
	if e.persist != nil {
		select {
		case e.persist <- *out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persist <- *out
		}
	}
	if e.projection != nil {
		select {
		case e.projection <- *out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (e *Engine) record(kind string, out *Output, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.InstructionsApplied.WithLabelValues(kind).Inc()
	m.ApplyDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.Sequence.Set(float64(e.sequence))
	m.DedupLRUSize.Set(float64(e.idempotency.Len()))

	for _, j := range out.Batch.Journals {
		m.JournalsGenerated.WithLabelValues(j.JournalType.String()).Inc()
	}
	d := out.Delta
	if d == nil {
		return
	}
	for i := range d.Markets {
		mk := &d.Markets[i]
		if mark, err := mk.MarkPrice(); err == nil {
			m.MarkPrice.WithLabelValues(mk.ID).Set(mark.Decimal().InexactFloat64())
		}
		m.FeePool.WithLabelValues(mk.ID).Set(mk.FeePool.Decimal().InexactFloat64())
	}
	if r := d.FundingRecord; r != nil {
		m.FundingRate.WithLabelValues(r.MarketID).Set(r.Rate.Decimal().InexactFloat64())
		m.FundingSettled.WithLabelValues(r.MarketID).Inc()
	}
	if r := d.Repeg; r != nil {
		m.Repegs.WithLabelValues(d.MarketID, fmt.Sprint(r.BudgetLimited)).Inc()
	}
	if l := d.Liquidation; l != nil {
		outcome := "partial"
		switch {
		case !l.BadDebt.IsZero():
			outcome = "bad_debt"
		case l.FullyClosed:
			outcome = "full"
		}
		m.Liquidations.WithLabelValues(d.MarketID, outcome).Inc()
		m.LiquidationStep.WithLabelValues(d.MarketID).Add(float64(len(l.Steps)))
		if l.BadDebt.IsPositive() {
			m.BadDebt.WithLabelValues(d.MarketID).Add(l.BadDebt.Decimal().InexactFloat64())
		}
	}
}

// Run applies instructions from in, and requests from Submit, until ctx
// is done or in is closed. It is the only goroutine that touches state.
func (e *Engine) Run(ctx context.Context, in <-chan instruction.Instruction) error {
	e.log.Info().Int64("sequence", e.sequence).Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Int64("sequence", e.sequence).Msg("engine stopped")
			return ctx.Err()
		case instr, ok := <-in:
			if !ok {
				e.log.Info().Int64("sequence", e.sequence).Msg("instruction stream closed")
				return nil
			}
			e.Apply(instr)
		case req := <-e.requests:
			out, err := e.Apply(req.in)
			req.reply <- reply{out: out, err: err}
		}
	}
}

// Submit hands in to the running engine and waits for its outcome.
func (e *Engine) Submit(ctx context.Context, in instruction.Instruction) (*Output, error) {
	req := request{in: in, reply: make(chan reply, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sequence returns the last applied sequence. Safe to call from any
// goroutine.
func (e *Engine) Sequence() int64 {
	return e.published.Load()
}

// StateHash returns the chain tip. Engine goroutine only.
func (e *Engine) StateHash() [32]byte {
	return e.chain.Tip()
}

// ClearingHouse exposes the underlying state. Engine goroutine only.
func (e *Engine) ClearingHouse() *clearing.ClearingHouse {
	return e.ch
}

// Balances exposes the journal-derived balances. Engine goroutine only.
func (e *Engine) Balances() *ledger.BalanceTracker {
	return e.tracker
}
