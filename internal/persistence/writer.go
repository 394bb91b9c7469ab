package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PerpClearing/internal/engine"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes engine outputs to the clearing schema using
// multi-row INSERTs. Every statement is idempotent so a batch can be
// retried, or replay output rewritten, without duplicating rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in clearing.events
type EventRow struct {
	Sequence       int64
	Kind           string
	IdempotencyKey string
	MarketID       *string
	OwnerID        *uuid.UUID
	Payload        []byte
	Delta          []byte // Nil for oracle updates
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
}

// RejectionRow represents a row in clearing.rejections
type RejectionRow struct {
	Kind           string
	IdempotencyKey string
	MarketID       *string
	OwnerID        *uuid.UUID
	ErrorCode      string
	Error          string
	Payload        []byte
	Timestamp      int64
}

// JournalRow represents a row in clearing.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// FundingRow represents a row in clearing.funding_history
type FundingRow struct {
	MarketID        string
	Seq             uint64
	PeriodStart     int64
	PeriodEnd       int64
	Rate            int64
	MarkPrice       int64
	OraclePrice     int64
	CumulativeIndex int64
	Sequence        int64
}

// Rows is one engine output flattened into table rows. Exactly one of
// Event and Rejection is set.
type Rows struct {
	Event     *EventRow
	Rejection *RejectionRow
	Journals  []JournalRow
	Funding   []FundingRow
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts an engine output into rows.
func RowsFromOutput(out engine.Output) (Rows, error) {
	env := out.Envelope
	if env == nil {
		return Rows{}, fmt.Errorf("output without envelope")
	}
	var market *string
	if env.MarketID != "" {
		m := env.MarketID
		market = &m
	}
	var owner *uuid.UUID
	if env.Owner != uuid.Nil {
		o := env.Owner
		owner = &o
	}

	if !env.Applied() {
		return Rows{Rejection: &RejectionRow{
			Kind:           env.Kind.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       market,
			OwnerID:        owner,
			ErrorCode:      env.ErrorCode,
			Error:          env.Error,
			Payload:        env.Payload,
			Timestamp:      env.Timestamp,
		}}, nil
	}

	ev := &EventRow{
		Sequence:       env.Sequence,
		Kind:           env.Kind.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       market,
		OwnerID:        owner,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	if out.Delta != nil {
		data, err := json.Marshal(out.Delta)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal delta %d: %w", env.Sequence, err)
		}
		ev.Delta = data
	}
	rows := Rows{Event: ev}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount.Raw(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	if out.Delta != nil && out.Delta.FundingRecord != nil {
		r := out.Delta.FundingRecord
		rows.Funding = append(rows.Funding, FundingRow{
			MarketID:        r.MarketID,
			Seq:             r.Seq,
			PeriodStart:     r.PeriodStart,
			PeriodEnd:       r.PeriodEnd,
			Rate:            r.Rate.Raw(),
			MarkPrice:       r.MarkPrice.Raw(),
			OraclePrice:     r.OraclePrice.Raw(),
			CumulativeIndex: r.CumulativeIndex.Raw(),
			Sequence:        env.Sequence,
		})
	}
	return rows, nil
}

// jsonArg passes JSON as text; pq would otherwise send []byte as bytea.
func jsonArg(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// placeholders returns "($1, $2, ...), ($n+1, ...)" for rows of width n.
func placeholders(rows, width int) string {
	var b strings.Builder
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*width+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// WriteEventBatch writes applied envelopes to clearing.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, x execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(events)*10)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.Kind, e.IdempotencyKey, e.MarketID, e.OwnerID,
			jsonArg(e.Payload), jsonArg(e.Delta), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	query := `INSERT INTO clearing.events
		(sequence, kind, idempotency_key, market_id, owner_id, payload, delta, state_hash, prev_hash, ts)
		VALUES ` + placeholders(len(events), 10) + ` ON CONFLICT DO NOTHING`

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// WriteRejectionBatch writes rejected instructions to clearing.rejections.
func (w *EventLogWriter) WriteRejectionBatch(ctx context.Context, x execer, rejections []RejectionRow) error {
	if len(rejections) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(rejections)*8)
	for _, r := range rejections {
		args = append(args,
			r.Kind, r.IdempotencyKey, r.MarketID, r.OwnerID,
			r.ErrorCode, r.Error, jsonArg(r.Payload), r.Timestamp,
		)
	}
	query := `INSERT INTO clearing.rejections
		(kind, idempotency_key, market_id, owner_id, error_code, error, payload, ts)
		VALUES ` + placeholders(len(rejections), 8)

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries to clearing.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, x execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(journals)*9)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}
	query := `INSERT INTO clearing.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, ts)
		VALUES ` + placeholders(len(journals), 9) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// WriteFundingBatch writes settled funding periods to clearing.funding_history.
func (w *EventLogWriter) WriteFundingBatch(ctx context.Context, x execer, records []FundingRow) error {
	if len(records) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(records)*9)
	for _, r := range records {
		args = append(args,
			r.MarketID, int64(r.Seq), r.PeriodStart, r.PeriodEnd,
			r.Rate, r.MarkPrice, r.OraclePrice, r.CumulativeIndex, r.Sequence,
		)
	}
	query := `INSERT INTO clearing.funding_history
		(market_id, seq, period_start, period_end, rate, mark_price, oracle_price, cumulative_index, sequence)
		VALUES ` + placeholders(len(records), 9) + ` ON CONFLICT (market_id, seq) DO NOTHING`

	_, err := x.ExecContext(ctx, query, args...)
	return err
}
