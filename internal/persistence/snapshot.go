package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/instruction"

	"github.com/google/uuid"
)

const snapshotFormatVersion = 1 // JSON-encoded engine.SnapshotState

// SnapshotManager creates and loads engine snapshots and reads the event
// log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap. Snapshots start unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *engine.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO clearing.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash[:], snapshotFormatVersion, len(data), createdAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil
// when there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*engine.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM clearing.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap engine.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE clearing.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit applied events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, kind, idempotency_key, payload, state_hash, prev_hash, ts
		FROM clearing.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.Kind, &e.IdempotencyKey, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM clearing.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Applier is the part of the engine replay drives
type Applier interface {
	Apply(in instruction.Instruction) (*engine.Output, error)
}

// ErrReplayDiverged means replay reproduced a different state hash than
// the one logged.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// Replay re-applies every logged event after fromSequence and checks that
// each reproduces its logged state hash. It returns the number replayed.
func (sm *SnapshotManager) Replay(ctx context.Context, fromSequence int64, pageSize int, eng Applier) (int64, error) {
	var replayed int64
	next := fromSequence + 1
	for {
		events, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(events) == 0 {
			return replayed, nil
		}
		for _, ev := range events {
			if err := replayOne(eng, ev); err != nil {
				return replayed, err
			}
			replayed++
			next = ev.Sequence + 1
		}
	}
}

func replayOne(eng Applier, ev EventRow) error {
	kind, err := instruction.ParseKind(ev.Kind)
	if err != nil {
		return fmt.Errorf("event %d: %w", ev.Sequence, err)
	}
	in, err := instruction.Decode(kind, ev.Payload)
	if err != nil {
		return fmt.Errorf("event %d: %w", ev.Sequence, err)
	}
	out, err := eng.Apply(in)
	if err != nil {
		return fmt.Errorf("%w: event %d rejected on replay: %v", ErrReplayDiverged, ev.Sequence, err)
	}
	if out == nil {
		return fmt.Errorf("%w: event %d treated as duplicate", ErrReplayDiverged, ev.Sequence)
	}
	if out.Envelope.Sequence != ev.Sequence || !bytes.Equal(out.Envelope.StateHash[:], ev.StateHash) {
		return fmt.Errorf("%w: sequence %d (replayed as %d)", ErrReplayDiverged, ev.Sequence, out.Envelope.Sequence)
	}
	return nil
}
