package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/tempus/internal/travel"
)

const eventColumns = `id, seq, agent_id::text, kind, from_location, to_location,
	departure_at, arrival_at, metadata, created_at`

type reader struct {
	q querier
}

type writer struct {
	reader
}

// Append inserts e with the next per-agent seq. The caller holds the agent
// row lock, so MAX(seq) cannot race.
func (w writer) Append(ctx context.Context, e *travel.Event) (int64, error) {
	var metaJSON []byte
	if len(e.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	err := w.q.QueryRow(ctx, `
		INSERT INTO relocation_events
			(agent_id, seq, kind, from_location, to_location, departure_at, arrival_at, metadata, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM relocation_events WHERE agent_id = $1
		RETURNING id, seq`,
		e.AgentID, string(e.Kind), e.FromLocation, e.ToLocation,
		e.Departure, e.Arrival, metaJSON, e.CreatedAt,
	).Scan(&e.ID, &e.Seq)
	if err != nil {
		return 0, fmt.Errorf("append event for %s: %w", e.AgentID, err)
	}
	return e.ID, nil
}

// EventByID is a point lookup.
func (r reader) EventByID(ctx context.Context, id int64) (*travel.Event, error) {
	ev, err := scanEvent(r.q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM relocation_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, nil
}

// ScanLatest returns the agent's newest event.
func (r reader) ScanLatest(ctx context.Context, agentID string) (*travel.Event, error) {
	if !validID(agentID) {
		return nil, nil
	}
	ev, err := scanEvent(r.q.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM relocation_events
		WHERE agent_id = $1
		ORDER BY id DESC LIMIT 1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest %s: %w", agentID, err)
	}
	return ev, nil
}

// ScanOrdered streams rows as they are read. No other query may run on the
// same transaction until the sequence is exhausted or abandoned.
func (r reader) ScanOrdered(ctx context.Context, agentID string, fromID int64) iter.Seq2[*travel.Event, error] {
	return func(yield func(*travel.Event, error) bool) {
		if !validID(agentID) {
			return
		}
		rows, err := r.q.Query(ctx, `
			SELECT `+eventColumns+` FROM relocation_events
			WHERE agent_id = $1 AND id >= $2
			ORDER BY id`, agentID, fromID)
		if err != nil {
			yield(nil, fmt.Errorf("scan events %s: %w", agentID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(nil, fmt.Errorf("scan event: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("scan events %s: %w", agentID, err))
		}
	}
}

func scanEvent(row pgx.Row) (*travel.Event, error) {
	var (
		ev       travel.Event
		kind     string
		metaJSON []byte
	)
	err := row.Scan(&ev.ID, &ev.Seq, &ev.AgentID, &kind, &ev.FromLocation, &ev.ToLocation,
		&ev.Departure, &ev.Arrival, &metaJSON, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	ev.Kind = travel.Kind(kind)
	ev.Departure = ev.Departure.UTC()
	ev.Arrival = ev.Arrival.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}
