package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/nidhogg/tempus/internal/travel"
)

const eventColumns = `id, seq, agent_id, kind, from_location, to_location,
	departure_at, arrival_at, metadata, created_at`

type reader struct {
	q querier
}

type writer struct {
	reader
}

func (r reader) Agent(ctx context.Context, agentID string) (*travel.Agent, error) {
	var (
		a       travel.Agent
		created int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, latest_event_id, created_at FROM agents WHERE id = ?`, agentID,
	).Scan(&a.ID, &a.Name, &a.LatestEventID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, travel.NotFound(agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	a.CreatedAt = fromUnix(created)
	return &a, nil
}

func (r reader) LatestEventID(ctx context.Context, agentID string) (int64, bool, error) {
	var id sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT latest_event_id FROM agents WHERE id = ?`, agentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get index %s: %w", agentID, err)
	}
	return id.Int64, id.Valid, nil
}

func (r reader) EventByID(ctx context.Context, id int64) (*travel.Event, error) {
	ev, err := scanEvent(r.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM relocation_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, nil
}

func (r reader) ScanLatest(ctx context.Context, agentID string) (*travel.Event, error) {
	ev, err := scanEvent(r.q.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM relocation_events
		WHERE agent_id = ? ORDER BY id DESC LIMIT 1`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest %s: %w", agentID, err)
	}
	return ev, nil
}

func (r reader) ScanOrdered(ctx context.Context, agentID string, fromID int64) iter.Seq2[*travel.Event, error] {
	return func(yield func(*travel.Event, error) bool) {
		rows, err := r.q.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM relocation_events
			WHERE agent_id = ? AND id >= ?
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

// Append assigns the next per-agent seq. The enclosing IMMEDIATE
// transaction already holds the write lock.
func (w writer) Append(ctx context.Context, e *travel.Event) (int64, error) {
	var metaJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	var seq int64
	if err := w.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM relocation_events WHERE agent_id = ?`,
		e.AgentID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq for %s: %w", e.AgentID, err)
	}

	res, err := w.q.ExecContext(ctx, `
		INSERT INTO relocation_events
			(agent_id, seq, kind, from_location, to_location, departure_at, arrival_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, seq, string(e.Kind), e.FromLocation, e.ToLocation,
		unixSeconds(e.Departure), unixSeconds(e.Arrival), metaJSON, unixSeconds(e.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("append event for %s: %w", e.AgentID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event for %s: %w", e.AgentID, err)
	}
	e.ID, e.Seq = id, seq
	return id, nil
}

func (w writer) SetLatest(ctx context.Context, agentID string, eventID int64) error {
	res, err := w.q.ExecContext(ctx,
		`UPDATE agents SET latest_event_id = ? WHERE id = ?`, eventID, agentID)
	if err != nil {
		return fmt.Errorf("set index %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return travel.NotFound(agentID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*travel.Event, error) {
	var (
		ev                travel.Event
		kind              string
		dep, arr, created int64
		from, to, meta    sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.Seq, &ev.AgentID, &kind, &from, &to,
		&dep, &arr, &meta, &created); err != nil {
		return nil, err
	}
	ev.Kind = travel.Kind(kind)
	if from.Valid {
		ev.FromLocation = &from.String
	}
	if to.Valid {
		ev.ToLocation = &to.String
	}
	ev.Departure = fromUnix(dep)
	ev.Arrival = fromUnix(arr)
	ev.CreatedAt = fromUnix(created)
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &ev, nil
}
