package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/tempus/internal/travel"
)

// CreateAgent inserts an agent with a random UUID.
func (s *Store) CreateAgent(ctx context.Context, name string) (*travel.Agent, error) {
	a := &travel.Agent{ID: uuid.New().String(), Name: name}
	err := s.db.QueryRow(ctx, `
		INSERT INTO agents (id, name, created_at)
		VALUES ($1, $2, date_trunc('second', NOW()))
		RETURNING created_at`,
		a.ID, a.Name,
	).Scan(&a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// Agent retrieves a single agent by ID.
func (r reader) Agent(ctx context.Context, agentID string) (*travel.Agent, error) {
	if !validID(agentID) {
		return nil, travel.NotFound(agentID)
	}
	var a travel.Agent
	err := r.q.QueryRow(ctx, `
		SELECT id::text, name, latest_event_id, created_at
		FROM agents WHERE id = $1`, agentID,
	).Scan(&a.ID, &a.Name, &a.LatestEventID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, travel.NotFound(agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// LatestEventID reads the agent's index entry.
func (r reader) LatestEventID(ctx context.Context, agentID string) (int64, bool, error) {
	if !validID(agentID) {
		return 0, false, nil
	}
	var id *int64
	err := r.q.QueryRow(ctx,
		`SELECT latest_event_id FROM agents WHERE id = $1`, agentID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get index %s: %w", agentID, err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// SetLatest overwrites the agent's index entry.
func (w writer) SetLatest(ctx context.Context, agentID string, eventID int64) error {
	tag, err := w.q.Exec(ctx,
		`UPDATE agents SET latest_event_id = $2 WHERE id = $1`, agentID, eventID)
	if err != nil {
		return fmt.Errorf("set index %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return travel.NotFound(agentID)
	}
	return nil
}

func validID(agentID string) bool {
	_, err := uuid.Parse(agentID)
	return err == nil
}
