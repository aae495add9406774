// Package sqlite is a single-file relocation log for deployments without
// PostgreSQL.
//
// SQLite admits one writer per database file, so transitions on different
// agents still queue behind each other at commit. The per-agent lock keeps
// same-agent transitions from ever reaching that point concurrently.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/agentlock"
	"github.com/nidhogg/tempus/internal/travel"

	_ "modernc.org/sqlite"
)

// querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store manages the SQLite database in WAL mode.
type Store struct {
	reader
	db     *sql.DB
	locks  *agentlock.Locker
	logger *zap.Logger
}

var _ travel.Store = (*Store)(nil)

// New opens (or creates) the database at path and applies migrations.
func New(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := applyMigrations(ctx, db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return &Store{reader: reader{q: db}, db: db, locks: agentlock.New(), logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateAgent inserts an agent with a random UUID.
func (s *Store) CreateAgent(ctx context.Context, name string) (*travel.Agent, error) {
	a := &travel.Agent{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	err := retryOp(ctx, defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (id, name, created_at) VALUES (?, ?, ?)`,
			a.ID, a.Name, unixSeconds(a.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// Update holds the agent's in-process lock and runs fn inside a
// BEGIN IMMEDIATE transaction on a dedicated connection. The whole attempt
// is retried on transient lock errors.
func (s *Store) Update(ctx context.Context, agentID string, fn func(w travel.Writer) error) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	return retryOp(ctx, defaultRetryConfig, func() error {
		return s.update(ctx, agentID, fn)
	})
}

func (s *Store) update(ctx context.Context, agentID string, fn func(w travel.Writer) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				s.logger.Warn("rollback failed", zap.String("agent", agentID), zap.Error(rbErr))
			}
		}
	}()

	w := writer{reader{q: conn}}
	if _, err := w.Agent(ctx, agentID); err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	committed = true
	return nil
}

// View runs fn inside one read transaction; WAL gives it a stable snapshot.
func (s *Store) View(ctx context.Context, fn func(r travel.Reader) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer tx.Rollback()

	if err := fn(reader{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("commit view: %w", err)
	}
	return nil
}

// unixSeconds and fromUnix map instants to INTEGER columns. Text layouts
// cannot represent years outside 0..9999, which trips routinely reach.
func unixSeconds(t time.Time) int64 { return t.Unix() }

func fromUnix(n int64) time.Time { return time.Unix(n, 0).UTC() }
