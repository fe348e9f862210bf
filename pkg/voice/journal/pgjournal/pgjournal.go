// Package pgjournal stores the session journal in Postgres.
package pgjournal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/reframe-ai/reframe-voice/pkg/voice/journal"
	"github.com/reframe-ai/reframe-voice/pkg/voice/journal/pgjournal/migrations"
)

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and verifies the connection. It does not migrate.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies every pending embedded migration.
func (s *Store) Migrate(ctx context.Context) ([]*goose.MigrationResult, error) {
	provider, err := s.provider()
	if err != nil {
		return nil, err
	}
	defer provider.Close()
	results, err := provider.Up(ctx)
	if err != nil {
		return results, fmt.Errorf("apply migrations: %w", err)
	}
	return results, nil
}

// MigrationStatus reports applied and pending migrations.
func (s *Store) MigrationStatus(ctx context.Context) ([]*goose.MigrationStatus, error) {
	provider, err := s.provider()
	if err != nil {
		return nil, err
	}
	defer provider.Close()
	return provider.Status(ctx)
}

func (s *Store) provider() (*goose.Provider, error) {
	db := stdlib.OpenDBFromPool(s.pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}

func (s *Store) SessionStarted(ctx context.Context, rec journal.SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, language, started_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Language, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) SessionEnded(ctx context.Context, sessionID, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET ended_at = $2, end_reason = $3
		 WHERE id = $1 AND ended_at IS NULL`,
		sessionID, at.UTC(), reason)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) AppendTranscript(ctx context.Context, e journal.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_transcripts (session_id, role, text, created_at) VALUES ($1, $2, $3, $4)`,
		e.SessionID, e.Role, e.Text, e.At.UTC())
	if err != nil {
		return fmt.Errorf("append transcript for %s: %w", e.SessionID, err)
	}
	return nil
}

// Transcript returns the journaled transcript of one session in order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]journal.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, text, created_at FROM voice_transcripts WHERE session_id = $1 ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		e := journal.Entry{SessionID: sessionID}
		if err := rows.Scan(&e.Role, &e.Text, &e.At); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ journal.Journal = (*Store)(nil)
