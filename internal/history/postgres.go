package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore archives completed sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rephrase_history (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			input_text TEXT NOT NULL,
			outputs JSONB NOT NULL DEFAULT '{}'::jsonb,
			errors JSONB NOT NULL DEFAULT '{}'::jsonb,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`ALTER TABLE rephrase_history ADD COLUMN IF NOT EXISTS pii_redacted BOOLEAN NOT NULL DEFAULT FALSE;`,
		`CREATE INDEX IF NOT EXISTS idx_rephrase_history_completed ON rephrase_history (completed_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record = normalize(record, time.Now().UTC())

	outputs, err := json.Marshal(record.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	errs := []byte("{}")
	if len(record.Errors) > 0 {
		if errs, err = json.Marshal(record.Errors); err != nil {
			return fmt.Errorf("encode errors: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rephrase_history (id, session_id, input_text, outputs, errors, pii_redacted, created_at, completed_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8)`,
		record.ID,
		record.SessionID,
		record.InputText,
		string(outputs),
		string(errs),
		record.PIIRedacted,
		record.CreatedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultCapacity
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, input_text, outputs, errors, pii_redacted, created_at, completed_at
		 FROM rephrase_history ORDER BY completed_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r             Record
			outputs, errs []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.InputText, &outputs, &errs, &r.PIIRedacted, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal(outputs, &r.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(errs, &r.Errors); err != nil {
			return nil, fmt.Errorf("decode errors for %s: %w", r.ID, err)
		}
		if len(r.Errors) == 0 {
			r.Errors = nil
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
