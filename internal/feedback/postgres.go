package feedback

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

const versionTable = "feedback_schema_version"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresSink stores reports in the prediction_feedback table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and migrates the schema to the latest
// embedded version.
func OpenPostgres(ctx context.Context, url string) (*PostgresSink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("postgres sink: database url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

// Migrate applies the embedded migrations on a connection from pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire: %w", err)
	}
	defer conn.Release()

	m, err := migrate.NewMigratorEx(ctx, conn.Conn(), versionTable, &migrate.MigratorOptions{})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	root, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	if err := m.LoadMigrations(root); err != nil {
		return fmt.Errorf("migrate: load: %w", err)
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, r Report) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prediction_feedback (id, text, predicted_label, confidence, comment, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Text, r.PredictedLabel, r.Confidence, r.Comment, r.RequestID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres sink: insert: %w", err)
	}
	return nil
}

// Recent returns the latest reports, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		return nil, errors.New("postgres sink: limit must be positive")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, predicted_label, confidence, comment, request_id, created_at
		FROM prediction_feedback
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: query: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.Text, &r.PredictedLabel, &r.Confidence, &r.Comment, &r.RequestID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres sink: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresSink) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres sink: ping: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
