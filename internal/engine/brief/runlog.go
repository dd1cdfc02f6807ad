package brief

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres/*.sql
var pgSchemaFS embed.FS

// RunRecord is the archived outcome of one pipeline run.
type RunRecord struct {
	RunID    string
	VideoID  string
	Style    Style
	Trigger  Trigger
	Status   string // success | failed
	Stage    string // failed stage, if any
	Error    string
	Started  time.Time
	Duration time.Duration
}

// PGRunLog archives run records in Postgres.
type PGRunLog struct {
	pool *pgxpool.Pool
}

// ConnectRunLog creates a pgx pool and runs schema migrations.
func ConnectRunLog(ctx context.Context, databaseURL string) (*PGRunLog, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 4
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	l := &PGRunLog{pool: pool}
	if err := l.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("run archive connected", slog.String("addr", config.ConnConfig.Host))
	return l, nil
}

// Close releases the pool.
func (l *PGRunLog) Close() { l.pool.Close() }

func (l *PGRunLog) runMigrations(ctx context.Context) error {
	entries, err := pgSchemaFS.ReadDir("schema/postgres")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		data, err := pgSchemaFS.ReadFile("schema/postgres/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if _, err := l.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("execute %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Record inserts one run row.
func (l *PGRunLog) Record(ctx context.Context, r RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO brief_runs (run_id, video_id, style, source, status, stage, error, started_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.VideoID, string(r.Style), string(r.Trigger), r.Status, r.Stage, r.Error,
		r.Started, r.Duration.Milliseconds())
	return err
}

// RecentFailures returns the latest failed runs, newest first.
func (l *PGRunLog) RecentFailures(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT run_id, video_id, style, source, status, stage, error, started_at, duration_ms
		 FROM brief_runs WHERE status = 'failed' ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r            RunRecord
			style, trig  string
			durationMsec int64
		)
		if err := rows.Scan(&r.RunID, &r.VideoID, &style, &trig, &r.Status, &r.Stage, &r.Error, &r.Started, &durationMsec); err != nil {
			return nil, err
		}
		r.Style, r.Trigger = Style(style), Trigger(trig)
		r.Duration = time.Duration(durationMsec) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
