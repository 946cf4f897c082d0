// Package store keeps the render run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

// ErrRunNotFound is returned by GetRun for unknown IDs
var ErrRunNotFound = errors.New("run not found")

// Fixed width keeps lexical order equal to time order for pruning
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTimestamp parses a timestamp string from SQLite, handling multiple formats
func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}

	formats := []string{
		timeLayout,
		"2006-01-02 15:04:05", // SQLite CURRENT_TIMESTAMP
		time.RFC3339Nano,
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}

// Store handles database operations
type Store struct {
	db         *sql.DB
	writeQueue *writeQueue
	logger     *log.Logger
}

// NewStore opens (or creates) the history database at dbPath
func NewStore(dbPath string, logger *log.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL allows readers alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store.writeQueue = newWriteQueue(store)
	logger.Debug("sqlite configured", "path", dbPath, "journal", "wal", "busy_timeout_ms", 5000)

	return store, nil
}

// migrate runs database migrations
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			stage TEXT,
			error_text TEXT,
			artifact_path TEXT,
			bytes INTEGER NOT NULL DEFAULT 0,
			checksum TEXT,
			data_fetch_ms INTEGER NOT NULL DEFAULT 0,
			template_ms INTEGER NOT NULL DEFAULT 0,
			rasterize_ms INTEGER NOT NULL DEFAULT 0,
			conversion_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		// total_ms arrived after the first release
		`ALTER TABLE runs ADD COLUMN total_ms INTEGER NOT NULL DEFAULT 0`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			// Column already exists
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
	}

	return nil
}

// CreateRun inserts a run record and assigns its ID (queued for serialized execution)
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	return s.writeQueue.enqueue(ctx, opCreateRun, run)
}

// createRunDirect creates a new run record (direct database access, called by write queue)
func (s *Store) createRunDirect(run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO runs (id, trigger_type, started_at, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), formatTimestamp(run.StartedAt), run.Status, formatTimestamp(run.CreatedAt),
	)
	return err
}

// UpdateRun stores the outcome of a run (queued for serialized execution)
func (s *Store) UpdateRun(ctx context.Context, run *model.Run) error {
	return s.writeQueue.enqueue(ctx, opUpdateRun, run)
}

// updateRunDirect updates a run record (direct database access, called by write queue)
func (s *Store) updateRunDirect(run *model.Run) error {
	var finishedAt interface{}
	if run.FinishedAt != nil {
		finishedAt = formatTimestamp(*run.FinishedAt)
	}

	result, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?, status = ?, stage = ?, error_text = ?, artifact_path = ?,
			bytes = ?, checksum = ?, data_fetch_ms = ?, template_ms = ?, rasterize_ms = ?,
			conversion_ms = ?, total_ms = ?
		WHERE id = ?`,
		finishedAt, run.Status, run.Stage, run.ErrorText, run.ArtifactPath,
		run.Bytes, run.Checksum, run.DataFetchMS, run.TemplateMS, run.RasterizeMS,
		run.ConversionMS, run.TotalMS, run.ID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// PruneRuns deletes runs started before olderThan and all but the newest
// keep runs. Zero values disable the respective rule.
func (s *Store) PruneRuns(ctx context.Context, olderThan time.Time, keep int) (int64, error) {
	params := pruneParams{olderThan: olderThan, keep: keep}
	if err := s.writeQueue.enqueue(ctx, opPruneRuns, &params); err != nil {
		return 0, err
	}
	return params.deleted, nil
}

// Prune applies the configured retention: runs older than retentionDays and
// beyond the newest maxRuns are removed
func (s *Store) Prune(ctx context.Context, retentionDays, maxRuns int) (int64, error) {
	var cutoff time.Time
	if retentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -retentionDays)
	}
	n, err := s.PruneRuns(ctx, cutoff, maxRuns)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned run history", "deleted", n)
	}
	return n, nil
}

func (s *Store) pruneRunsDirect(params *pruneParams) error {
	if !params.olderThan.IsZero() {
		result, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, formatTimestamp(params.olderThan))
		if err != nil {
			return fmt.Errorf("failed to prune by age: %w", err)
		}
		n, _ := result.RowsAffected()
		params.deleted += n
	}

	if params.keep > 0 {
		result, err := s.db.Exec(`
			DELETE FROM runs WHERE id NOT IN (
				SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
			)`, params.keep)
		if err != nil {
			return fmt.Errorf("failed to prune by count: %w", err)
		}
		n, _ := result.RowsAffected()
		params.deleted += n
	}
	return nil
}

const runColumns = `id, trigger_type, started_at, finished_at, status, stage, error_text,
	artifact_path, bytes, checksum, data_fetch_ms, template_ms, rasterize_ms,
	conversion_ms, total_ms, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	run := &model.Run{}
	var trigger, startedAt, createdAt string
	var finishedAt, stage, errorText, artifactPath, checksum sql.NullString

	err := row.Scan(
		&run.ID, &trigger, &startedAt, &finishedAt, &run.Status, &stage, &errorText,
		&artifactPath, &run.Bytes, &checksum, &run.DataFetchMS, &run.TemplateMS,
		&run.RasterizeMS, &run.ConversionMS, &run.TotalMS, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	run.Trigger = model.Trigger(trigger)
	if t := parseTimestamp(startedAt); t != nil {
		run.StartedAt = *t
	}
	if t := parseTimestamp(createdAt); t != nil {
		run.CreatedAt = *t
	}
	if finishedAt.Valid {
		run.FinishedAt = parseTimestamp(finishedAt.String)
	}
	run.Stage = stage.String
	run.ErrorText = errorText.String
	run.ArtifactPath = artifactPath.String
	run.Checksum = checksum.String

	return run, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the database connection and shuts down the write queue
func (s *Store) Close() error {
	// Pending writes complete before the connection closes
	if s.writeQueue != nil {
		s.writeQueue.shutdown()
	}
	return s.db.Close()
}
