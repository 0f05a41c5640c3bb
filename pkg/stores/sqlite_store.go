package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opendeck/deck/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is how timestamps are stored; RFC3339Nano round-trips the
// executor's timestamps without loss.
const timeFormat = time.RFC3339Nano

// ErrNotFound is returned when a requested plan or run does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore is the durable journal behind plan execution: plans, runs,
// step results and the CLI event log. It implements the executor's Journal
// interface.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded schema files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SavePlan persists a plan. Saving the same plan twice is a no-op update,
// so re-invoking apply on a stored plan is safe.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal plan steps: %w", err)
	}
	desired, err := json.Marshal(plan.Desired)
	if err != nil {
		return fmt.Errorf("failed to marshal desired state: %w", err)
	}

	query := `
		INSERT INTO plans (id, service, target, unverified, desired, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unverified = excluded.unverified,
			desired = excluded.desired,
			steps = excluded.steps
	`

	unverified := 0
	if plan.Unverified {
		unverified = 1
	}
	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		plan.Service,
		plan.Target,
		unverified,
		string(desired),
		string(steps),
		plan.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// SaveRun persists a run's current state.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, plan_id, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if run.CompletedAt != nil {
		formatted := run.CompletedAt.UTC().Format(timeFormat)
		completedAt = &formatted
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		string(run.Status),
		run.StartedAt.UTC().Format(timeFormat),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// AppendResult persists one step result for a run.
func (s *SQLiteStore) AppendResult(ctx context.Context, runID string, result engine.StepResult) error {
	var observed, errJSON *string
	if result.ObservedState != nil {
		b, err := json.Marshal(result.ObservedState)
		if err != nil {
			return fmt.Errorf("failed to marshal observed state: %w", err)
		}
		str := string(b)
		observed = &str
	}
	if result.Error != nil {
		b, err := json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal step error: %w", err)
		}
		str := string(b)
		errJSON = &str
	}

	query := `
		INSERT INTO step_results (run_id, step_id, idempotency_key, outcome, observed_state, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		runID,
		result.StepID,
		result.IdempotencyKey,
		string(result.Outcome),
		observed,
		errJSON,
		result.StartedAt.UTC().Format(timeFormat),
		result.CompletedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to append step result: %w", err)
	}
	return nil
}

// AppliedKeys returns the idempotency keys that reached an OK outcome in any
// run of the plan.
func (s *SQLiteStore) AppliedKeys(ctx context.Context, planID string) (map[string]struct{}, error) {
	query := `
		SELECT DISTINCT sr.idempotency_key
		FROM step_results sr
		JOIN runs r ON sr.run_id = r.id
		WHERE r.plan_id = ? AND sr.outcome IN (?, ?)
	`
	rows, err := s.db.QueryContext(ctx, query, planID,
		string(engine.OutcomeSucceeded), string(engine.OutcomeSkippedAlreadyApplied))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan applied key: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied keys: %w", err)
	}
	return keys, nil
}

// GetPlan retrieves a stored plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	query := `
		SELECT id, service, target, unverified, desired, steps, created_at
		FROM plans
		WHERE id = ?
	`
	return s.scanPlan(s.db.QueryRowContext(ctx, query, id))
}

// LatestPlan retrieves the most recently created plan for a service on a
// target. Used to resume a partially failed deploy.
func (s *SQLiteStore) LatestPlan(ctx context.Context, service, target string) (*engine.Plan, error) {
	query := `
		SELECT id, service, target, unverified, desired, steps, created_at
		FROM plans
		WHERE service = ? AND target = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanPlan(s.db.QueryRowContext(ctx, query, service, target))
}

func (s *SQLiteStore) scanPlan(row *sql.Row) (*engine.Plan, error) {
	var (
		plan       engine.Plan
		unverified int
		desired    string
		steps      string
		createdAt  string
	)
	err := row.Scan(&plan.ID, &plan.Service, &plan.Target, &unverified, &desired, &steps, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	plan.Unverified = unverified != 0
	if err := json.Unmarshal([]byte(desired), &plan.Desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired state: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan steps: %w", err)
	}
	if plan.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse plan timestamp: %w", err)
	}
	return &plan, nil
}

// GetRun retrieves a run with its full result sequence.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at
		FROM runs
		WHERE id = ?
	`
	var (
		run         engine.Run
		status      string
		startedAt   string
		completedAt *string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&run.ID, &run.PlanID, &status, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Status = engine.RunStatus(status)
	if run.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse run timestamp: %w", err)
	}
	if completedAt != nil {
		t, err := time.Parse(timeFormat, *completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse run completion timestamp: %w", err)
		}
		run.CompletedAt = &t
	}

	if run.Results, err = s.listResults(ctx, id); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs newest-first with pagination. Result sequences are not
// loaded; use GetRun for the full audit trail.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		var (
			run         engine.Run
			status      string
			startedAt   string
			completedAt *string
		)
		if err := rows.Scan(&run.ID, &run.PlanID, &status, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.RunStatus(status)
		if run.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse run timestamp: %w", err)
		}
		if completedAt != nil {
			t, err := time.Parse(timeFormat, *completedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to parse run completion timestamp: %w", err)
			}
			run.CompletedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// LatestRunForPlan retrieves the most recent run of a plan.
func (s *SQLiteStore) LatestRunForPlan(ctx context.Context, planID string) (*engine.Run, error) {
	query := `
		SELECT id
		FROM runs
		WHERE plan_id = ?
		ORDER BY started_at DESC
		LIMIT 1
	`
	var id string
	err := s.db.QueryRowContext(ctx, query, planID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return s.GetRun(ctx, id)
}

func (s *SQLiteStore) listResults(ctx context.Context, runID string) ([]engine.StepResult, error) {
	query := `
		SELECT step_id, idempotency_key, outcome, observed_state, error, started_at, completed_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []engine.StepResult
	for rows.Next() {
		var (
			result      engine.StepResult
			outcome     string
			observed    *string
			errJSON     *string
			startedAt   string
			completedAt string
		)
		if err := rows.Scan(&result.StepID, &result.IdempotencyKey, &outcome, &observed, &errJSON, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		result.Outcome = engine.Outcome(outcome)
		if observed != nil {
			if err := json.Unmarshal([]byte(*observed), &result.ObservedState); err != nil {
				return nil, fmt.Errorf("failed to unmarshal observed state: %w", err)
			}
		}
		if errJSON != nil {
			if err := json.Unmarshal([]byte(*errJSON), &result.Error); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step error: %w", err)
			}
		}
		if result.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse result timestamp: %w", err)
		}
		if result.CompletedAt, err = time.Parse(timeFormat, completedAt); err != nil {
			return nil, fmt.Errorf("failed to parse result completion timestamp: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}
	return results, nil
}

// AppendEvent appends a new entry to the CLI event journal.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (command, service, target, run_id, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		event.Command,
		event.Service,
		event.Target,
		event.RunID,
		event.Detail,
		event.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents retrieves events newest-first with pagination.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, command, service, target, run_id, detail, timestamp
		FROM events
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event     Event
			timestamp string
		)
		if err := rows.Scan(&event.ID, &event.Command, &event.Service, &event.Target, &event.RunID, &event.Detail, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if event.Timestamp, err = time.Parse(timeFormat, timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
