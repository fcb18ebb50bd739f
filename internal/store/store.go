// Package store keeps the history of training jobs in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/juicywoowowow/flowtrain/internal/trainer"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("store: job not found")
	// ErrTransition is returned when a job cannot move to the requested status.
	ErrTransition = errors.New("store: invalid status transition")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Finished reports whether s is a final status.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Job is one row of the jobs table.
type Job struct {
	ID         string         `json:"job_id"`
	Dataset    string         `json:"dataset_id"`
	Status     Status         `json:"status"`
	Config     trainer.Config `json:"training_config"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	EpochsDone int            `json:"epochs_done"`

	// Metrics of the last finished epoch.
	Metrics *trainer.FinalMetrics `json:"metrics,omitempty"`

	ArtifactBytes int                 `json:"model_size_bytes,omitempty"`
	ErrorKind     trainer.FailureKind `json:"error_kind,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger     // nil discards
	Now    func() time.Time // nil uses time.Now
}

// Store is a SQLite backed job history. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the database at path, creating it if needed, and applies
// pending migrations. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: opts.Logger, now: opts.Now}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

func migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a pending job.
func (s *Store) Create(ctx context.Context, id, dataset string, cfg trainer.Config) (Job, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return Job{}, fmt.Errorf("store: encode config: %w", err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, dataset, status, config, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, dataset, string(StatusPending), string(raw), now.UnixMilli(),
	)
	if err != nil {
		return Job{}, fmt.Errorf("store: create job %s: %w", id, err)
	}
	s.logger.Debug("job created", "job_id", id, "dataset", dataset)
	return Job{ID: id, Dataset: dataset, Status: StatusPending, Config: cfg, CreatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

// Record applies a stream event to the job: Started marks it running,
// EpochMetrics updates its metrics, Completed and Error finish it.
// BatchProgress is ignored.
func (s *Store) Record(ctx context.Context, id string, ev trainer.Event) error {
	now := s.now().UnixMilli()
	switch ev := ev.(type) {
	case trainer.Started:
		return s.update(ctx, id, []Status{StatusPending}, StatusRunning,
			`started_at = ?`, now)
	case trainer.EpochMetrics:
		return s.update(ctx, id, []Status{StatusRunning}, StatusRunning,
			`epochs_done = ?, train_loss = ?, val_loss = ?, train_acc = ?, val_acc = ?`,
			ev.Epoch, ev.TrainLoss, ev.ValLoss, ev.TrainAcc, ev.ValAcc)
	case trainer.Completed:
		m := ev.FinalMetrics
		return s.update(ctx, id, []Status{StatusRunning}, StatusCompleted,
			`finished_at = ?, train_loss = ?, val_loss = ?, train_acc = ?, val_acc = ?, artifact_bytes = ?`,
			now, m.TrainLoss, m.ValLoss, m.TrainAcc, m.ValAcc, ev.SizeBytes)
	case trainer.Error:
		// Setup failures end a job that never started.
		return s.update(ctx, id, []Status{StatusPending, StatusRunning}, StatusFailed,
			`finished_at = ?, error_kind = ?, error = ?`,
			now, string(ev.FailureKind), ev.Message)
	default:
		return nil
	}
}

// Abandon marks an unfinished job as abandoned by its consumer.
func (s *Store) Abandon(ctx context.Context, id string) error {
	return s.update(ctx, id, []Status{StatusPending, StatusRunning}, StatusAbandoned,
		`finished_at = ?`, s.now().UnixMilli())
}

func (s *Store) update(ctx context.Context, id string, from []Status, to Status, set string, args ...any) error {
	query := `UPDATE jobs SET status = ?, ` + set + ` WHERE id = ? AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`
	params := append([]any{string(to)}, args...)
	params = append(params, id)
	for _, st := range from {
		params = append(params, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("store: update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update job %s: %w", id, err)
	}
	if n == 0 {
		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s, cannot become %s", ErrTransition, id, job.Status, to)
	}
	if len(from) != 1 || from[0] != to {
		s.logger.Debug("job status", "job_id", id, "status", to)
	}
	return nil
}

const selectJob = `SELECT id, dataset, status, config, created_at, started_at, finished_at,
	epochs_done, train_loss, val_loss, train_acc, val_acc, artifact_bytes, error_kind, error FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		j                  Job
		cfg                string
		created            int64
		started, finished  sql.NullInt64
		trainLoss, valLoss sql.NullFloat64
		trainAcc, valAcc   sql.NullFloat64
	)
	err := row.Scan(&j.ID, &j.Dataset, &j.Status, &cfg, &created, &started, &finished,
		&j.EpochsDone, &trainLoss, &valLoss, &trainAcc, &valAcc, &j.ArtifactBytes, &j.ErrorKind, &j.Error)
	if err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return Job{}, fmt.Errorf("decode config of job %s: %w", j.ID, err)
	}
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.StartedAt = millis(started)
	j.FinishedAt = millis(finished)
	if trainLoss.Valid {
		j.Metrics = &trainer.FinalMetrics{
			TrainLoss: trainLoss.Float64,
			ValLoss:   valLoss.Float64,
			TrainAcc:  trainAcc.Float64,
			ValAcc:    valAcc.Float64,
		}
	}
	return j, nil
}

func millis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return j, nil
}

// List returns up to limit jobs, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}
