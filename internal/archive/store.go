// Package archive persists finished jobs to PostgreSQL for reporting
// across service restarts. The in-memory ledger stays authoritative for
// the current run; the archive is write-behind and best-effort.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/shared/postgresql"
)

// Record is the persisted shape of a finished job. Outputs are stored as
// a JSON object keyed by step number.
type Record struct {
	JobID      string    `db:"job_id"`
	Input      string    `db:"input"`
	Status     string    `db:"status"`
	Outputs    string    `db:"outputs"`
	Error      string    `db:"error"`
	CreatedAt  time.Time `db:"created_at"`
	FinishedAt time.Time `db:"finished_at"`
}

// Store handles all archive database operations.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store over an established database connection.
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// EnsureSchema creates the archive table if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS archived_jobs (
			job_id      TEXT PRIMARY KEY,
			input       TEXT NOT NULL,
			status      TEXT NOT NULL,
			outputs     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archived_jobs_finished
			ON archived_jobs (finished_at DESC, job_id DESC);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure archive schema: %w", err)
	}
	return nil
}

// JobFinished implements the scheduler sink: it archives the job and logs
// on failure. Archival must never disturb the drain.
func (s *Store) JobFinished(job *domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Insert(ctx, job); err != nil {
		s.logger.Error("Failed to archive finished job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Insert writes one finished job.
func (s *Store) Insert(ctx context.Context, job *domain.Job) error {
	outputs, err := encodeOutputs(job.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode job outputs: %w", err)
	}

	query := `
		INSERT INTO archived_jobs (
			job_id, input, status, outputs, error, created_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Input,
		job.Status,
		outputs,
		job.Error,
		job.CreatedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	return nil
}

// Get retrieves one archived job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	var rec Record
	query := `
		SELECT job_id, input, status, outputs, error, created_at, finished_at
		FROM archived_jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &rec, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}

	return &rec, nil
}

// Filter narrows an archive listing.
type Filter struct {
	Status   string
	PageSize int
	Cursor   *Cursor
}

// List returns archived jobs newest first, fetching one extra row so the
// caller can decide whether a next cursor exists.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `
		SELECT job_id, input, status, outputs, error, created_at, finished_at
		FROM archived_jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (finished_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.FinishedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY finished_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}

	return records, nil
}

// DecodeOutputs unpacks the stored outputs JSON back to the step map.
func (r *Record) DecodeOutputs() (map[domain.Step]string, error) {
	if r.Outputs == "" {
		return map[domain.Step]string{}, nil
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(r.Outputs), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode job outputs: %w", err)
	}

	out := make(map[domain.Step]string, len(raw))
	for k, v := range raw {
		step, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid step key %q in archived outputs", k)
		}
		out[domain.Step(step)] = v
	}
	return out, nil
}

func encodeOutputs(outputs map[domain.Step]string) (string, error) {
	raw := make(map[string]string, len(outputs))
	for step, text := range outputs {
		raw[strconv.Itoa(int(step))] = text
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
