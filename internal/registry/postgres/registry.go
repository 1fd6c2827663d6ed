// Package postgres provides a Postgres-backed job registry for crash
// recovery across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/crawld/internal/crawl"
)

// pool is the narrow pgx surface the registry needs, satisfied by both
// pgxpool.Pool and pgxmock.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Registry implements crawl.Registry on a jobs table. Transition validity is
// enforced inside the UPDATE itself, so concurrent writers for the same job
// serialize on the row lock and at most one transition per edge wins.
type Registry struct {
	pool  pool
	idGen crawl.IDGenerator
	clock crawl.Clock
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	spider_name      TEXT NOT NULL,
	state            TEXT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	result           JSONB,
	failure_kind     TEXT,
	failure_message  TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
)`

// NewRegistry connects to Postgres and ensures the jobs table exists.
func NewRegistry(ctx context.Context, cfg Config, idGen crawl.IDGenerator, clock crawl.Clock) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r := &Registry{pool: p, idGen: idGen, clock: clock}
	if _, err := p.Exec(ctx, schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("ensure jobs table: %w", err)
	}
	return r, nil
}

// NewRegistryWithPool constructs a registry from an existing pool
// (primarily for testing).
func NewRegistryWithPool(p pool, idGen crawl.IDGenerator, clock crawl.Clock) (*Registry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Registry{pool: p, idGen: idGen, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Create inserts a new job in pending state and returns it.
func (r *Registry) Create(ctx context.Context, spiderName string) (crawl.Job, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	job := crawl.Job{
		ID:         id,
		SpiderName: spiderName,
		State:      crawl.StatePending,
		Submitted:  now,
		Updated:    now,
	}
	const q = `INSERT INTO jobs (id, spider_name, state, submitted_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, q, job.ID, job.SpiderName, string(job.State), job.Submitted, job.Updated); err != nil {
		return crawl.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Transition validates and applies a state change for one job.
func (r *Registry) Transition(
	ctx context.Context,
	jobID string,
	newState crawl.JobState,
	payload crawl.TransitionPayload,
) error {
	if !newState.Valid() {
		return fmt.Errorf("%w: unknown state %q", crawl.ErrInvalidTransition, newState)
	}
	if payload.Result != nil && newState != crawl.StateSucceeded {
		return fmt.Errorf("%w: result payload only valid for succeeded (job %s)", crawl.ErrInvalidTransition, jobID)
	}
	if payload.Failure != nil && newState != crawl.StateFailed {
		return fmt.Errorf("%w: failure payload only valid for failed (job %s)", crawl.ErrInvalidTransition, jobID)
	}

	var resultJSON []byte
	if payload.Result != nil {
		var err error
		resultJSON, err = json.Marshal(payload.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	var failureKind, failureMessage *string
	if payload.Failure != nil {
		failureKind = &payload.Failure.Kind
		failureMessage = &payload.Failure.Message
	}
	now := r.clock.Now()

	// The state filter makes the edge check atomic with the write.
	const q = `
		UPDATE jobs SET
			state = $2,
			updated_at = $3,
			started_at = CASE WHEN $2 = 'running' THEN $3 ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('succeeded', 'failed', 'cancelled') THEN $3 ELSE finished_at END,
			result = $4,
			failure_kind = $5,
			failure_message = $6
		WHERE id = $1 AND state = ANY($7)`
	tag, err := r.pool.Exec(ctx, q, jobID, string(newState), now, resultJSON, failureKind, failureMessage, validSources(newState))
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// No row matched: distinguish a missing job from an illegal edge.
	var current string
	err = r.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", crawl.ErrNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("read job state: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s (job %s)", crawl.ErrInvalidTransition, current, newState, jobID)
}

// Get returns a snapshot of the job's most recently committed state.
func (r *Registry) Get(ctx context.Context, jobID string) (crawl.Job, error) {
	const q = selectColumns + ` WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Job{}, fmt.Errorf("%w: %s", crawl.ErrNotFound, jobID)
	}
	if err != nil {
		return crawl.Job{}, fmt.Errorf("read job: %w", err)
	}
	return job, nil
}

// List returns a snapshot of every job.
func (r *Registry) List(ctx context.Context) ([]crawl.Job, error) {
	rows, err := r.pool.Query(ctx, selectColumns)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// MarkCancelRequested flags the job for cooperative cancellation. Terminal
// jobs are left untouched.
func (r *Registry) MarkCancelRequested(ctx context.Context, jobID string) error {
	const q = `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND state IN ('pending', 'running')`
	tag, err := r.pool.Exec(ctx, q, jobID, r.clock.Now())
	if err != nil {
		return fmt.Errorf("flag cancellation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", crawl.ErrNotFound, jobID)
	}
	return nil
}

// CancelAbandoned moves every non-terminal job to cancelled. Called at
// startup so jobs interrupted by a crash are never silently resumed.
func (r *Registry) CancelAbandoned(ctx context.Context) (int, error) {
	const q = `
		UPDATE jobs SET state = 'cancelled', updated_at = $1, finished_at = $1
		WHERE state IN ('pending', 'running')`
	tag, err := r.pool.Exec(ctx, q, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel abandoned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const selectColumns = `
	SELECT id, spider_name, state, submitted_at, updated_at, started_at,
	       finished_at, result, failure_kind, failure_message, cancel_requested
	FROM jobs`

func validSources(to crawl.JobState) []string {
	states := []crawl.JobState{
		crawl.StatePending,
		crawl.StateRunning,
		crawl.StateSucceeded,
		crawl.StateFailed,
		crawl.StateCancelled,
	}
	var from []string
	for _, s := range states {
		if crawl.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job             crawl.Job
		state           string
		resultJSON      []byte
		failureKind     *string
		failureMessage  *string
		started, finish *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.SpiderName,
		&state,
		&job.Submitted,
		&job.Updated,
		&started,
		&finish,
		&resultJSON,
		&failureKind,
		&failureMessage,
		&job.CancelRequested,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	job.State = crawl.JobState(state)
	job.Started = started
	job.Finished = finish
	if len(resultJSON) > 0 {
		var result crawl.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	if failureKind != nil {
		msg := ""
		if failureMessage != nil {
			msg = *failureMessage
		}
		job.Failure = crawl.NewCrawlError(*failureKind, msg)
	}
	return job, nil
}
