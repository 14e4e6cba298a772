package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateWaiting     State = "waiting"
	StateDelayed     State = "delayed"
	StatePrioritized State = "prioritized"
	StateActive      State = "active"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// AllStates lists every job state, pending states first.
var AllStates = []State{StateActive, StateWaiting, StateDelayed, StatePrioritized, StateCompleted, StateFailed}

// PendingStates are states in which a job will still run.
var PendingStates = []State{StateWaiting, StateDelayed, StatePrioritized}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a persisted unit of queued work.
type Job struct {
	ID             string
	Queue          string
	Name           string
	Data           json.RawMessage
	State          State
	Priority       int
	AttemptsMade   int
	MaxAttempts    int
	Backoff        Backoff
	DedupID        string
	DedupExpiresAt time.Time
	RunAt          time.Time
	LockOwner      string
	LockExpiresAt  time.Time
	FailedReason   string
	ReturnValue    json.RawMessage
	CreatedAt      time.Time
	ProcessedAt    time.Time
	FinishedAt     time.Time

	lockToken string
}

// Decode unmarshals the job data into v.
func (j Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return fmt.Errorf("job %s has no data", j.ID)
	}
	return json.Unmarshal(j.Data, v)
}

// Options control a single submission. Zero values fall back to the queue defaults.
type Options struct {
	Attempts int
	Backoff  Backoff
	// DedupID collapses submissions while a job with the same id is pending,
	// or until DedupTTL elapses when a TTL is set.
	DedupID  string
	DedupTTL time.Duration
	Delay    time.Duration
	// Priority orders claims; higher values run first.
	Priority int
}

type BulkJob struct {
	Name string
	Data any
	Opts Options
}

// Queue is a named, durable job queue stored in the jobs table.
type Queue struct {
	name     string
	db       *sql.DB
	defaults Options
	Now      func() time.Time
}

func New(db *sql.DB, name string, defaults Options) *Queue {
	if defaults.Attempts <= 0 {
		defaults.Attempts = 1
	}
	return &Queue{name: name, db: db, defaults: defaults}
}

func (q *Queue) Name() string { return q.name }

// Defaults returns the options applied to every submission.
func (q *Queue) Defaults() Options { return q.defaults }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) merge(opts Options) Options {
	if opts.Attempts <= 0 {
		opts.Attempts = q.defaults.Attempts
	}
	if opts.Backoff.Type == "" && opts.Backoff.Delay == 0 {
		opts.Backoff = q.defaults.Backoff
	}
	if opts.DedupTTL == 0 {
		opts.DedupTTL = q.defaults.DedupTTL
	}
	if opts.Priority == 0 {
		opts.Priority = q.defaults.Priority
	}
	return opts
}

const jobColumns = `id,queue,name,data_json,state,priority,attempts_made,max_attempts,backoff_type,backoff_delay_ms,dedup_id,dedup_expires_at,run_at,lock_owner,lock_token,lock_expires_at,failed_reason,return_json,created_at,processed_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var data, backoffType, dedupID, lockOwner, lockToken, failedReason, returnJSON sql.NullString
	var backoffDelay, runAt, createdAt int64
	var dedupExpires, lockExpires, processedAt, finishedAt sql.NullInt64
	var state string
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &data, &state, &j.Priority, &j.AttemptsMade, &j.MaxAttempts, &backoffType, &backoffDelay,
		&dedupID, &dedupExpires, &runAt, &lockOwner, &lockToken, &lockExpires, &failedReason, &returnJSON, &createdAt, &processedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrJobNotFound
	}
	if err != nil {
		return j, err
	}
	j.State = State(state)
	if data.Valid {
		j.Data = json.RawMessage(data.String)
	}
	if returnJSON.Valid {
		j.ReturnValue = json.RawMessage(returnJSON.String)
	}
	j.Backoff = Backoff{Type: backoffType.String, Delay: time.Duration(backoffDelay) * time.Millisecond}
	j.DedupID = dedupID.String
	j.LockOwner = lockOwner.String
	j.lockToken = lockToken.String
	j.FailedReason = failedReason.String
	j.RunAt = time.UnixMilli(runAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.DedupExpiresAt = fromMillis(dedupExpires)
	j.LockExpiresAt = fromMillis(lockExpires)
	j.ProcessedAt = fromMillis(processedAt)
	j.FinishedAt = fromMillis(finishedAt)
	return j, nil
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Add submits a job. When a live job shares the dedup id, that job is returned instead.
func (q *Queue) Add(ctx context.Context, name string, data any, opts Options) (Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()
	job, err := q.add(ctx, tx, name, data, opts)
	if err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// AddBulk submits several jobs atomically.
func (q *Queue) AddBulk(ctx context.Context, jobs []BulkJob) ([]Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res := make([]Job, 0, len(jobs))
	for _, b := range jobs {
		job, err := q.add(ctx, tx, b.Name, b.Data, b.Opts)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (q *Queue) add(ctx context.Context, tx querier, name string, data any, opts Options) (Job, error) {
	opts = q.merge(opts)
	now := q.now()
	nowMs := now.UnixMilli()
	if opts.DedupID != "" {
		existing, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE queue=? AND dedup_id=? AND (state NOT IN ('completed','failed') OR (dedup_expires_at IS NOT NULL AND dedup_expires_at>?))
ORDER BY seq DESC LIMIT 1`, q.name, opts.DedupID, nowMs))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return Job{}, err
		}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Job{}, fmt.Errorf("encode job data: %w", err)
	}
	state := StateWaiting
	switch {
	case opts.Delay > 0:
		state = StateDelayed
	case opts.Priority > 0:
		state = StatePrioritized
	}
	var dedupExpires any
	if opts.DedupID != "" && opts.DedupTTL > 0 {
		dedupExpires = now.Add(opts.DedupTTL).UnixMilli()
	}
	var dedupID any
	if opts.DedupID != "" {
		dedupID = opts.DedupID
	}
	var backoffType any
	if opts.Backoff.Type != "" {
		backoffType = opts.Backoff.Type
	}
	id := uuid.NewString()
	runAt := now.Add(opts.Delay).UnixMilli()
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,queue,name,data_json,state,priority,attempts_made,max_attempts,backoff_type,backoff_delay_ms,dedup_id,dedup_expires_at,run_at,created_at)
VALUES (?,?,?,?,?,?,0,?,?,?,?,?,?,?)`, id, q.name, name, string(payload), string(state), opts.Priority, opts.Attempts,
		backoffType, opts.Backoff.Delay.Milliseconds(), dedupID, dedupExpires, runAt, nowMs); err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return Job{
		ID:           id,
		Queue:        q.name,
		Name:         name,
		Data:         payload,
		State:        state,
		Priority:     opts.Priority,
		MaxAttempts:  opts.Attempts,
		Backoff:      opts.Backoff,
		DedupID:      opts.DedupID,
		RunAt:        time.UnixMilli(runAt),
		CreatedAt:    time.UnixMilli(nowMs),
		AttemptsMade: 0,
	}, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (Job, error) {
	return scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue=? AND id=?`, q.name, id))
}

func (q *Queue) GetState(ctx context.Context, id string) (State, error) {
	var s string
	err := q.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE queue=? AND id=?`, q.name, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	return State(s), err
}

func stateArgs(states []State) (string, []any) {
	if len(states) == 0 {
		states = AllStates
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(states)), ","), args
}

// GetJobs lists jobs in the given states, or all states when none are given.
func (q *Queue) GetJobs(ctx context.Context, states ...State) ([]Job, error) {
	return q.GetJobsRange(ctx, states, 0, -1)
}

// GetJobsRange lists jobs in insertion order between from and to inclusive; a
// negative to means no upper bound.
func (q *Queue) GetJobsRange(ctx context.Context, states []State, from, to int) ([]Job, error) {
	ph, args := stateArgs(states)
	limit := -1
	if to >= 0 {
		limit = to - from + 1
		if limit <= 0 {
			return nil, nil
		}
	}
	if from < 0 {
		from = 0
	}
	args = append([]any{q.name}, args...)
	args = append(args, limit, from)
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue=? AND state IN (`+ph+`) ORDER BY seq LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// GetJobsByName lists jobs with the given name in the given states, or all states.
func (q *Queue) GetJobsByName(ctx context.Context, name string, states ...State) ([]Job, error) {
	ph, args := stateArgs(states)
	args = append([]any{q.name, name}, args...)
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue=? AND name=? AND state IN (`+ph+`) ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// GetJobCounts counts jobs per state. Requested states with no jobs report zero.
func (q *Queue) GetJobCounts(ctx context.Context, states ...State) (map[State]int, error) {
	if len(states) == 0 {
		states = AllStates
	}
	ph, args := stateArgs(states)
	args = append([]any{q.name}, args...)
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs WHERE queue=? AND state IN (`+ph+`) GROUP BY state`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[State]int, len(states))
	for _, s := range states {
		res[s] = 0
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[State(s)] = n
	}
	return res, rows.Err()
}

// Remove deletes a job that no worker holds. Removing a job releases its dedup id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue=? AND id=? AND state!='active'`, q.name, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	state, err := q.GetState(ctx, id)
	if err != nil {
		return err
	}
	if state == StateActive {
		return ErrJobLocked
	}
	return fmt.Errorf("remove job %s: state changed to %s", id, state)
}

// MoveToFailed forces a job into the failed state and drops any worker lock.
func (q *Queue) MoveToFailed(ctx context.Context, id, reason string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET state='failed', failed_reason=?, finished_at=?,
  lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL WHERE queue=? AND id=?`, reason, q.now().UnixMilli(), q.name, id)
	if err != nil {
		return err
	}
	return affected(res)
}

// MoveToCompleted forces a job into the completed state and drops any worker lock.
func (q *Queue) MoveToCompleted(ctx context.Context, id string, result any) error {
	var ret any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		ret = string(b)
	}
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET state='completed', return_json=?, finished_at=?,
  lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL WHERE queue=? AND id=?`, ret, q.now().UnixMilli(), q.name, id)
	if err != nil {
		return err
	}
	return affected(res)
}

// RecoverStalled returns active jobs whose lock expired to the waiting state.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET state='waiting', run_at=?, lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL
WHERE queue=? AND state='active' AND lock_expires_at IS NOT NULL AND lock_expires_at<?`, now, q.name, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Clean deletes up to limit jobs in state older than grace. A non-positive
// limit removes all matches.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, state State, limit int) (int, error) {
	if state == StateActive {
		return 0, fmt.Errorf("clean: %w", ErrJobLocked)
	}
	if limit <= 0 {
		limit = -1
	}
	cutoff := q.now().Add(-grace).UnixMilli()
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE seq IN (
  SELECT seq FROM jobs WHERE queue=? AND state=? AND COALESCE(finished_at, created_at)<=? ORDER BY seq LIMIT ?)`,
		q.name, string(state), cutoff, limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// claim atomically moves the next runnable job to active under a fresh lock.
func (q *Queue) claim(ctx context.Context, owner string, lockFor time.Duration) (Job, error) {
	now := q.now()
	token := uuid.NewString()
	job, err := scanJob(q.db.QueryRowContext(ctx, `UPDATE jobs SET state='active', lock_owner=?, lock_token=?, lock_expires_at=?, processed_at=?
WHERE seq=(SELECT seq FROM jobs WHERE queue=? AND state IN ('waiting','delayed','prioritized') AND run_at<=?
  ORDER BY priority DESC, run_at, seq LIMIT 1)
RETURNING `+jobColumns, owner, token, now.Add(lockFor).UnixMilli(), now.UnixMilli(), q.name, now.UnixMilli()))
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *Queue) extendLock(ctx context.Context, job Job, lockFor time.Duration) error {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET lock_expires_at=? WHERE id=? AND lock_token=? AND state='active'`,
		q.now().Add(lockFor).UnixMilli(), job.ID, job.lockToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return nil
}

func (q *Queue) complete(ctx context.Context, job Job, result any) error {
	var ret any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		ret = string(b)
	}
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET state='completed', attempts_made=attempts_made+1, return_json=?, finished_at=?,
  lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL WHERE id=? AND lock_token=?`, ret, q.now().UnixMilli(), job.ID, job.lockToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return nil
}

// fail records a failed attempt and reports whether the job will run again.
func (q *Queue) fail(ctx context.Context, job Job, cause error) (bool, error) {
	now := q.now()
	attempts := job.AttemptsMade + 1
	reason := cause.Error()
	var res sql.Result
	var err error
	retry := !IsUnrecoverable(cause) && attempts < job.MaxAttempts
	if retry {
		delay := job.Backoff.Next(attempts)
		var r *RetryableError
		if errors.As(cause, &r) && r.Delay > 0 {
			delay = r.Delay
		}
		state := StateWaiting
		if delay > 0 {
			state = StateDelayed
		}
		res, err = q.db.ExecContext(ctx, `UPDATE jobs SET state=?, run_at=?, attempts_made=?, failed_reason=?,
  lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL WHERE id=? AND lock_token=?`,
			string(state), now.Add(delay).UnixMilli(), attempts, reason, job.ID, job.lockToken)
	} else {
		res, err = q.db.ExecContext(ctx, `UPDATE jobs SET state='failed', attempts_made=?, failed_reason=?, finished_at=?,
  lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL WHERE id=? AND lock_token=?`,
			attempts, reason, now.UnixMilli(), job.ID, job.lockToken)
	}
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrLockLost
	}
	return retry, nil
}

// release hands an interrupted job back without counting the attempt.
func (q *Queue) release(ctx context.Context, job Job) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET state='waiting', run_at=?, lock_owner=NULL, lock_token=NULL, lock_expires_at=NULL
WHERE id=? AND lock_token=?`, q.now().UnixMilli(), job.ID, job.lockToken)
	return err
}
