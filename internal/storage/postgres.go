package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/workq/internal/domain"
)

const jobCols = `id, payload, state, attempts, max_attempts, enqueued_at, run_at,
leased_by, lease_expires_at, last_error, created_at, updated_at`

type PG struct{ db *pgxpool.Pool }

func NewPG(db *pgxpool.Pool) *PG { return &PG{db} }

func (s *PG) CreateJob(ctx context.Context, p CreateJobParams) (*domain.Job, error) {
	id := uuid.NewString()
	state := domain.Waiting
	if p.Delayed {
		state = domain.Delayed
	}
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	row := s.db.QueryRow(ctx, `insert into jobs(
id, payload, state, attempts, max_attempts, enqueued_at, run_at
) values ($1,$2,$3,0,$4,now(),$5)
returning `+jobCols,
		id, p.Payload, string(state), p.MaxAttempts, runAt)
	j, err := scanJob(row)
	return j, errors.Wrap(err, "insert job")
}

func (s *PG) Job(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return j, errors.Wrap(err, "load job")
}

func (s *PG) ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error) {
	q := `select ` + jobCols + ` from jobs where true`
	args := []any{}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, states)
		q += ` and state = any($1)`
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += ` and created_at >= $` + strconv.Itoa(len(args))
	}
	q += ` order by created_at desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` limit $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PG) ClaimJob(ctx context.Context, id, workerID string, until time.Time) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs set state = 'active', leased_by = $2, lease_expires_at = $3, updated_at = now()
 where id = $1 and state = 'waiting'
returning `+jobCols, id, workerID, until)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLeaseExpired
	}
	return j, errors.Wrap(err, "claim job")
}

func (s *PG) CompleteJob(ctx context.Context, id, workerID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs set state = 'completed', attempts = attempts + 1,
       leased_by = null, lease_expires_at = null, updated_at = now()
 where id = $1 and state = 'active' and leased_by = $2 and lease_expires_at >= now()
returning `+jobCols, id, workerID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.leaseFailure(ctx, id, workerID)
	}
	return j, errors.Wrap(err, "complete job")
}

func (s *PG) FailJob(ctx context.Context, id, workerID, cause string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs set state = 'failed', attempts = attempts + 1, last_error = $3,
       leased_by = null, lease_expires_at = null, updated_at = now()
 where id = $1 and state = 'active' and leased_by = $2 and lease_expires_at >= now()
returning `+jobCols, id, workerID, cause)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.leaseFailure(ctx, id, workerID)
	}
	return j, errors.Wrap(err, "fail job")
}

func (s *PG) RescheduleJob(ctx context.Context, id, workerID string, runAt time.Time, cause string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs set state = 'delayed', attempts = attempts + 1, run_at = $3, last_error = $4,
       leased_by = null, lease_expires_at = null, updated_at = now()
 where id = $1 and state = 'active' and leased_by = $2 and lease_expires_at >= now()
returning `+jobCols, id, workerID, runAt, cause)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.leaseFailure(ctx, id, workerID)
	}
	return j, errors.Wrap(err, "reschedule job")
}

func (s *PG) ExtendLease(ctx context.Context, id, workerID string, until time.Time) error {
	ct, err := s.db.Exec(ctx, `
update jobs set lease_expires_at = $3, updated_at = now()
 where id = $1 and state = 'active' and leased_by = $2 and lease_expires_at >= now()`,
		id, workerID, until)
	if err != nil {
		return errors.Wrap(err, "extend lease")
	}
	if ct.RowsAffected() == 0 {
		return s.leaseFailure(ctx, id, workerID)
	}
	return nil
}

// leaseFailure classifies why a lease-conditional update matched no row.
func (s *PG) leaseFailure(ctx context.Context, id, workerID string) error {
	j, err := s.Job(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case j.State.Terminal():
		return domain.ErrTerminalState
	case j.LeasedBy == nil || *j.LeasedBy != workerID:
		return domain.ErrNotOwner
	default:
		return domain.ErrLeaseExpired
	}
}

func (s *PG) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
select `+jobCols+` from jobs
 where state = 'active' and lease_expires_at is not null and lease_expires_at < $1
 order by lease_expires_at asc limit $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "expired leases")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PG) ReapJob(ctx context.Context, id string, now time.Time, cause string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs set attempts = attempts + 1,
       state = case when attempts + 1 >= max_attempts then 'failed' else 'waiting' end,
       leased_by = null, lease_expires_at = null, last_error = $3, updated_at = now()
 where id = $1 and state = 'active' and lease_expires_at < $2
returning `+jobCols, id, now, cause)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLeaseExpired
	}
	return j, errors.Wrap(err, "reap job")
}

func (s *PG) RevokeLease(ctx context.Context, id, workerID, cause string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs set attempts = attempts + 1,
       state = case when attempts + 1 >= max_attempts then 'failed' else 'waiting' end,
       leased_by = null, lease_expires_at = null, last_error = $3, updated_at = now()
 where id = $1 and state = 'active' and leased_by = $2
returning `+jobCols, id, workerID, cause)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLeaseExpired
	}
	return j, errors.Wrap(err, "revoke lease")
}

func (s *PG) PromoteDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
update jobs set state = 'waiting', updated_at = now()
 where id in (select id from jobs where state = 'delayed' and run_at <= $1
              order by run_at asc limit $2)
returning `+jobCols, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "promote due")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PG) WaitingJobIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
select id from jobs where state = 'waiting'
 order by created_at asc limit $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "waiting ids")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PG) AppendExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	_, err := s.db.Exec(ctx, `insert into executions(
job_id, attempt, worker_id, started_at, finished_at, outcome, detail
) values ($1,$2,$3,$4,$5,$6,$7)`,
		rec.JobID, rec.Attempt, rec.WorkerID, rec.StartedAt, rec.FinishedAt, string(rec.Outcome), rec.Detail)
	return errors.Wrap(err, "append execution")
}

func (s *PG) Executions(ctx context.Context, jobID string) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.Query(ctx, `
select job_id, attempt, worker_id, started_at, finished_at, outcome, detail
  from executions where job_id = $1 order by attempt asc`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "executions")
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *PG) RecentExecutions(ctx context.Context, since time.Time, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.Query(ctx, `
select job_id, attempt, worker_id, started_at, finished_at, outcome, detail
  from executions where finished_at >= $1 order by finished_at desc limit $2`,
		since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent executions")
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *PG) RegisterWorker(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `insert into workers(id, status, registered_at, last_heartbeat_at)
values ($1, 'idle', now(), now())
on conflict (id) do update set status = 'idle', last_heartbeat_at = now()`, id)
	return errors.Wrap(err, "register worker")
}

func (s *PG) HeartbeatWorker(ctx context.Context, id string) error {
	ct, err := s.db.Exec(ctx, `
update workers set last_heartbeat_at = now(),
       status = case when status = 'dead' then 'idle' else status end
 where id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "heartbeat worker")
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrUnknownWorker
	}
	return nil
}

func (s *PG) SetWorkerStatus(ctx context.Context, id string, st domain.WorkerStatus) error {
	ct, err := s.db.Exec(ctx, `update workers set status = $2 where id = $1`, id, string(st))
	if err != nil {
		return errors.Wrap(err, "set worker status")
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrUnknownWorker
	}
	return nil
}

func (s *PG) LiveWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := s.db.Query(ctx, `
select id, status, registered_at, last_heartbeat_at
  from workers where status <> 'dead' order by registered_at asc`)
	if err != nil {
		return nil, errors.Wrap(err, "live workers")
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *PG) StaleWorkers(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Worker, error) {
	rows, err := s.db.Query(ctx, `
select id, status, registered_at, last_heartbeat_at
  from workers where status <> 'dead' and last_heartbeat_at < $1
 order by last_heartbeat_at asc limit $2`, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "stale workers")
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *PG) JobsLeasedBy(ctx context.Context, workerID string, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
select `+jobCols+` from jobs
 where state = 'active' and leased_by = $1 limit $2`, workerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "jobs leased by")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PG) StateCounts(ctx context.Context) (map[domain.State]int, error) {
	rows, err := s.db.Query(ctx, `select state, count(*) from jobs group by state`)
	if err != nil {
		return nil, errors.Wrap(err, "state counts")
	}
	defer rows.Close()
	counts := make(map[domain.State]int)
	for rows.Next() {
		var st domain.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *PG) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Payload, &j.State, &j.Attempts, &j.MaxAttempts,
		&j.EnqueuedAt, &j.RunAt, &j.LeasedBy, &j.LeaseExpiresAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanWorkers(rows pgx.Rows) ([]*domain.Worker, error) {
	var out []*domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Status, &w.RegisteredAt, &w.LastHeartbeatAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func scanExecutions(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		if err := rows.Scan(&r.JobID, &r.Attempt, &r.WorkerID, &r.StartedAt,
			&r.FinishedAt, &r.Outcome, &r.Detail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

