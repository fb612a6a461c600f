package repository

import (
	"context"
	stdsql "database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

//go:embed schema.sql
var schemaSQL string

const jobsTable = "extract_jobs"

var jobColumns = []string{
	"job_id", "status", "file_path", "options", "priority", "callback_url", "progress",
	"created_at", "started_at", "completed_at", "task_handle_id", "result",
	"error_message", "error_kind",
}

type sqlJobStore struct {
	drv     *entsql.Driver
	dialect string
	log     *slog.Logger
	now     func() time.Time
}

// SQLOption customises the SQL job store.
type SQLOption func(*sqlJobStore)

// WithSQLClock overrides the clock used for expiry checks.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *sqlJobStore) {
		if now != nil {
			s.now = now
		}
	}
}

// SQLJobStore is a JobStore backed by a relational database.
type SQLJobStore interface {
	JobStore
	// Migrate creates the table and indexes if they do not exist.
	Migrate(ctx context.Context) error
	// DeleteExpired removes rows past their expiry and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}

// NewSQLJobStore keeps job records in the extract_jobs table. The expires_at
// column plays the role of the TTL: expired rows are invisible to every read
// and are removed by DeleteExpired or by Create reusing the ID.
func NewSQLJobStore(drv *entsql.Driver, log *slog.Logger, opts ...SQLOption) SQLJobStore {
	if log == nil {
		log = slog.Default()
	}
	s := &sqlJobStore{drv: drv, dialect: drv.Dialect(), log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *sqlJobStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			s.log.Error("schema migration failed", "err", err)
			return fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
		}
	}
	s.log.Info("job store schema ready", "dialect", s.dialect)
	return nil
}

func (s *sqlJobStore) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.dialect)
}

func (s *sqlJobStore) live(jobID string) *entsql.Predicate {
	return entsql.And(
		entsql.EQ("job_id", jobID),
		entsql.GT("expires_at", s.now().UnixMicro()),
	)
}

func (s *sqlJobStore) Create(ctx context.Context, job *entity.Job, ttl time.Duration) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	result, err := marshalNullable(job.Result)
	if err != nil {
		return err
	}
	var errMsg, errKind stdsql.NullString
	if job.Error != nil {
		errMsg = stdsql.NullString{String: job.Error.Message, Valid: true}
		errKind = stdsql.NullString{String: string(job.Error.Kind), Valid: true}
	}
	now := s.now()

	// An expired row still occupies the primary key until swept.
	q, args := s.builder().Delete(jobsTable).
		Where(entsql.And(entsql.EQ("job_id", job.ID), entsql.LTE("expires_at", now.UnixMicro()))).
		Query()
	if err := s.drv.Exec(ctx, q, args, nil); err != nil {
		return fmt.Errorf("%w: purge expired id: %v", common.ErrDatabase, err)
	}

	q, args = s.builder().Insert(jobsTable).
		Columns(append(jobColumns, "expires_at")...).
		Values(
			job.ID, string(job.Status), job.FilePath, string(opts), string(job.Priority), job.CallbackURL,
			job.Progress, job.CreatedAt.UnixMicro(), nullMicros(job.StartedAt), nullMicros(job.CompletedAt),
			job.TaskID, result, errMsg, errKind, now.Add(ttl).UnixMicro(),
		).
		OnConflict(entsql.ConflictColumns("job_id"), entsql.DoNothing()).
		Query()
	var res stdsql.Result
	if err := s.drv.Exec(ctx, q, args, &res); err != nil {
		s.log.Error("job create failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("%w: create job: %v", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.log.Error("job create rejected: duplicate id", "job_id", job.ID)
		return fmt.Errorf("%w: %s", common.ErrDuplicateJob, job.ID)
	}
	s.log.Info("job created", "job_id", job.ID, "priority", job.Priority, "ttl", ttl)
	return nil
}

// applyUpdate adds SET clauses for the non-nil fields of upd.
func applyUpdate(b *entsql.UpdateBuilder, upd entity.JobUpdate) error {
	if upd.Status != nil {
		b.Set("status", string(*upd.Status))
	}
	if upd.Progress != nil {
		b.Set("progress", *upd.Progress)
	}
	if upd.StartedAt != nil {
		b.Set("started_at", upd.StartedAt.UnixMicro())
	}
	if upd.CompletedAt != nil {
		b.Set("completed_at", upd.CompletedAt.UnixMicro())
	}
	if upd.TaskID != nil {
		b.Set("task_handle_id", *upd.TaskID)
	}
	if upd.Result != nil {
		raw, err := marshalNullable(upd.Result)
		if err != nil {
			return err
		}
		b.Set("result", raw)
	}
	if upd.Error != nil {
		b.Set("error_message", upd.Error.Message)
		b.Set("error_kind", string(upd.Error.Kind))
	}
	return nil
}

func (s *sqlJobStore) exec(ctx context.Context, b *entsql.UpdateBuilder) (int64, error) {
	q, args := b.Query()
	var res stdsql.Result
	if err := s.drv.Exec(ctx, q, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlJobStore) Update(ctx context.Context, jobID string, upd entity.JobUpdate) error {
	if upd.IsEmpty() {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return nil
	}
	b := s.builder().Update(jobsTable)
	if err := applyUpdate(b, upd); err != nil {
		return err
	}
	n, err := s.exec(ctx, b.Where(s.live(jobID)))
	if err != nil {
		s.log.Error("job update failed", "job_id", jobID, "err", err)
		return fmt.Errorf("%w: update job: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	}
	s.log.Debug("job updated", "job_id", jobID)
	return nil
}

func (s *sqlJobStore) Transition(ctx context.Context, jobID string, from []constants.JobStatus, upd entity.JobUpdate) (bool, error) {
	statuses := make([]any, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	b := s.builder().Update(jobsTable)
	if err := applyUpdate(b, upd); err != nil {
		return false, err
	}
	if upd.IsEmpty() {
		// no-op SET so the statement stays valid and still reports a match
		b.Set("status", entsql.Expr("status"))
	}
	n, err := s.exec(ctx, b.Where(entsql.And(s.live(jobID), entsql.In("status", statuses...))))
	if err != nil {
		s.log.Error("job transition failed", "job_id", jobID, "err", err)
		return false, fmt.Errorf("%w: transition job: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return false, err
		}
		s.log.Debug("job transition skipped", "job_id", jobID, "from", from)
		return false, nil
	}
	if upd.Status != nil {
		s.log.Info("job transitioned", "job_id", jobID, "status", *upd.Status)
	}
	return true, nil
}

func (s *sqlJobStore) Get(ctx context.Context, jobID string) (*entity.Job, error) {
	q, args := s.builder().Select(jobColumns...).
		From(entsql.Table(jobsTable)).
		Where(s.live(jobID)).
		Query()
	jobs, err := s.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	}
	return jobs[0], nil
}

func (s *sqlJobStore) SetTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	b := s.builder().Update(jobsTable).Set("expires_at", s.now().Add(ttl).UnixMicro())
	n, err := s.exec(ctx, b.Where(s.live(jobID)))
	if err != nil {
		return fmt.Errorf("%w: set ttl: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	}
	return nil
}

// Scan pages through live rows by primary key. Each page is fully read before
// yielding so callers may mutate the table while iterating.
func (s *sqlJobStore) Scan(ctx context.Context) iter.Seq2[*entity.Job, error] {
	return func(yield func(*entity.Job, error) bool) {
		after := ""
		for {
			q, args := s.builder().Select(jobColumns...).
				From(entsql.Table(jobsTable)).
				Where(entsql.And(
					entsql.GT("job_id", after),
					entsql.GT("expires_at", s.now().UnixMicro()),
				)).
				OrderBy("job_id").
				Limit(scanPageCount).
				Query()
			page, err := s.query(ctx, q, args)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, job := range page {
				if !yield(job, nil) {
					return
				}
			}
			if len(page) < scanPageCount {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *sqlJobStore) Delete(ctx context.Context, jobID string) error {
	q, args := s.builder().Delete(jobsTable).Where(entsql.EQ("job_id", jobID)).Query()
	if err := s.drv.Exec(ctx, q, args, nil); err != nil {
		s.log.Error("job delete failed", "job_id", jobID, "err", err)
		return fmt.Errorf("%w: delete job: %v", common.ErrDatabase, err)
	}
	s.log.Info("job deleted", "job_id", jobID)
	return nil
}

func (s *sqlJobStore) DeleteExpired(ctx context.Context) (int64, error) {
	q, args := s.builder().Delete(jobsTable).Where(entsql.LTE("expires_at", s.now().UnixMicro())).Query()
	var res stdsql.Result
	if err := s.drv.Exec(ctx, q, args, &res); err != nil {
		return 0, fmt.Errorf("%w: delete expired: %v", common.ErrDatabase, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("expired jobs purged", "count", n)
	}
	return n, nil
}

func (s *sqlJobStore) Ping(ctx context.Context) error {
	return s.drv.DB().PingContext(ctx)
}

func (s *sqlJobStore) query(ctx context.Context, q string, args []any) ([]*entity.Job, error) {
	var rows entsql.Rows
	if err := s.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, fmt.Errorf("%w: query jobs: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		var (
			job                    entity.Job
			status, prio, opts     string
			created                int64
			started, completed     stdsql.NullInt64
			result, errMsg, errKnd stdsql.NullString
		)
		if err := rows.Scan(&job.ID, &status, &job.FilePath, &opts, &prio, &job.CallbackURL, &job.Progress,
			&created, &started, &completed, &job.TaskID, &result, &errMsg, &errKnd); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", common.ErrDatabase, err)
		}
		job.Status = constants.JobStatus(status)
		job.Priority = constants.ParsePriority(prio)
		job.CreatedAt = time.UnixMicro(created).UTC()
		job.StartedAt = fromNullMicros(started)
		job.CompletedAt = fromNullMicros(completed)
		if err := json.Unmarshal([]byte(opts), &job.Options); err != nil {
			s.log.Warn("skipping row with bad options", "job_id", job.ID, "err", err)
			continue
		}
		if result.Valid && result.String != "" {
			var r entity.ExtractionResult
			if err := json.Unmarshal([]byte(result.String), &r); err != nil {
				s.log.Warn("skipping row with bad result", "job_id", job.ID, "err", err)
				continue
			}
			job.Result = &r
		}
		if errMsg.Valid || errKnd.Valid {
			job.Error = &entity.JobError{Message: errMsg.String, Kind: constants.ErrorKind(errKnd.String)}
		}
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", common.ErrDatabase, err)
	}
	return out, nil
}

func marshalNullable(r *entity.ExtractionResult) (stdsql.NullString, error) {
	if r == nil {
		return stdsql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return stdsql.NullString{}, fmt.Errorf("marshal result: %w", err)
	}
	return stdsql.NullString{String: string(b), Valid: true}, nil
}

func nullMicros(t *time.Time) stdsql.NullInt64 {
	if t == nil {
		return stdsql.NullInt64{}
	}
	return stdsql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v stdsql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
