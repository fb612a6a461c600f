package repository

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

const (
	jobKeyPrefix  = "job:"
	scanPageCount = 100
)

// KEYS[1] = job key, ARGV[1] = ttl ms, ARGV[2..] = field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] = job key, ARGV = field/value pairs.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if #ARGV > 0 then
  redis.call('HSET', KEYS[1], unpack(ARGV))
end
return 1
`)

// KEYS[1] = job key, ARGV[1] = n, ARGV[2..n+1] = allowed statuses, rest = field/value pairs.
// Returns -1 when missing, 0 when the status did not match, 1 when applied.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
local n = tonumber(ARGV[1])
local ok = false
for i = 2, n + 1 do
  if ARGV[i] == cur then
    ok = true
    break
  end
end
if not ok then
  return 0
end
if #ARGV > n + 1 then
  redis.call('HSET', KEYS[1], unpack(ARGV, n + 2))
end
return 1
`)

type redisJobStore struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisJobStore stores each job as a hash under "job:{id}" with a per-key TTL.
func NewRedisJobStore(rdb *redis.Client, log *slog.Logger) JobStore {
	if log == nil {
		log = slog.Default()
	}
	return &redisJobStore{rdb: rdb, log: log}
}

func jobKey(jobID string) string { return jobKeyPrefix + jobID }

func (s *redisJobStore) Create(ctx context.Context, job *entity.Job, ttl time.Duration) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	args := append([]any{ttl.Milliseconds()}, fields...)
	created, err := createScript.Run(ctx, s.rdb, []string{jobKey(job.ID)}, args...).Int()
	if err != nil {
		s.log.Error("job create failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("%w: create job: %v", common.ErrDatabase, err)
	}
	if created == 0 {
		s.log.Error("job create rejected: duplicate id", "job_id", job.ID)
		return fmt.Errorf("%w: %s", common.ErrDuplicateJob, job.ID)
	}
	s.log.Info("job created", "job_id", job.ID, "priority", job.Priority, "ttl", ttl)
	return nil
}

func (s *redisJobStore) Update(ctx context.Context, jobID string, upd entity.JobUpdate) error {
	fields, err := updateFields(upd)
	if err != nil {
		return err
	}
	ok, err := updateScript.Run(ctx, s.rdb, []string{jobKey(jobID)}, fields...).Int()
	if err != nil {
		s.log.Error("job update failed", "job_id", jobID, "err", err)
		return fmt.Errorf("%w: update job: %v", common.ErrDatabase, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	}
	s.log.Debug("job updated", "job_id", jobID)
	return nil
}

func (s *redisJobStore) Transition(ctx context.Context, jobID string, from []constants.JobStatus, upd entity.JobUpdate) (bool, error) {
	fields, err := updateFields(upd)
	if err != nil {
		return false, err
	}
	args := make([]any, 0, 1+len(from)+len(fields))
	args = append(args, len(from))
	for _, st := range from {
		args = append(args, string(st))
	}
	args = append(args, fields...)

	res, err := transitionScript.Run(ctx, s.rdb, []string{jobKey(jobID)}, args...).Int()
	if err != nil {
		s.log.Error("job transition failed", "job_id", jobID, "err", err)
		return false, fmt.Errorf("%w: transition job: %v", common.ErrDatabase, err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	case 0:
		s.log.Debug("job transition skipped", "job_id", jobID, "from", from)
		return false, nil
	}
	if upd.Status != nil {
		s.log.Info("job transitioned", "job_id", jobID, "status", *upd.Status)
	}
	return true, nil
}

func (s *redisJobStore) Get(ctx context.Context, jobID string) (*entity.Job, error) {
	m, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %v", common.ErrDatabase, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	}
	return decodeJob(m)
}

func (s *redisJobStore) SetTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	ok, err := s.rdb.PExpire(ctx, jobKey(jobID), ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: set ttl: %v", common.ErrDatabase, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *redisJobStore) Scan(ctx context.Context) iter.Seq2[*entity.Job, error] {
	return func(yield func(*entity.Job, error) bool) {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", scanPageCount).Result()
			if err != nil {
				yield(nil, fmt.Errorf("%w: scan jobs: %v", common.ErrDatabase, err))
				return
			}
			for _, key := range keys {
				m, err := s.rdb.HGetAll(ctx, key).Result()
				if err != nil {
					if !yield(nil, fmt.Errorf("%w: get %s: %v", common.ErrDatabase, key, err)) {
						return
					}
					continue
				}
				if len(m) == 0 {
					// expired or deleted since SCAN returned it
					continue
				}
				job, err := decodeJob(m)
				if err != nil {
					s.log.Warn("skipping undecodable job record", "key", key, "err", err)
					continue
				}
				if !yield(job, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (s *redisJobStore) Delete(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, jobKey(jobID)).Err(); err != nil {
		s.log.Error("job delete failed", "job_id", jobID, "err", err)
		return fmt.Errorf("%w: delete job: %v", common.ErrDatabase, err)
	}
	s.log.Info("job deleted", "job_id", jobID)
	return nil
}

func (s *redisJobStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
