package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisStore(t *testing.T) (JobStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisJobStore(rdb, quietLogger()), mr
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newSQLiteStore(t *testing.T, clock *fakeClock) SQLJobStore {
	t.Helper()
	ctx := context.Background()
	drv, err := OpenSQLite(ctx, ":memory:", quietLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = drv.Close() })
	var opts []SQLOption
	if clock != nil {
		opts = append(opts, WithSQLClock(clock.Now))
	}
	store := NewSQLJobStore(drv, quietLogger(), opts...)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func sampleJob(id string) *entity.Job {
	return &entity.Job{
		ID:          id,
		FilePath:    "/tmp/file_extractor/" + id + ".txt",
		Options:     entity.Options{IncludeMetadata: true, IncludeText: true, Language: "en"},
		Priority:    constants.PriorityHigh,
		CallbackURL: "http://example.com/hook",
		Status:      constants.JobStatusQueued,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

// forEachStore runs the same contract against every backend.
func forEachStore(t *testing.T, fn func(t *testing.T, store JobStore)) {
	t.Run("redis", func(t *testing.T) {
		store, _ := newRedisStore(t)
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteStore(t, nil))
	})
}

func TestJobStoreCreateGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store JobStore) {
		ctx := context.Background()
		job := sampleJob("job-1")
		if err := store.Create(ctx, job, time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := store.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != constants.JobStatusQueued {
			t.Errorf("status = %s, want queued", got.Status)
		}
		if got.FilePath != job.FilePath || got.CallbackURL != job.CallbackURL {
			t.Errorf("got %+v, want %+v", got, job)
		}
		if got.Priority != constants.PriorityHigh {
			t.Errorf("priority = %s, want high", got.Priority)
		}
		if got.Options != job.Options {
			t.Errorf("options = %+v, want %+v", got.Options, job.Options)
		}
		if !got.CreatedAt.Equal(job.CreatedAt) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, job.CreatedAt)
		}
		if got.StartedAt != nil || got.CompletedAt != nil || got.Result != nil || got.Error != nil {
			t.Errorf("unexpected optional fields set: %+v", got)
		}

		if err := store.Create(ctx, sampleJob("job-1"), time.Hour); !errors.Is(err, common.ErrDuplicateJob) {
			t.Errorf("duplicate create err = %v, want ErrDuplicateJob", err)
		}
	})
}

func TestJobStoreGetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store JobStore) {
		_, err := store.Get(context.Background(), "nope")
		if !errors.Is(err, common.ErrJobNotFound) {
			t.Fatalf("err = %v, want ErrJobNotFound", err)
		}
		if !errors.Is(err, common.ErrNotFound) {
			t.Fatalf("ErrJobNotFound should wrap ErrNotFound")
		}
		if err := store.Update(context.Background(), "nope", entity.JobUpdate{Progress: entity.Ptr(10.0)}); !errors.Is(err, common.ErrJobNotFound) {
			t.Fatalf("update err = %v, want ErrJobNotFound", err)
		}
	})
}

func TestJobStoreUpdateMergesFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, store JobStore) {
		ctx := context.Background()
		if err := store.Create(ctx, sampleJob("job-2"), time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}
		started := time.Now().UTC().Truncate(time.Microsecond)
		if err := store.Update(ctx, "job-2", entity.JobUpdate{
			Status:    entity.Ptr(constants.JobStatusProcessing),
			Progress:  entity.Ptr(30.0),
			StartedAt: &started,
			TaskID:    entity.Ptr("task-abc"),
		}); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err := store.Get(ctx, "job-2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != constants.JobStatusProcessing || got.Progress != 30 || got.TaskID != "task-abc" {
			t.Errorf("got %+v", got)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("started_at = %v, want %v", got.StartedAt, started)
		}
		if got.FilePath == "" {
			t.Error("update dropped untouched fields")
		}
	})
}

func TestJobStoreTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, store JobStore) {
		ctx := context.Background()
		if err := store.Create(ctx, sampleJob("job-3"), time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}

		ok, err := store.Transition(ctx, "job-3", []constants.JobStatus{constants.JobStatusProcessing},
			entity.JobUpdate{Status: entity.Ptr(constants.JobStatusCompleted)})
		if err != nil || ok {
			t.Fatalf("transition from wrong status: ok=%v err=%v", ok, err)
		}

		ok, err = store.Transition(ctx, "job-3", []constants.JobStatus{constants.JobStatusQueued},
			entity.JobUpdate{Status: entity.Ptr(constants.JobStatusCancelled)})
		if err != nil || !ok {
			t.Fatalf("transition: ok=%v err=%v", ok, err)
		}

		result := &entity.ExtractionResult{Success: true, ExtractedText: &entity.ExtractedText{Content: "hi", WordCount: 1}}
		ok, err = store.Transition(ctx, "job-3", []constants.JobStatus{constants.JobStatusProcessing},
			entity.JobUpdate{Status: entity.Ptr(constants.JobStatusCompleted), Result: result})
		if err != nil || ok {
			t.Fatalf("completed overwrote cancelled: ok=%v err=%v", ok, err)
		}

		got, _ := store.Get(ctx, "job-3")
		if got.Status != constants.JobStatusCancelled || got.Result != nil {
			t.Errorf("got %+v, want cancelled without result", got)
		}

		_, err = store.Transition(ctx, "missing", []constants.JobStatus{constants.JobStatusQueued},
			entity.JobUpdate{Status: entity.Ptr(constants.JobStatusCancelled)})
		if !errors.Is(err, common.ErrJobNotFound) {
			t.Errorf("missing transition err = %v, want ErrJobNotFound", err)
		}
	})
}

func TestJobStoreResultAndError(t *testing.T) {
	forEachStore(t, func(t *testing.T, store JobStore) {
		ctx := context.Background()
		for _, id := range []string{"ok", "bad"} {
			job := sampleJob(id)
			job.Status = constants.JobStatusProcessing
			if err := store.Create(ctx, job, time.Hour); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		pages := 3
		result := &entity.ExtractionResult{
			Success:      true,
			FileMetadata: &entity.FileMetadata{Filename: "a.pdf", PageCount: &pages},
			StructuredData: &entity.StructuredData{
				Tables: []entity.Table{{Name: "t", Rows: [][]string{{"a", "b"}}}},
			},
		}
		done := time.Now().UTC().Truncate(time.Microsecond)
		if _, err := store.Transition(ctx, "ok", []constants.JobStatus{constants.JobStatusProcessing}, entity.JobUpdate{
			Status: entity.Ptr(constants.JobStatusCompleted), Progress: entity.Ptr(100.0), Result: result, CompletedAt: &done,
		}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := store.Transition(ctx, "bad", []constants.JobStatus{constants.JobStatusProcessing}, entity.JobUpdate{
			Status: entity.Ptr(constants.JobStatusFailed),
			Error:  &entity.JobError{Message: "boom", Kind: constants.ErrorKindExtraction},
		}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		ok, _ := store.Get(ctx, "ok")
		if ok.Result == nil || ok.Result.FileMetadata == nil || *ok.Result.FileMetadata.PageCount != 3 {
			t.Fatalf("result not round-tripped: %+v", ok.Result)
		}
		if len(ok.Result.StructuredData.Tables) != 1 || ok.Result.StructuredData.Tables[0].Rows[0][1] != "b" {
			t.Errorf("tables = %+v", ok.Result.StructuredData.Tables)
		}
		if ok.CompletedAt == nil || !ok.CompletedAt.Equal(done) {
			t.Errorf("completed_at = %v, want %v", ok.CompletedAt, done)
		}

		bad, _ := store.Get(ctx, "bad")
		if bad.Error == nil || bad.Error.Message != "boom" || bad.Error.Kind != constants.ErrorKindExtraction {
			t.Errorf("error = %+v", bad.Error)
		}
	})
}

func TestJobStoreScanAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store JobStore) {
		ctx := context.Background()
		want := []string{"a", "b", "c"}
		for _, id := range want {
			if err := store.Create(ctx, sampleJob(id), time.Hour); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}

		var got []string
		for job, err := range store.Scan(ctx) {
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			got = append(got, job.ID)
			// deleting during the scan must not break iteration
			if job.ID == "b" {
				if err := store.Delete(ctx, "b"); err != nil {
					t.Fatalf("delete: %v", err)
				}
			}
		}
		sort.Strings(got)
		if len(got) != 3 || got[0] != "a" || got[2] != "c" {
			t.Errorf("scan = %v, want %v", got, want)
		}

		if err := store.Delete(ctx, "b"); err != nil {
			t.Errorf("second delete should be a no-op, got %v", err)
		}
		if _, err := store.Get(ctx, "b"); !errors.Is(err, common.ErrJobNotFound) {
			t.Errorf("get after delete err = %v", err)
		}
	})
}

func TestRedisJobStoreTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, sampleJob("ttl"), time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := mr.TTL(jobKey("ttl")); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
	if err := store.SetTTL(ctx, "ttl", time.Hour); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "ttl"); err != nil {
		t.Fatalf("record expired despite refreshed ttl: %v", err)
	}
	mr.FastForward(time.Hour)
	if _, err := store.Get(ctx, "ttl"); !errors.Is(err, common.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound after expiry", err)
	}
	if err := store.SetTTL(ctx, "ttl", time.Hour); !errors.Is(err, common.ErrJobNotFound) {
		t.Errorf("set ttl on expired err = %v", err)
	}
}

func TestSQLJobStoreExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newSQLiteStore(t, clock)
	ctx := context.Background()

	if err := store.Create(ctx, sampleJob("old"), time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, sampleJob("fresh"), time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(2 * time.Minute)

	if _, err := store.Get(ctx, "old"); !errors.Is(err, common.ErrJobNotFound) {
		t.Fatalf("expired row still visible: %v", err)
	}
	count := 0
	for _, err := range store.Scan(ctx) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Errorf("scan saw %d rows, want 1", count)
	}

	// the expired id can be reused without sweeping first
	if err := store.Create(ctx, sampleJob("old"), time.Minute); err != nil {
		t.Fatalf("recreate expired id: %v", err)
	}

	clock.Advance(2 * time.Minute)
	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

func TestHealthCheck(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := HealthCheck(context.Background(), store, time.Second, quietLogger()); err != nil {
		t.Fatalf("health: %v", err)
	}
	mr.Close()
	if err := HealthCheck(context.Background(), store, time.Second, quietLogger()); err == nil {
		t.Fatal("expected health check to fail with redis down")
	}
}
