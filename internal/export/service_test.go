package export

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/repository"
)

func TestExportJobsXLSX(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewRedisJobStore(rdb, logger)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	done := base.Add(time.Minute)
	jobs := []*entity.Job{
		{ID: "b", Status: constants.JobStatusFailed, Priority: constants.PriorityHigh, CreatedAt: base.Add(time.Second),
			CompletedAt: &done, Error: &entity.JobError{Message: "no such codec", Kind: constants.ErrorKindUnsupportedFormat}},
		{ID: "a", Status: constants.JobStatusCompleted, Priority: constants.PriorityNormal, CreatedAt: base, Progress: 100,
			CompletedAt: &done, Result: &entity.ExtractionResult{
				Success:       true,
				FileMetadata:  &entity.FileMetadata{FileType: "text/plain"},
				ExtractedText: &entity.ExtractedText{Content: "two words", WordCount: 2},
			}},
		{ID: "c", Status: constants.JobStatusQueued, Priority: constants.PriorityLow, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, j := range jobs {
		if err := store.Create(ctx, j, time.Hour); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	svc := NewService(store, logger)
	data, err := svc.ExportJobsXLSX(ctx, Filter{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	if got := f.GetSheetList(); len(got) != 1 || got[0] != sheet {
		t.Fatalf("sheets = %v", got)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want header + 3", len(rows))
	}
	if rows[1][0] != "a" || rows[2][0] != "b" || rows[3][0] != "c" {
		t.Errorf("rows not ordered by created_at: %v", rows)
	}
	if rows[1][7] != "text/plain" || rows[1][8] != "2" {
		t.Errorf("completed row = %v", rows[1])
	}
	if rows[2][9] != string(constants.ErrorKindUnsupportedFormat) || rows[2][10] != "no such codec" {
		t.Errorf("failed row = %v", rows[2])
	}

	data, err = svc.ExportJobsXLSX(ctx, Filter{Status: constants.JobStatusQueued})
	if err != nil {
		t.Fatalf("filtered export: %v", err)
	}
	f2, _ := excelize.OpenReader(bytes.NewReader(data))
	defer func() { _ = f2.Close() }()
	rows, _ = f2.GetRows(sheet)
	if len(rows) != 2 || rows[1][0] != "c" {
		t.Errorf("filtered rows = %v", rows)
	}
}
