package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/repository"
)

const sheet = "Jobs"

var headers = []string{
	"Job ID",
	"Status",
	"Priority",
	"Created At",
	"Started At",
	"Completed At",
	"Progress",
	"File Type",
	"Word Count",
	"Error Kind",
	"Error",
}

// Service renders the live job records as an XLSX report.
type Service struct {
	store  repository.JobStore
	logger *slog.Logger
}

func NewService(store repository.JobStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Filter narrows the report. Zero values match everything.
type Filter struct {
	Status constants.JobStatus
	Since  time.Time
}

func (f Filter) match(j *entity.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return f.Since.IsZero() || !j.CreatedAt.Before(f.Since)
}

// ExportJobsXLSX returns a workbook (as bytes) with one row per matching job,
// oldest first.
func (s *Service) ExportJobsXLSX(ctx context.Context, filter Filter) ([]byte, error) {
	start := time.Now()

	var list []*entity.Job
	for j, err := range s.store.Scan(ctx) {
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}
		if filter.match(j) {
			list = append(list, j)
		}
	}
	sort.Slice(list, func(a, b int) bool {
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.Before(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	// rename the default sheet rather than leaving an empty Sheet1 behind
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, j := range list {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, j.ID)
		write(2, string(j.Status))
		write(3, string(j.Priority))
		write(4, formatTime(&j.CreatedAt))
		write(5, formatTime(j.StartedAt))
		write(6, formatTime(j.CompletedAt))
		write(7, j.Progress)
		if r := j.Result; r != nil {
			if r.FileMetadata != nil {
				write(8, r.FileMetadata.FileType)
			}
			if r.ExtractedText != nil {
				write(9, r.ExtractedText.WordCount)
			}
		}
		if e := j.Error; e != nil {
			write(10, string(e.Kind))
			write(11, truncate(e.Message, 200))
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // id
	_ = f.SetColWidth(sheet, "B", "C", 12)
	_ = f.SetColWidth(sheet, "D", "F", 22) // timestamps
	_ = f.SetColWidth(sheet, "H", "H", 28)
	_ = f.SetColWidth(sheet, "J", "J", 24)
	_ = f.SetColWidth(sheet, "K", "K", 60)
	if len(list) > 0 {
		_ = f.AutoFilter(sheet, fmt.Sprintf("A1:K%d", len(list)+1), nil)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(list),
		"status", filter.Status,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
