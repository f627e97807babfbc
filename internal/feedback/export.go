package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"commandcenter/internal/repo"
)

const exportSheet = "Feedback"

// ExportXLSX renders a user's feedback log as a workbook.
func ExportXLSX(ctx context.Context, r repo.Repo, f repo.FeedbackFilter, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	if f.Limit == 0 {
		f.Limit = 500
	}
	recs, err := r.ListFeedback(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}

	x := excelize.NewFile()
	defer x.Close()
	if _, err := x.NewSheet(exportSheet); err != nil {
		return nil, err
	}
	idx, _ := x.GetSheetIndex(exportSheet)
	x.SetActiveSheet(idx)
	_ = x.DeleteSheet("Sheet1")

	headers := []string{"Recorded At", "Draft", "Type", "Action", "Changes", "Metadata"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = x.SetCellValue(exportSheet, cell, h)
	}
	for i, rec := range recs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = x.SetCellValue(exportSheet, cell, v)
		}
		write(1, rec.CreatedAt.Format(time.RFC3339))
		write(2, rec.DraftID)
		write(3, string(rec.DraftType))
		write(4, string(rec.Action))
		fields := make([]string, 0, len(rec.Diff))
		for k := range rec.Diff {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		changes := make([]string, 0, len(fields))
		for _, k := range fields {
			ch := rec.Diff[k]
			changes = append(changes, fmt.Sprintf("%s: %q -> %q", k, ch.From, ch.To))
		}
		write(5, strings.Join(changes, "\n"))
		if len(rec.Metadata) > 0 {
			b, _ := json.Marshal(rec.Metadata)
			write(6, string(b))
		}
	}
	_ = x.SetColWidth(exportSheet, "A", "A", 22)
	_ = x.SetColWidth(exportSheet, "B", "B", 38)
	_ = x.SetColWidth(exportSheet, "C", "D", 14)
	_ = x.SetColWidth(exportSheet, "E", "F", 60)

	buf, err := x.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	logger.Info("feedback.export.ok",
		"user_id", f.UserID,
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
