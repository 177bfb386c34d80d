package backfill

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

var commonBarOptions = []progressbar.Option{
	progressbar.OptionSetElapsedTime(true),
	progressbar.OptionShowCount(),
	progressbar.OptionSetPredictTime(false),
	progressbar.OptionShowElapsedTimeOnFinish(),
	progressbar.OptionShowDescriptionAtLineEnd(),
	progressbar.OptionShowIts(),
	progressbar.OptionSetItsString("keys"),
	progressbar.OptionSetTheme(progressbar.Theme{
		Saucer:        "=",
		SaucerHead:    ">",
		SaucerPadding: " ",
		BarStart:      "[",
		BarEnd:        "]",
	}),
}

// progressReporter draws one progress bar per descriptor, advanced by the keys covered by each completed window.
// Windows may be reported concurrently by parallel slices.
type progressReporter struct {
	out     io.Writer
	visible bool

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgressReporter(out io.Writer, visible bool) *progressReporter {
	return &progressReporter{out: out, visible: visible}
}

func (p *progressReporter) start(name string, total int64) {
	opts := make([]progressbar.Option, len(commonBarOptions), len(commonBarOptions)+3)
	copy(opts, commonBarOptions)
	opts = append(
		opts,
		progressbar.OptionSetDescription(fmt.Sprintf("backfilling %s", name)),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetVisibility(p.visible),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar = progressbar.NewOptions64(total, opts...)
}

func (p *progressReporter) listen(r bbm.WindowReport) {
	if r.Outcome != bbm.OutcomeSuccess {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Add64(r.Window.Size())
	}
}

func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	_ = p.bar.Close()
	p.bar = nil
}

func formatRange(start, end int64) string {
	if start == 0 && end == 0 {
		return "auto"
	}
	return models.Window{Lower: start, Upper: end}.String()
}

func formatTags(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ",")
}

func renderDescriptors(w io.Writer, dd []models.JobDescriptor) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Job", "Batch Table", "Backfill Column", "Source", "Strategy", "Sub Batch Size", "Range", "Tags"})

	for _, d := range dd {
		d = d.WithDefaults()
		row := []string{
			d.Name,
			d.BatchTable,
			d.BackfillColumn,
			fmt.Sprintf("%s.%s", d.BackfillViaTable, d.BackfillViaColumn),
			d.BatchingStrategy.Val(),
			strconv.Itoa(d.SubBatchSize),
			formatRange(d.StartID, d.EndID),
			formatTags(d.Tags),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func renderWindows(w io.Writer, windows []models.Window) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Window", "Lower", "Upper", "Size"})

	for i, win := range windows {
		row := []string{
			strconv.Itoa(i + 1),
			strconv.FormatInt(win.Lower, 10),
			strconv.FormatInt(win.Upper, 10),
			strconv.FormatInt(win.Size(), 10),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func renderResults(w io.Writer, results []*bbm.Result) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Job", "Status", "Range", "Windows", "Rows Updated", "Residual Rows", "Retries", "Resume At", "Duration", "Error"})

	for _, res := range results {
		if res == nil {
			continue
		}
		status := res.Status.String()
		if res.DryRun {
			status += " (dry run)"
		}
		resumeAt := ""
		if !res.Completed() {
			resumeAt = strconv.FormatInt(res.ResumeID(), 10)
		}
		errMsg := res.ErrorCode.String()
		if res.Err != nil {
			if errMsg == "" {
				errMsg = res.Err.Error()
			} else {
				errMsg = fmt.Sprintf("%s: %s", errMsg, res.Err)
			}
		}

		row := []string{
			res.Name,
			status,
			formatRange(res.StartID, res.EndID),
			strconv.Itoa(res.BatchesProcessed),
			strconv.FormatInt(res.RowsUpdated, 10),
			strconv.FormatInt(res.ResidualRows, 10),
			strconv.Itoa(res.Retries),
			resumeAt,
			res.Duration().Round(time.Millisecond).String(),
			errMsg,
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func renderCheckpoint(w io.Writer, cp *models.Checkpoint) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Job", "Range", "Last Completed ID", "Updated At"})

	updatedAt := ""
	if cp.UpdatedAt.Valid {
		updatedAt = cp.UpdatedAt.Time.UTC().Format(time.RFC3339)
	}
	row := []string{
		cp.Name,
		models.Window{Lower: cp.StartID, Upper: cp.EndID}.String(),
		strconv.FormatInt(cp.LastID, 10),
		updatedAt,
	}
	if err := table.Append(row); err != nil {
		return fmt.Errorf("appending table: %w", err)
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}
