package migration

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Failure kinds recorded in a report.
const (
	FailureTransform  = "transform"
	FailureCreate     = "create"
	FailureUnresolved = "unresolved_reference"
)

// Failure is one record that did not make it, kept for manual follow-up.
type Failure struct {
	SourceID int64  `json:"source_id"`
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Error    string `json:"error"`
}

// ModelReport accumulates the outcome of one model.
type ModelReport struct {
	Model       string        `json:"model"`
	TargetModel string        `json:"target_model"`
	Exported    int           `json:"exported"`
	Attempted   int           `json:"attempted"`
	Created     int           `json:"created"`
	Skipped     int           `json:"skipped"`
	Superseded  int           `json:"superseded,omitempty"`
	Resolved    int           `json:"resolved_references"`
	Batches     int           `json:"batches"`
	Duration    time.Duration `json:"duration"`
	Failures    []Failure     `json:"failures,omitempty"`
}

// Failed counts failed records and references.
func (m *ModelReport) Failed() int { return len(m.Failures) }

// Totals are the run-wide counters.
type Totals struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Total   int `json:"total"`
}

// Report is the summary of a run. It is safe for concurrent use.
type Report struct {
	RunID      string                  `json:"run_id"`
	DryRun     bool                    `json:"dry_run"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Order      []string                `json:"order"`
	Deferred   []models.DependencyEdge `json:"deferred,omitempty"`
	Seeds      []SeedResult            `json:"seeds,omitempty"`
	Models     []*ModelReport          `json:"models"`
	// Halted holds the error that stopped the run early, if any.
	Halted string `json:"halted,omitempty"`

	mu      sync.Mutex
	byModel map[string]*ModelReport
}

// NewReport creates an empty report.
func NewReport(runID string, dryRun bool) *Report {
	return &Report{RunID: runID, DryRun: dryRun, StartedAt: time.Now().UTC(), byModel: make(map[string]*ModelReport)}
}

// Model returns the report of model, creating it on first use.
func (r *Report) Model(model, targetModel string) *ModelReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byModel[model]; ok {
		return m
	}
	m := &ModelReport{Model: model, TargetModel: targetModel}
	r.byModel[model] = m
	r.Models = append(r.Models, m)
	return m
}

// Update applies fn to the report of model under the report's lock.
func (r *Report) Update(model string, fn func(*ModelReport)) {
	m := r.Model(model, model)
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(m)
}

// Totals sums every model.
func (r *Report) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t Totals
	for _, m := range r.Models {
		t.Created += m.Created
		t.Skipped += m.Skipped
		t.Errors += m.Failed()
		t.Total += m.Exported
	}
	return t
}

// Render writes the human-readable summary.
func (r *Report) Render(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	title := "Migration run " + r.RunID
	if r.DryRun {
		title += " (dry run: nothing written)"
	}
	if _, err := fmt.Fprintln(w, title); err != nil {
		return err
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.Halted != "" {
		fmt.Fprintf(w, "Halted: %s\n", r.Halted)
	}
	if len(r.Deferred) > 0 {
		fmt.Fprintln(w, "Cycle-broken references:")
		for _, e := range r.Deferred {
			fmt.Fprintf(w, "  %s.%s -> %s\n", e.From, e.Field, e.To)
		}
	}
	fmt.Fprintln(w)

	table := uitable.New()
	table.MaxColWidth = 50
	table.Separator = "  "
	for _, col := range []int{2, 3, 4, 5, 6, 7} {
		table.RightAlign(col)
	}
	table.AddRow("MODEL", "TARGET", "EXPORTED", "ATTEMPTED", "CREATED", "SKIPPED", "RESOLVED", "FAILED")
	var totals Totals
	var attempted, resolved int
	for _, m := range r.Models {
		table.AddRow(m.Model, m.TargetModel,
			humanize.Comma(int64(m.Exported)),
			humanize.Comma(int64(m.Attempted)),
			humanize.Comma(int64(m.Created)),
			humanize.Comma(int64(m.Skipped)),
			humanize.Comma(int64(m.Resolved)),
			humanize.Comma(int64(m.Failed())))
		totals.Created += m.Created
		totals.Skipped += m.Skipped
		totals.Errors += m.Failed()
		totals.Total += m.Exported
		attempted += m.Attempted
		resolved += m.Resolved
	}
	table.AddRow("TOTAL", "",
		humanize.Comma(int64(totals.Total)),
		humanize.Comma(int64(attempted)),
		humanize.Comma(int64(totals.Created)),
		humanize.Comma(int64(totals.Skipped)),
		humanize.Comma(int64(resolved)),
		humanize.Comma(int64(totals.Errors)))
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}

	if len(r.Seeds) > 0 {
		fmt.Fprintln(w)
		seeds := uitable.New()
		seeds.Separator = "  "
		seeds.RightAlign(1)
		seeds.RightAlign(2)
		seeds.AddRow("SEED MODEL", "CREATED", "EXISTING")
		for _, s := range r.Seeds {
			seeds.AddRow(s.Model, humanize.Comma(int64(s.Created)), humanize.Comma(int64(s.Existing)))
		}
		fmt.Fprintln(w, seeds)
	}

	for _, m := range r.Models {
		if len(m.Failures) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nFailed %s records (%s):\n", m.Model, humanize.Comma(int64(len(m.Failures))))
		failures := append([]Failure(nil), m.Failures...)
		sort.SliceStable(failures, func(i, j int) bool { return failures[i].SourceID < failures[j].SourceID })
		for _, f := range failures {
			if f.Field != "" {
				fmt.Fprintf(w, "  %d  %s  %s: %s\n", f.SourceID, f.Kind, f.Field, f.Error)
			} else {
				fmt.Fprintf(w, "  %d  %s  %s\n", f.SourceID, f.Kind, f.Error)
			}
		}
	}
	return nil
}
