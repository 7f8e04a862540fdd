package harvest

import (
	"time"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
)

// State is where an input row is in the pipeline.
type State int

const (
	Pending State = iota
	Fetching
	Extracting
	Merged
	SkippedDuplicate
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fetching:
		return "fetching"
	case Extracting:
		return "extracting"
	case Merged:
		return "merged"
	case SkippedDuplicate:
		return "skipped_duplicate"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == Merged || s == SkippedDuplicate || s == Failed
}

// Outcome is the final state of one input row.
type Outcome struct {
	Row   catalog.InputRow
	Key   catalog.Key
	State State
	Err   error
}

// ManufacturerReport counts what happened to one manufacturer's rows.
type ManufacturerReport struct {
	Manufacturer string
	// New is set when nothing was persisted for the manufacturer before.
	New       bool
	Processed int
	Skipped   int
	Failed    int
	Merged    int
	// Total is the persisted collection size after the run.
	Total    int
	SaveErr  error
	Outcomes []Outcome
}

func (m *ManufacturerReport) record(o Outcome) {
	m.Outcomes = append(m.Outcomes, o)
	if !o.State.Terminal() {
		return
	}
	m.Processed++
	switch o.State {
	case Merged:
		m.Merged++
	case SkippedDuplicate:
		m.Skipped++
	case Failed:
		m.Failed++
	}
}

// Report summarizes a run.
type Report struct {
	Manufacturers []ManufacturerReport
	Started       time.Time
	Duration      time.Duration
}

// Totals sums every manufacturer.
func (r Report) Totals() ManufacturerReport {
	var t ManufacturerReport
	for _, m := range r.Manufacturers {
		t.Processed += m.Processed
		t.Skipped += m.Skipped
		t.Failed += m.Failed
		t.Merged += m.Merged
		t.Total += m.Total
	}
	return t
}
