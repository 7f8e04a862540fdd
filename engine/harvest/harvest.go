// Package harvest runs input rows through fetch, extract and merge, one
// row at a time, and persists each manufacturer's collection as soon as
// its rows are done.
//
// A row whose key is already persisted is skipped before any request is
// made, which makes an interrupted run resumable: re-running only fetches
// what is still missing.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
	"github.com/WessleyAI/wessley-specharvest/engine/diff"
	"github.com/WessleyAI/wessley-specharvest/engine/extract"
	"github.com/WessleyAI/wessley-specharvest/engine/fetch"
	"github.com/WessleyAI/wessley-specharvest/engine/store"
	"github.com/WessleyAI/wessley-specharvest/pkg/fn"
	"github.com/WessleyAI/wessley-specharvest/pkg/metrics"
	"github.com/WessleyAI/wessley-specharvest/pkg/resilience"
)

// Fetcher retrieves one document.
type Fetcher interface {
	Fetch(ctx context.Context, link string) (fetch.Document, error)
}

// Store loads and replaces per-manufacturer collections.
type Store interface {
	Load(manufacturer string) (catalog.Collection, error)
	Save(manufacturer string, c catalog.Collection) error
}

// Deps holds the harvester's collaborators.
type Deps struct {
	Fetcher   Fetcher
	Extractor *extract.Extractor
	Store     Store
	// Pacer spaces consecutive fetches. Nil means no delay.
	Pacer   resilience.Pacer
	Sinks   []Sink
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// SaveAttempts bounds how often a failing save is tried (default 3).
	SaveAttempts int
	SaveBackoff  time.Duration
	Sleep        func(context.Context, time.Duration) error
}

// Harvester is the detail-stage pipeline.
type Harvester struct {
	deps   Deps
	log    *slog.Logger
	detail fn.Stage[catalog.InputRow, catalog.Record]

	rows    map[State]*metrics.Counter
	saves   map[bool]*metrics.Counter
	metrics *metrics.Registry
}

type page struct {
	row catalog.InputRow
	doc fetch.Document
}

// New creates a Harvester.
func New(d Deps) *Harvester {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Pacer == nil {
		d.Pacer = resilience.NoDelay{}
	}
	if d.SaveAttempts < 1 {
		d.SaveAttempts = 3
	}
	if d.SaveBackoff <= 0 {
		d.SaveBackoff = time.Second
	}
	if d.Sleep == nil {
		d.Sleep = fn.SleepContext
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}

	h := &Harvester{deps: d, log: d.Logger, metrics: d.Metrics}
	h.rows = make(map[State]*metrics.Counter)
	for _, s := range []State{Merged, SkippedDuplicate, Failed} {
		h.rows[s] = d.Metrics.Counter(metrics.WithLabels("specharvest_rows_total", "outcome", s.String()), "Input rows by final state.")
	}
	h.saves = map[bool]*metrics.Counter{
		true:  d.Metrics.Counter(metrics.WithLabels("specharvest_saves_total", "result", "ok"), "Collection saves."),
		false: d.Metrics.Counter(metrics.WithLabels("specharvest_saves_total", "result", "error"), "Collection saves."),
	}

	h.detail = fn.Then(
		fn.TracedStage("fetch", h.fetchStage),
		fn.TracedStage("extract", h.extractStage),
	)
	return h
}

func (h *Harvester) fetchStage(ctx context.Context, row catalog.InputRow) fn.Result[page] {
	h.transition(row, Pending, Fetching)
	doc, err := h.deps.Fetcher.Fetch(ctx, row.SourceLink)
	if err != nil {
		return fn.Err[page](err)
	}
	return fn.Ok(page{row: row, doc: doc})
}

func (h *Harvester) extractStage(_ context.Context, p page) fn.Result[catalog.Record] {
	h.transition(p.row, Fetching, Extracting)
	doc, err := extract.Parse(p.doc.Body)
	if err != nil {
		return fn.Err[catalog.Record](err)
	}
	return fn.FromPair(h.deps.Extractor.Detail(doc, p.row))
}

func (h *Harvester) transition(row catalog.InputRow, from, to State) {
	h.log.Debug("row state", "manufacturer", row.Manufacturer, "model", row.ModelName,
		"engine", row.EngineName, "from", from.String(), "to", to.String())
}

// RowKey is the identity a row will have once harvested, used to skip
// known rows without fetching them.
func RowKey(row catalog.InputRow) catalog.Key {
	engine, _ := extract.ParseEngine(row.EngineName, row.Manufacturer, row.ModelName)
	return catalog.Key{Manufacturer: row.Manufacturer, Model: row.ModelName, Engine: engine}
}

// Validate rejects an input list that cannot start a run.
func Validate(rows []catalog.InputRow) error {
	if len(rows) == 0 {
		return &catalog.InputError{Wrapped: catalog.ErrEmptyInput}
	}
	for i, r := range rows {
		if r.Manufacturer == "" {
			line := r.Line
			if line == 0 {
				line = i + 1
			}
			return &catalog.InputError{Line: line, Field: "brand", Wrapped: catalog.ErrInvalidInput}
		}
	}
	return nil
}

// Run harvests rows, grouped by manufacturer in order of first
// appearance. Row failures are recorded in the report and never stop the
// run. The returned error is non-nil only for invalid input or a
// cancelled context; in the latter case whatever was merged so far for
// the current manufacturer has been saved.
func (h *Harvester) Run(ctx context.Context, rows []catalog.InputRow) (Report, error) {
	report := Report{Started: time.Now()}
	if err := Validate(rows); err != nil {
		return report, err
	}

	order, groups := fn.Partition(rows, func(r catalog.InputRow) string { return r.Manufacturer })
	h.log.Info("harvest started", "rows", len(rows), "manufacturers", len(order))

	var runErr error
	for _, m := range order {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		mr, err := h.manufacturer(ctx, m, groups[m])
		report.Manufacturers = append(report.Manufacturers, mr)
		if err != nil {
			runErr = err
			break
		}
	}

	report.Duration = time.Since(report.Started)
	t := report.Totals()
	h.log.Info("harvest finished",
		"processed", t.Processed, "skipped", t.Skipped, "failed", t.Failed,
		"merged", t.Merged, "duration", report.Duration.Round(time.Millisecond))
	return report, runErr
}

// manufacturer processes one manufacturer's rows and saves the result.
func (h *Harvester) manufacturer(ctx context.Context, m string, rows []catalog.InputRow) (ManufacturerReport, error) {
	mr := ManufacturerReport{Manufacturer: m}
	log := h.log.With("manufacturer", m)

	coll, err := h.deps.Store.Load(m)
	if err != nil {
		log.Error("cannot load collection, skipping manufacturer", "error", err)
		for _, row := range rows {
			mr.record(Outcome{Row: row, Key: RowKey(row), State: Failed, Err: err})
			h.rows[Failed].Inc()
		}
		return mr, nil
	}
	mr.New = coll.Len() == 0
	mr.Total = coll.Len()
	if mr.New {
		log.Info("new manufacturer", "rows", len(rows))
	}

	ix := diff.NewIndex(coll)
	var (
		harvested []catalog.Record
		cancelled error
	)
	for i, row := range rows {
		key := RowKey(row)
		if ix.Contains(key) {
			mr.record(Outcome{Row: row, Key: key, State: SkippedDuplicate})
			h.rows[SkippedDuplicate].Inc()
			continue
		}

		if err := h.deps.Pacer.Wait(ctx); err != nil {
			cancelled = err
			h.pending(&mr, rows[i:])
			break
		}
		rec, err := h.detail(ctx, row).Unwrap()
		if err != nil && ctx.Err() != nil {
			cancelled = ctx.Err()
			h.pending(&mr, rows[i:])
			break
		}
		if err != nil {
			h.logRowFailure(log, row, err)
			mr.record(Outcome{Row: row, Key: key, State: Failed, Err: err})
			h.rows[Failed].Inc()
			continue
		}

		if !ix.Add(rec.Key()) {
			log.Info("record already known", "model", rec.ModelName, "engine", rec.EngineName)
			mr.record(Outcome{Row: row, Key: rec.Key(), State: SkippedDuplicate})
			h.rows[SkippedDuplicate].Inc()
			continue
		}
		ix.Add(key)
		harvested = append(harvested, rec)
		mr.record(Outcome{Row: row, Key: rec.Key(), State: Merged})
		h.transition(row, Extracting, Merged)
	}

	added := diff.NewSet(coll, harvested)
	if len(added) == 0 && !mr.New {
		h.logUpdated(log, m, 0, coll.Len())
		h.countMerged(&mr)
		return mr, cancelled
	}

	updated := coll.Append(added...)
	if err := h.save(ctx, m, updated); err != nil {
		log.Error("cannot save collection", "error", err, "lost", len(added))
		mr.SaveErr = err
		h.demoteMerged(&mr, err)
		return mr, cancelled
	}
	mr.Total = updated.Len()
	h.countMerged(&mr)
	h.metrics.Gauge(metrics.WithLabels("specharvest_records_total", "manufacturer", m), "Persisted records per manufacturer.").Set(int64(mr.Total))
	h.logUpdated(log, m, len(added), mr.Total)

	if len(added) > 0 {
		h.notify(context.WithoutCancel(ctx), log, m, added)
	}
	return mr, cancelled
}

func (h *Harvester) save(ctx context.Context, m string, c catalog.Collection) error {
	opts := fn.RetryOpts{
		MaxAttempts: h.deps.SaveAttempts,
		InitialWait: h.deps.SaveBackoff,
		Retryable:   func(err error) bool { return !errors.Is(err, store.ErrShrink) },
		Sleep:       h.deps.Sleep,
	}
	// A cancelled run still gets its save.
	res := fn.Retry(context.WithoutCancel(ctx), opts, func(context.Context) fn.Result[struct{}] {
		if err := h.deps.Store.Save(m, c); err != nil {
			h.saves[false].Inc()
			h.log.Warn("save attempt failed", "manufacturer", m, "error", err)
			return fn.Err[struct{}](err)
		}
		h.saves[true].Inc()
		return fn.Ok(struct{}{})
	})
	return res.Error()
}

func (h *Harvester) notify(ctx context.Context, log *slog.Logger, m string, added []catalog.Record) {
	for _, s := range h.deps.Sinks {
		if err := s.Merged(ctx, m, added); err != nil {
			log.Warn("sink failed", "sink", s.Name(), "records", len(added), "error", err)
		}
	}
}

func (h *Harvester) logRowFailure(log *slog.Logger, row catalog.InputRow, err error) {
	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		log.Warn("fetch failed",
			"model", row.ModelName, "engine", row.EngineName, "url", fe.URL,
			"status", fe.Status, "attempts", fe.Attempts, "transient", fe.Transient, "error", fe.Err)
		return
	}
	log.Warn("extraction failed",
		"model", row.ModelName, "engine", row.EngineName, "link", row.SourceLink, "error", err)
}

func (h *Harvester) logUpdated(log *slog.Logger, m string, added, total int) {
	log.Info(fmt.Sprintf("Updated %s: added %d new models", m, added),
		"added", added, "total", total, "summary", fmt.Sprintf("%d new models", added))
}

// pending records rows left untouched by a cancellation.
func (h *Harvester) pending(mr *ManufacturerReport, rows []catalog.InputRow) {
	for _, row := range rows {
		mr.record(Outcome{Row: row, Key: RowKey(row), State: Pending})
	}
}

func (h *Harvester) countMerged(mr *ManufacturerReport) {
	h.rows[Merged].Add(int64(mr.Merged))
}

// demoteMerged marks rows whose records could not be persisted as failed.
func (h *Harvester) demoteMerged(mr *ManufacturerReport, err error) {
	for i := range mr.Outcomes {
		if mr.Outcomes[i].State == Merged {
			mr.Outcomes[i].State = Failed
			mr.Outcomes[i].Err = err
			mr.Merged--
			mr.Failed++
			h.rows[Failed].Inc()
		}
	}
}
