// Package discover expands a model listing into engine-level input rows
// by reading each model's page.
package discover

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
	"github.com/WessleyAI/wessley-specharvest/engine/extract"
	"github.com/WessleyAI/wessley-specharvest/engine/harvest"
	"github.com/WessleyAI/wessley-specharvest/pkg/fn"
	"github.com/WessleyAI/wessley-specharvest/pkg/resilience"
)

// ModelRow is one line of the model listing.
type ModelRow struct {
	Manufacturer string
	ModelName    string
	Link         string
	Line         int
}

var modelColumns = []string{"brand", "model_link"}

// ReadModels parses a model listing CSV. Only brand and model_link are
// required; model_name is informational and other columns are ignored.
func ReadModels(r io.Reader) ([]ModelRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &catalog.InputError{Wrapped: catalog.ErrEmptyInput}
	}
	if err != nil {
		return nil, &catalog.InputError{Line: 1, Wrapped: fmt.Errorf("%w: %v", catalog.ErrInvalidInput, err)}
	}
	idx, err := catalog.ColumnIndex(header, modelColumns)
	if err != nil {
		return nil, err
	}
	nameCol, hasName := -1, false
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "model_name") {
			nameCol, hasName = i, true
			break
		}
	}

	var rows []ModelRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &catalog.InputError{Wrapped: fmt.Errorf("%w: %v", catalog.ErrInvalidInput, err)}
		}
		line, _ := cr.FieldPos(0)
		field := func(i int) string {
			if i < 0 || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		m := ModelRow{Manufacturer: field(idx["brand"]), Link: field(idx["model_link"]), Line: line}
		if hasName {
			m.ModelName = field(nameCol)
		}
		if m.Manufacturer == "" && m.Link == "" {
			continue
		}
		if m.Manufacturer == "" {
			return nil, &catalog.InputError{Line: line, Field: "brand", Wrapped: catalog.ErrInvalidInput}
		}
		if m.Link == "" {
			return nil, &catalog.InputError{Line: line, Field: "model_link", Wrapped: catalog.ErrInvalidInput}
		}
		rows = append(rows, m)
	}
	if len(rows) == 0 {
		return nil, &catalog.InputError{Wrapped: catalog.ErrEmptyInput}
	}
	return rows, nil
}

// Discoverer fetches model pages and lists their engines.
type Discoverer struct {
	fetcher   harvest.Fetcher
	extractor *extract.Extractor
	pacer     resilience.Pacer
	log       *slog.Logger
}

// New creates a Discoverer. A nil pacer disables pacing.
func New(f harvest.Fetcher, x *extract.Extractor, p resilience.Pacer, log *slog.Logger) *Discoverer {
	if p == nil {
		p = resilience.NoDelay{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{fetcher: f, extractor: x, pacer: p, log: log}
}

// Result summarizes a discovery run.
type Result struct {
	Rows   []catalog.InputRow
	Models int
	Failed int
}

// Run visits every model page in order. A page that cannot be fetched or
// has no title is logged and skipped. Only cancellation stops the run
// early; rows found so far are returned with the error.
func (d *Discoverer) Run(ctx context.Context, models []ModelRow) (Result, error) {
	var res Result
	stage := fn.TracedStage("discover", d.engines)
	for _, m := range models {
		if err := d.pacer.Wait(ctx); err != nil {
			return res, err
		}
		rows, err := stage(ctx, m).Unwrap()
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			d.log.Warn("model page skipped", "manufacturer", m.Manufacturer, "model", m.ModelName, "link", m.Link, "error", err)
			continue
		}
		res.Models++
		res.Rows = append(res.Rows, rows...)
		d.log.Info("model page read", "manufacturer", m.Manufacturer, "model", m.ModelName, "engines", len(rows))
	}
	return res, nil
}

func (d *Discoverer) engines(ctx context.Context, m ModelRow) fn.Result[[]catalog.InputRow] {
	page, err := d.fetcher.Fetch(ctx, m.Link)
	if err != nil {
		return fn.Err[[]catalog.InputRow](err)
	}
	doc, err := extract.Parse(page.Body)
	if err != nil {
		return fn.Err[[]catalog.InputRow](err)
	}
	return fn.FromPair(d.extractor.EngineRows(doc, m.Manufacturer))
}
