package main

import (
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/WessleyAI/wessley-specharvest/engine/harvest"
	"github.com/WessleyAI/wessley-specharvest/engine/store"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, footer []string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	tw.AppendHeader(toRow(headers, columns))
	for _, row := range rows {
		tw.AppendRow(toRow(row, columns))
	}
	if len(footer) > 0 {
		tw.AppendFooter(toRow(footer, columns))
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignFooter: align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func toRow(cells []string, columns int) table.Row {
	r := make(table.Row, columns)
	for i := range r {
		if i < len(cells) {
			r[i] = cells[i]
		} else {
			r[i] = ""
		}
	}
	return r
}

func renderReport(rep harvest.Report) string {
	headers := []string{"Manufacturer", "Processed", "Skipped", "Failed", "Merged", "Total", "Note"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}

	rows := make([][]string, 0, len(rep.Manufacturers))
	for _, m := range rep.Manufacturers {
		note := ""
		switch {
		case m.SaveErr != nil:
			note = "save failed"
		case m.New:
			note = "new"
		}
		rows = append(rows, []string{
			m.Manufacturer,
			strconv.Itoa(m.Processed),
			strconv.Itoa(m.Skipped),
			strconv.Itoa(m.Failed),
			strconv.Itoa(m.Merged),
			strconv.Itoa(m.Total),
			note,
		})
	}
	t := rep.Totals()
	footer := []string{
		"Total",
		strconv.Itoa(t.Processed),
		strconv.Itoa(t.Skipped),
		strconv.Itoa(t.Failed),
		strconv.Itoa(t.Merged),
		strconv.Itoa(t.Total),
		rep.Duration.Round(time.Millisecond).String(),
	}
	return renderTable(headers, rows, footer, aligns)
}

func renderStatus(sums []store.Summary) string {
	const stampLayout = "2006-01-02 15:04"
	rows := make([][]string, 0, len(sums))
	total := 0
	for _, s := range sums {
		total += s.Records
		rows = append(rows, []string{s.Manufacturer, strconv.Itoa(s.Records), s.Modified.Local().Format(stampLayout)})
	}
	return renderTable(
		[]string{"Manufacturer", "Records", "Updated"},
		rows,
		[]string{"Total", strconv.Itoa(total), ""},
		[]columnAlignment{alignLeft, alignRight, alignLeft},
	)
}
