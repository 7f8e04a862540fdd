package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// InputRow is one "thing that might need crawling", as produced by the
// discovery stage.
type InputRow struct {
	Manufacturer string
	ModelName    string
	FuelType     string
	EngineName   string
	// Horsepower is the raw hint from the listing, e.g. "200 HP".
	Horsepower string
	ImageURL   string
	SourceLink string
	// Line is the 1-based CSV line the row was read from, 0 if synthetic.
	Line int
}

// Columns is the header of the detail input CSV.
var Columns = []string{"brand", "model_name", "fuel_type", "engine_name", "horsepower", "image_url", "sub_link"}

// ReadRows parses the detail input CSV. A missing header column, an empty
// body or a row without a brand is an *InputError.
func ReadRows(r io.Reader) ([]InputRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &InputError{Wrapped: ErrEmptyInput}
	}
	if err != nil {
		return nil, &InputError{Line: 1, Wrapped: fmt.Errorf("%w: %v", ErrInvalidInput, err)}
	}
	idx, err := ColumnIndex(header, Columns)
	if err != nil {
		return nil, err
	}

	var rows []InputRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.StartLine
			}
			return nil, &InputError{Line: line, Wrapped: fmt.Errorf("%w: %v", ErrInvalidInput, err)}
		}
		line, _ := cr.FieldPos(0)
		if isBlank(rec) {
			continue
		}
		get := func(col string) string {
			i := idx[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		row := InputRow{
			Manufacturer: get("brand"),
			ModelName:    get("model_name"),
			FuelType:     get("fuel_type"),
			EngineName:   get("engine_name"),
			Horsepower:   get("horsepower"),
			ImageURL:     get("image_url"),
			SourceLink:   get("sub_link"),
			Line:         line,
		}
		if row.Manufacturer == "" {
			return nil, &InputError{Line: line, Field: "brand", Wrapped: ErrInvalidInput}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, &InputError{Wrapped: ErrEmptyInput}
	}
	return rows, nil
}

// WriteRows writes rows in the format ReadRows accepts.
func WriteRows(w io.Writer, rows []InputRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.Manufacturer, r.ModelName, r.FuelType, r.EngineName, r.Horsepower, r.ImageURL, r.SourceLink}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ColumnIndex maps each required column to its position in header.
// Header names are matched case-insensitively; a missing column is an
// *InputError.
func ColumnIndex(header, required []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, &InputError{Line: 1, Field: col, Wrapped: fmt.Errorf("%w: missing column", ErrInvalidInput)}
		}
	}
	return idx, nil
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
