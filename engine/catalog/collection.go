package catalog

// Collection is the persisted, append-only list of records for one
// manufacturer.
type Collection struct {
	Manufacturer string
	Records      []Record
}

// Len returns the number of records.
func (c Collection) Len() int { return len(c.Records) }

// Append returns a collection with recs added after the existing records.
// The receiver's backing array is never written to.
func (c Collection) Append(recs ...Record) Collection {
	out := make([]Record, 0, len(c.Records)+len(recs))
	out = append(out, c.Records...)
	out = append(out, recs...)
	return Collection{Manufacturer: c.Manufacturer, Records: out}
}
