// Package diff decides which candidate records are new relative to a
// persisted collection.
package diff

import "github.com/WessleyAI/wessley-specharvest/engine/catalog"

// KeySet is a set of identity keys.
type KeySet map[catalog.Key]struct{}

// Keys builds the key set of records.
func Keys(records []catalog.Record) KeySet {
	s := make(KeySet, len(records))
	for _, r := range records {
		s[r.Key()] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s KeySet) Has(k catalog.Key) bool {
	_, ok := s[k]
	return ok
}

// NewSet returns the candidates whose key is neither in existing nor
// earlier in candidates, in input order. Neither argument is modified.
// A known key wins over any later content for the same key.
func NewSet(existing catalog.Collection, candidates []catalog.Record) []catalog.Record {
	seen := Keys(existing.Records)
	var out []catalog.Record
	for _, c := range candidates {
		k := c.Key()
		if seen.Has(k) {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Index tracks the keys of one manufacturer's collection while a run adds
// to it.
type Index struct {
	keys KeySet
}

// NewIndex indexes c.
func NewIndex(c catalog.Collection) *Index {
	return &Index{keys: Keys(c.Records)}
}

// Contains reports whether k is already known.
func (ix *Index) Contains(k catalog.Key) bool { return ix.keys.Has(k) }

// Add records k as known and reports whether it was new.
func (ix *Index) Add(k catalog.Key) bool {
	if ix.keys.Has(k) {
		return false
	}
	ix.keys[k] = struct{}{}
	return true
}

// Len returns the number of known keys.
func (ix *Index) Len() int { return len(ix.keys) }
