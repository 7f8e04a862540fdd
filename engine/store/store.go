// Package store persists one JSON file of records per manufacturer.
//
// Files are only ever replaced whole: Save writes a temporary file in the
// same directory, syncs it and renames it over the old one, so a crash
// leaves either the previous or the new collection on disk.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
)

const (
	fileSuffix = "_specs.json"
	lockName   = ".specharvest.lock"
)

var (
	// ErrLocked means another process holds the store directory.
	ErrLocked = errors.New("store is locked by another process")
	// ErrShrink is returned by Save when the new collection is smaller than
	// the one on disk.
	ErrShrink = errors.New("save would drop persisted records")
)

// rename is swapped in tests to simulate a crash before the final step.
var rename = os.Rename

// Store is a directory of per-manufacturer collections.
type Store struct {
	dir  string
	log  *slog.Logger
	lock *flock.Flock
}

// Open creates dir if needed and checks that it can be listed.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	if _, err := os.ReadDir(dir); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", dir, err)
	}
	return &Store{
		dir:  dir,
		log:  log,
		lock: flock.New(filepath.Join(dir, lockName)),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Lock takes the single-writer lock without blocking.
func (s *Store) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("store: acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock taken by Lock.
func (s *Store) Unlock() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("store: release lock: %w", err)
	}
	return nil
}

// Path returns the file holding manufacturer's collection.
func (s *Store) Path(manufacturer string) string {
	return filepath.Join(s.dir, FileName(manufacturer))
}

// FileName maps a manufacturer to its file name. Path separators,
// characters reserved on common filesystems and control characters
// become underscores.
func FileName(manufacturer string) string {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`/\:*?"<>|`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(manufacturer))
	if name == "" || name == "." || name == ".." {
		name = "_" + name
	}
	return name + fileSuffix
}

// Load returns manufacturer's collection, or an empty one when nothing
// has been saved yet. A file that cannot be decoded is an error so that
// it is never overwritten with less data.
func (s *Store) Load(manufacturer string) (catalog.Collection, error) {
	c := catalog.Collection{Manufacturer: manufacturer, Records: []catalog.Record{}}
	data, err := os.ReadFile(s.Path(manufacturer))
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("store: load %s: %w", manufacturer, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.Records); err != nil {
		return c, fmt.Errorf("store: decode %s: %w", s.Path(manufacturer), err)
	}
	if c.Records == nil {
		c.Records = []catalog.Record{}
	}
	return c, nil
}

// Save replaces manufacturer's file with c. The previous file stays
// intact until the new one is fully written and synced.
func (s *Store) Save(manufacturer string, c catalog.Collection) error {
	path := s.Path(manufacturer)

	prev, err := s.Load(manufacturer)
	if err != nil {
		return err
	}
	if len(c.Records) < len(prev.Records) {
		return fmt.Errorf("store: save %s: %w (%d on disk, %d given)", manufacturer, ErrShrink, len(prev.Records), len(c.Records))
	}

	records := c.Records
	if records == nil {
		records = []catalog.Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("store: encode %s: %w", manufacturer, err)
	}

	if err := writeFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("store: save %s: %w", manufacturer, err)
	}
	s.log.Debug("collection saved", "manufacturer", manufacturer, "records", len(records), "path", path)
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".specs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", step, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write temp file", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail("chmod temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	// Persist the rename itself. Not every platform can sync a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Summary describes one persisted collection.
type Summary struct {
	Manufacturer string
	Records      int
	Path         string
	Modified     time.Time
}

// List summarizes every collection in the store, sorted by manufacturer.
// The manufacturer name is read from the records when possible, since
// file names are sanitized.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", s.dir, err)
	}
	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", path, err)
		}
		var records []catalog.Record
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &records); err != nil {
				s.log.Warn("skipping unreadable collection", "path", path, "error", err)
				continue
			}
		}
		sum := Summary{
			Manufacturer: strings.TrimSuffix(e.Name(), fileSuffix),
			Records:      len(records),
			Path:         path,
		}
		if len(records) > 0 && records[0].Manufacturer != "" {
			sum.Manufacturer = records[0].Manufacturer
		}
		if info, err := e.Info(); err == nil {
			sum.Modified = info.ModTime()
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manufacturer < out[j].Manufacturer })
	return out, nil
}
