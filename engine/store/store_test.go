package store

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func record(model, engine string) catalog.Record {
	hp := 200
	return catalog.Record{
		Manufacturer: "Acme",
		ModelName:    model,
		EngineName:   engine,
		Horsepower:   &hp,
		Specs:        []catalog.Section{{Name: "engine", Values: map[string]string{"displacement": "2.0L"}}},
	}
}

func TestLoadMissingIsEmpty(t *testing.T) {
	s := openTemp(t)
	c, err := s.Load("Acme")
	if err != nil {
		t.Fatal(err)
	}
	if c.Manufacturer != "Acme" || c.Records == nil || len(c.Records) != 0 {
		t.Fatalf("unexpected collection: %+v", c)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTemp(t)
	in := catalog.Collection{Manufacturer: "Acme", Records: []catalog.Record{record("X1", "2.0 Turbo"), record("X2", "1.6")}}
	if err := s.Save("Acme", in); err != nil {
		t.Fatal(err)
	}
	out, err := s.Load("Acme")
	if err != nil {
		t.Fatal(err)
	}
	for i := range in.Records {
		in.Records[i].ID = in.Records[i].Key().ID()
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestSaveFileFormat(t *testing.T) {
	s := openTemp(t)
	r := record("X1 <GT>", "2.0")
	if err := s.Save("Acme", catalog.Collection{Records: []catalog.Record{r}}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), "Acme_specs.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "[\n  {\n") {
		t.Errorf("expected 2-space indented array, got:\n%s", data)
	}
	if !strings.Contains(string(data), `"model_name": "X1 <GT>"`) {
		t.Errorf("html characters should not be escaped:\n%s", data)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "brand", "model_name", "engine_name", "fuel_type", "horsepower", "image_url", "sub_link", "specs"} {
		if _, ok := raw[0][key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
}

func TestSaveEmptyCollection(t *testing.T) {
	s := openTemp(t)
	if err := s.Save("Acme", catalog.Collection{}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(s.Path("Acme"))
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty array, got %q", data)
	}
}

func TestSaveRefusesToShrink(t *testing.T) {
	s := openTemp(t)
	full := catalog.Collection{Records: []catalog.Record{record("X1", "2.0"), record("X2", "1.6")}}
	if err := s.Save("Acme", full); err != nil {
		t.Fatal(err)
	}
	err := s.Save("Acme", catalog.Collection{Records: full.Records[:1]})
	if !errors.Is(err, ErrShrink) {
		t.Fatalf("expected ErrShrink, got %v", err)
	}
	c, _ := s.Load("Acme")
	if c.Len() != 2 {
		t.Fatalf("collection shrank to %d", c.Len())
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := openTemp(t)
	old := catalog.Collection{Records: []catalog.Record{record("X1", "2.0")}}
	if err := s.Save("Acme", old); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Path("Acme"))

	rename = func(string, string) error { return errors.New("power cut") }
	defer func() { rename = os.Rename }()

	err := s.Save("Acme", catalog.Collection{Records: []catalog.Record{record("X1", "2.0"), record("X2", "1.6")}})
	if err == nil {
		t.Fatal("expected save to fail")
	}
	after, _ := os.ReadFile(s.Path("Acme"))
	if string(before) != string(after) {
		t.Fatal("previous collection was modified by a failed save")
	}
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestLoadCorruptFileIsError(t *testing.T) {
	s := openTemp(t)
	if err := os.WriteFile(s.Path("Acme"), []byte(`[{"brand": "Acme",`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("Acme"); err == nil {
		t.Fatal("expected decode error")
	}
	if err := s.Save("Acme", catalog.Collection{}); err == nil {
		t.Fatal("save over a corrupt file must fail")
	}
}

func TestLoadLegacyFile(t *testing.T) {
	s := openTemp(t)
	legacy := `[{"brand":"Acme","model_name":"X1","fuel_type":"GASOLINE","engine_name":"2.0","horsepower":"200 HP","image_url":"N/A","sub_link":"/x","specs":[{"engine_name":"2.0 6MT","engine":{"cylinders":"4"}}]}]`
	if err := os.WriteFile(s.Path("Acme"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := s.Load("Acme")
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || *c.Records[0].Horsepower != 200 || c.Records[0].Specs[0].Values["cylinders"] != "4" {
		t.Fatalf("unexpected collection: %+v", c)
	}
}

func TestManufacturersAreIsolated(t *testing.T) {
	s := openTemp(t)
	if err := s.Save("Acme", catalog.Collection{Records: []catalog.Record{record("X1", "2.0")}}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path("Broken"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("Broken", catalog.Collection{}); err == nil {
		t.Fatal("expected failure for Broken")
	}
	c, err := s.Load("Acme")
	if err != nil || c.Len() != 1 {
		t.Fatalf("Acme affected by Broken: %v %+v", err, c)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Acme", "Acme_specs.json"},
		{"Mercedes-Benz", "Mercedes-Benz_specs.json"},
		{"AC/DC: Motors?", "AC_DC_ Motors__specs.json"},
		{"..", "_.._specs.json"},
		{"", "__specs.json"},
	}
	for _, tt := range tests {
		if got := FileName(tt.in); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestList(t *testing.T) {
	s := openTemp(t)
	_ = s.Save("Zeta", catalog.Collection{Records: []catalog.Record{{Manufacturer: "Zeta"}}})
	_ = s.Save("AC/DC", catalog.Collection{Records: []catalog.Record{{Manufacturer: "AC/DC"}, {Manufacturer: "AC/DC", ModelName: "B"}}})
	_ = os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(s.Dir(), "Bad_specs.json"), []byte("nope"), 0o644)

	got, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Manufacturer != "AC/DC" || got[0].Records != 2 || got[1].Manufacturer != "Zeta" {
		t.Fatalf("unexpected summaries: %+v", got)
	}
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := b.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := a.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := b.Lock(); err != nil {
		t.Fatalf("lock should be free after unlock: %v", err)
	}
	_ = b.Unlock()
}

func TestOpenRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	_ = os.WriteFile(path, nil, 0o644)
	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected error opening a regular file as store")
	}
}
