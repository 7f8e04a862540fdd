// Package catalog defines the harvested vehicle record, its identity key
// and the input rows that drive a harvest.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// recordNamespace scopes record ids so they never collide with other
// SHA1-derived UUIDs.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/WessleyAI/wessley-specharvest/record"))

// Key identifies a record. Comparison is exact and case-sensitive.
type Key struct {
	Manufacturer string
	Model        string
	Engine       string
}

func (k Key) String() string {
	return k.Manufacturer + " / " + k.Model + " / " + k.Engine
}

// ID is a stable UUID derived from the key.
func (k Key) ID() string {
	name := k.Manufacturer + "\x00" + k.Model + "\x00" + k.Engine
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

// Section is one named group of free-text attributes. Variant is the
// engine block's display name when the page has several blocks.
type Section struct {
	Name    string            `json:"section"`
	Variant string            `json:"variant,omitempty"`
	Values  map[string]string `json:"values"`
}

// Record is one engine variant of one model.
type Record struct {
	ID           string    `json:"id,omitempty"`
	Manufacturer string    `json:"brand"`
	ModelName    string    `json:"model_name"`
	EngineName   string    `json:"engine_name"`
	FuelType     string    `json:"fuel_type"`
	Horsepower   *int      `json:"horsepower,omitempty"`
	ImageURL     string    `json:"image_url"`
	SourceLink   string    `json:"sub_link"`
	Specs        []Section `json:"specs"`
}

// Key returns the record's identity key.
func (r Record) Key() Key {
	return Key{Manufacturer: r.Manufacturer, Model: r.ModelName, Engine: r.EngineName}
}

// MarshalJSON fills in the id and writes an empty specs list rather than null.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	if r.ID == "" {
		r.ID = r.Key().ID()
	}
	if r.Specs == nil {
		r.Specs = []Section{}
	}
	return json.Marshal(plain(r))
}

// UnmarshalJSON accepts both the current layout and files written by the
// earlier scripts, where horsepower was a "N HP" string and specs was a
// list of {"engine_name": ..., "<section>": {...}} objects or a single
// general-information object.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string          `json:"id"`
		Manufacturer string          `json:"brand"`
		ModelName    string          `json:"model_name"`
		EngineName   string          `json:"engine_name"`
		FuelType     string          `json:"fuel_type"`
		Horsepower   json.RawMessage `json:"horsepower"`
		ImageURL     string          `json:"image_url"`
		SourceLink   string          `json:"sub_link"`
		Specs        json.RawMessage `json:"specs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	hp, err := decodeHorsepower(raw.Horsepower)
	if err != nil {
		return err
	}
	specs, err := decodeSpecs(raw.Specs)
	if err != nil {
		return fmt.Errorf("record %q %q: specs: %w", raw.ModelName, raw.EngineName, err)
	}
	*r = Record{
		ID:           raw.ID,
		Manufacturer: raw.Manufacturer,
		ModelName:    raw.ModelName,
		EngineName:   raw.EngineName,
		FuelType:     raw.FuelType,
		Horsepower:   hp,
		ImageURL:     raw.ImageURL,
		SourceLink:   raw.SourceLink,
		Specs:        specs,
	}
	return nil
}

var hpPattern = regexp.MustCompile(`(\d+)\s*HP`)

// ParseHorsepower reads "200 HP" or "200". Anything else is absent.
func ParseHorsepower(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if m := hpPattern.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		s = m[1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func decodeHorsepower(raw json.RawMessage) (*int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return ParseHorsepower(s), nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("horsepower: %w", err)
	}
	return &n, nil
}

func decodeSpecs(raw json.RawMessage) ([]Section, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []Section{}, nil
	}
	if raw[0] == '{' {
		return legacySections(raw, "")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := []Section{}
	for _, item := range items {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(item, &probe); err != nil {
			return nil, err
		}
		if _, ok := probe["section"]; ok {
			var s Section
			if err := json.Unmarshal(item, &s); err != nil {
				return nil, err
			}
			if s.Values == nil {
				s.Values = map[string]string{}
			}
			out = append(out, s)
			continue
		}
		var variant string
		if v, ok := probe["engine_name"]; ok {
			_ = json.Unmarshal(v, &variant)
		}
		secs, err := legacySections(item, variant)
		if err != nil {
			return nil, err
		}
		out = append(out, secs...)
	}
	return out, nil
}

// legacySections converts one old-style object. Nested objects become
// sections; a top-level description string becomes the "general" section.
func legacySections(raw json.RawMessage, variant string) ([]Section, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	var out []Section
	general := map[string]string{}
	for _, name := range sortedKeys(obj) {
		if name == "engine_name" {
			continue
		}
		var values map[string]string
		if err := json.Unmarshal(obj[name], &values); err == nil {
			if values == nil {
				values = map[string]string{}
			}
			out = append(out, Section{Name: name, Variant: variant, Values: values})
			continue
		}
		var text string
		if err := json.Unmarshal(obj[name], &text); err == nil {
			general[name] = text
		}
	}
	if len(general) > 0 {
		out = append([]Section{{Name: "general", Variant: variant, Values: general}}, out...)
	}
	return out, nil
}
