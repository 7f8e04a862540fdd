// Package config loads the harvester's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Site identifies the catalog host.
type Site struct {
	BaseURL string `toml:"base_url"`
}

// Fetch configures the retrying HTTP client.
type Fetch struct {
	Retries           int               `toml:"retries"`
	BackoffFactor     float64           `toml:"backoff_factor"`
	StatusForcelist   []int             `toml:"status_forcelist"`
	TimeoutSeconds    float64           `toml:"timeout_seconds"`
	MaxBackoffSeconds float64           `toml:"max_backoff_seconds"`
	Headers           map[string]string `toml:"headers"`
}

// Pacing configures the delay between requests per stage, in seconds.
type Pacing struct {
	DetailMinDelay float64 `toml:"detail_min_delay"`
	DetailMaxDelay float64 `toml:"detail_max_delay"`
	DiscoveryDelay float64 `toml:"discovery_delay"`
}

// Store locates the per-manufacturer JSON files.
type Store struct {
	Dir string `toml:"dir"`
}

// Logging selects level and output format (auto, text, json).
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Metrics exposes /metrics on Port when it is positive.
type Metrics struct {
	Port int `toml:"port"`
}

// NATS enables merged-record events when URL is set.
type NATS struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// Neo4j enables the graph mirror when URL is set.
type Neo4j struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Config is the full configuration.
type Config struct {
	Site    Site    `toml:"site"`
	Fetch   Fetch   `toml:"fetch"`
	Pacing  Pacing  `toml:"pacing"`
	Store   Store   `toml:"store"`
	Logging Logging `toml:"logging"`
	Metrics Metrics `toml:"metrics"`
	NATS    NATS    `toml:"nats"`
	Neo4j   Neo4j   `toml:"neo4j"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Site: Site{BaseURL: "https://www.autoevolution.com"},
		Fetch: Fetch{
			Retries:           3,
			BackoffFactor:     0.3,
			StatusForcelist:   []int{500, 502, 504},
			TimeoutSeconds:    10,
			MaxBackoffSeconds: 120,
		},
		Pacing: Pacing{
			DetailMinDelay: 3,
			DetailMaxDelay: 7,
			DiscoveryDelay: 1,
		},
		Store:   Store{Dir: "brand_specs"},
		Logging: Logging{Level: "info", Format: "auto"},
		NATS:    NATS{Subject: "specharvest.records.merged"},
		Neo4j:   Neo4j{User: "neo4j"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		dec := toml.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv fills connection settings left empty by the file from
// NATS_URL, NEO4J_URL, NEO4J_USER and NEO4J_PASS.
func (c *Config) ApplyEnv(getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&c.NATS.URL, "NATS_URL")
	fill(&c.Neo4j.URL, "NEO4J_URL")
	fill(&c.Neo4j.Password, "NEO4J_PASS")
	if v := getenv("NEO4J_USER"); v != "" && c.Neo4j.User == "neo4j" {
		c.Neo4j.User = v
	}
}

func (c *Config) normalize() {
	c.Site.BaseURL = strings.TrimRight(strings.TrimSpace(c.Site.BaseURL), "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Pacing.DetailMaxDelay < c.Pacing.DetailMinDelay {
		c.Pacing.DetailMinDelay, c.Pacing.DetailMaxDelay = c.Pacing.DetailMaxDelay, c.Pacing.DetailMinDelay
	}
}

// Seconds converts a fractional second count to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
