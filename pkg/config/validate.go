package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("site.base_url %q must be an absolute http(s) URL", c.Site.BaseURL))
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, errors.New("fetch.retries must be >= 0"))
	}
	if c.Fetch.BackoffFactor < 0 {
		errs = append(errs, errors.New("fetch.backoff_factor must be >= 0"))
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("fetch.timeout_seconds must be > 0"))
	}
	for _, code := range c.Fetch.StatusForcelist {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("fetch.status_forcelist: %d is not an HTTP status", code))
		}
	}
	if c.Pacing.DetailMinDelay < 0 || c.Pacing.DiscoveryDelay < 0 {
		errs = append(errs, errors.New("pacing delays must be >= 0"))
	}
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be auto, text or json", c.Logging.Format))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats.subject is required when nats.url is set"))
	}
	return errors.Join(errs...)
}
