package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
	"github.com/WessleyAI/wessley-specharvest/engine/fetch"
	"github.com/WessleyAI/wessley-specharvest/engine/graph"
	"github.com/WessleyAI/wessley-specharvest/engine/harvest"
	"github.com/WessleyAI/wessley-specharvest/pkg/config"
	"github.com/WessleyAI/wessley-specharvest/pkg/metrics"
	"github.com/WessleyAI/wessley-specharvest/pkg/mid"
	"github.com/WessleyAI/wessley-specharvest/pkg/natsutil"
)

func newFetcher(cfg *config.Config, reg *metrics.Registry, log *slog.Logger) (*fetch.Fetcher, error) {
	policy := fetch.Policy{
		Retries:         cfg.Fetch.Retries,
		BackoffFactor:   cfg.Fetch.BackoffFactor,
		StatusForcelist: cfg.Fetch.StatusForcelist,
		Timeout:         config.Seconds(cfg.Fetch.TimeoutSeconds),
		MaxBackoff:      config.Seconds(cfg.Fetch.MaxBackoffSeconds),
	}
	return fetch.New(cfg.Site.BaseURL, policy,
		fetch.WithLogger(log),
		fetch.WithMetrics(reg),
		fetch.WithHeaders(cfg.Fetch.Headers),
	)
}

func readRowsFile(path string) ([]catalog.InputRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return catalog.ReadRows(f)
}

// openSinks connects the optional downstream consumers. The returned
// close function is always safe to call.
func openSinks(ctx context.Context, cfg *config.Config, log *slog.Logger) ([]harvest.Sink, func(), error) {
	var sinks []harvest.Sink
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, "specharvest")
		if err != nil {
			return nil, closeAll, fmt.Errorf("nats connect: %w", err)
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				log.Warn("nats drain", "error", err)
			}
		})
		sinks = append(sinks, harvest.NewNATSSink(nc, cfg.NATS.Subject))
		log.Info("publishing merged records", "nats", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("neo4j driver: %w", err)
		}
		closers = append(closers, func() { driver.Close(context.WithoutCancel(ctx)) })
		if err := driver.VerifyConnectivity(ctx); err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("neo4j connect: %w", err)
		}
		mirror := graph.New(driver)
		if err := mirror.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, mirror)
		log.Info("mirroring merged records", "neo4j", cfg.Neo4j.URL)
	}
	return sinks, closeAll, nil
}

// serveMetrics exposes reg on port until the returned function is called.
// A non-positive port disables it.
func serveMetrics(port int, reg *metrics.Registry, log *slog.Logger) (func(), error) {
	if port <= 0 {
		return func() {}, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	handler := mid.Chain(mux,
		mid.Recover(log),
		mid.Logger(log),
		mid.OTel("metrics"),
		mid.GetOnly(),
	)

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
