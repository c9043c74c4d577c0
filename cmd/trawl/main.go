// Command trawl runs one incremental fetch against a paginated API and
// writes the normalized items to stdout as NDJSON.
//
// With -archive the live fetch is captured; adding -replay serves the same
// fetch back from the archive with no network access.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datatrawl/trawl/pkg/archive"
	"github.com/datatrawl/trawl/pkg/backend"
	_ "github.com/datatrawl/trawl/pkg/backend/github"
	_ "github.com/datatrawl/trawl/pkg/backend/liferay"
	"github.com/datatrawl/trawl/pkg/client"
	"github.com/datatrawl/trawl/pkg/logging"
	"github.com/datatrawl/trawl/pkg/metrics"
	"github.com/datatrawl/trawl/pkg/window"
)

type options struct {
	backendName string
	category    string
	owner       string
	repo        string
	baseURL     string
	siteKey     string

	from     string
	to       string
	pageSize int

	tokens       string
	sleepForRate bool
	minRate      int
	maxRetries   int
	sleepTime    time.Duration
	insecure     bool

	archivePath string
	replay      bool

	metricsAddr string
	logLevel    string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("trawl", flag.ContinueOnError)

	fs.StringVar(&opts.backendName, "backend", "", "backend name (github, liferay)")
	fs.StringVar(&opts.category, "category", "", "item category to fetch")
	fs.StringVar(&opts.owner, "owner", "", "github repository owner")
	fs.StringVar(&opts.repo, "repo", "", "github repository name")
	fs.StringVar(&opts.baseURL, "url", "", "API root override or GraphQL server URL")
	fs.StringVar(&opts.siteKey, "site-key", "", "liferay site key")

	fs.StringVar(&opts.from, "from", "", "window lower bound (RFC 3339)")
	fs.StringVar(&opts.to, "to", "", "window upper bound (RFC 3339)")
	fs.IntVar(&opts.pageSize, "page-size", 0, "items per page (backend default if 0)")

	fs.StringVar(&opts.tokens, "tokens", getEnv("TRAWL_TOKENS", ""), "comma-separated API tokens")
	fs.BoolVar(&opts.sleepForRate, "sleep-for-rate", false, "sleep until reset when the rate budget runs out")
	fs.IntVar(&opts.minRate, "min-rate", 0, "rate budget floor (default if 0)")
	fs.IntVar(&opts.maxRetries, "max-retries", 0, "total attempts per request (default if 0)")
	fs.DurationVar(&opts.sleepTime, "sleep-time", 0, "initial retry backoff (default if 0)")
	fs.BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")

	fs.StringVar(&opts.archivePath, "archive", "", "archive file path")
	fs.BoolVar(&opts.replay, "replay", false, "replay from the archive instead of fetching live")

	fs.StringVar(&opts.metricsAddr, "metrics-addr", getEnv("TRAWL_METRICS_ADDR", ""), "address for the /metrics listener (disabled if empty)")
	fs.StringVar(&opts.logLevel, "log-level", getEnv("TRAWL_LOG_LEVEL", "info"), "log level")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.backendName == "" {
		return nil, fmt.Errorf("-backend is required (one of: %s)", strings.Join(backend.Names(), ", "))
	}
	if opts.category == "" {
		return nil, fmt.Errorf("-category is required")
	}
	if opts.replay && opts.archivePath == "" {
		return nil, fmt.Errorf("-replay requires -archive")
	}
	return opts, nil
}

func parseWindow(opts *options) (window.Window, error) {
	var from, to time.Time
	var err error
	if opts.from != "" {
		if from, err = time.Parse(time.RFC3339, opts.from); err != nil {
			return window.Window{}, fmt.Errorf("parsing -from: %w", err)
		}
	}
	if opts.to != "" {
		if to, err = time.Parse(time.RFC3339, opts.to); err != nil {
			return window.Window{}, fmt.Errorf("parsing -to: %w", err)
		}
	}
	return window.New(from, to, true), nil
}

func splitTokens(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(opts.logLevel)
	logging.Setup(logCfg)
	logger := logging.NewLogger("trawl")

	if err := run(context.Background(), opts); err != nil {
		logger.Fatal().Err(err).Msg("Fetch failed")
	}
}

func run(ctx context.Context, opts *options) error {
	w, err := parseWindow(opts)
	if err != nil {
		return err
	}

	cfg := client.DefaultConfig()
	cfg.Tokens = splitTokens(opts.tokens)
	cfg.SleepForRate = opts.sleepForRate
	cfg.InsecureSkipVerify = opts.insecure
	if opts.minRate > 0 {
		cfg.MinRateToSleep = opts.minRate
	}
	if opts.maxRetries > 0 {
		cfg.MaxRetries = opts.maxRetries
	}
	if opts.sleepTime > 0 {
		cfg.SleepTime = opts.sleepTime
	}

	if opts.archivePath != "" {
		arch, err := archive.Open(opts.archivePath)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer arch.Close()
		cfg.Archive = arch
		cfg.FromArchive = opts.replay
	}

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer c.Close()

	b, err := backend.New(opts.backendName, backend.Config{
		Client:   c,
		PageSize: opts.pageSize,
		BaseURL:  opts.baseURL,
		Owner:    opts.owner,
		Repo:     opts.repo,
		SiteKey:  opts.siteKey,
	})
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr)
	}

	it, err := b.Fetch(ctx, opts.category, w)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	stream := backend.Items(b, opts.category, it)
	count := 0
	for stream.Next(ctx) {
		if err := enc.Encode(stream.Item()); err != nil {
			return fmt.Errorf("writing item: %w", err)
		}
		count++
	}
	if err := stream.Err(); err != nil {
		return err
	}

	log.Info().
		Int("items", count).
		Str("origin", b.Origin()).
		Str("category", opts.category).
		Msg("Fetch complete")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("Metrics listener failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
