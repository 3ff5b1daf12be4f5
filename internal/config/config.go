package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Unmatched-URL policies for the parser registry.
const (
	UnmatchedSkip    = "skip"
	UnmatchedEmpty   = "empty"
	UnmatchedGeneric = "generic"
)

// Parse-error policies.
const (
	OnErrorEmpty = "empty"
	OnErrorSkip  = "skip"
)

// Config captures the full configuration required to run the crawler and its loaders.
type Config struct {
	Worker   WorkerConfig   `yaml:"worker"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Parsers  ParsersConfig  `yaml:"parsers"`
	Storage  StorageConfig  `yaml:"storage"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	RunState RunStateConfig `yaml:"runstate"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// WorkerConfig controls concurrency and fetch retry behaviour.
type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	QueueSize    int      `yaml:"queue_size"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// CrawlConfig controls seeds, safety limits and the HTTP client.
type CrawlConfig struct {
	Seeds          []SeedConfig      `yaml:"seeds"`
	MaxDepth       int               `yaml:"max_depth"`
	MaxPages       int               `yaml:"max_pages"`
	MaxDuration    Duration          `yaml:"max_duration"`
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURL       string            `yaml:"proxy_url"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	Keywords       KeywordConfig     `yaml:"keywords"`
}

// SeedConfig declares a starting URL that anchors a domain-scoped sub-crawl.
type SeedConfig struct {
	URL   string `yaml:"url"`
	Label string `yaml:"label"`
}

// KeywordConfig enables keyword matching on extracted page text.
type KeywordConfig struct {
	Terms        []string `yaml:"terms"`
	RequireMatch bool     `yaml:"require_match"`
}

// ParsersConfig selects registry policies and declares extra selector parsers.
type ParsersConfig struct {
	Unmatched string             `yaml:"unmatched"`
	OnError   string             `yaml:"on_error"`
	Builtin   bool               `yaml:"builtin"`
	Sites     []SiteParserConfig `yaml:"sites"`
}

// SiteParserConfig registers a selector-driven parser for URLs containing Match.
type SiteParserConfig struct {
	Name     string `yaml:"name"`
	Match    string `yaml:"match"`
	Selector string `yaml:"selector"`
}

// StorageConfig controls record persistence.
type StorageConfig struct {
	BatchSize    int        `yaml:"batch_size"`
	MaxRetries   int        `yaml:"max_retries"`
	RetryBackoff Duration   `yaml:"retry_backoff"`
	JSON         JSONConfig `yaml:"json"`
	SQL          SQLConfig  `yaml:"sql"`
}

// JSONConfig describes the JSON array output file. {date} in Path expands to the run date.
type JSONConfig struct {
	Path string `yaml:"path"`
}

// SQLConfig describes a relational database connection used for persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// IndexerConfig describes the Elasticsearch target used by the index command.
type IndexerConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Index     string   `yaml:"index"`
	DocType   string   `yaml:"doc_type"`
	Verify    bool     `yaml:"verify"`
	Exclude   []string `yaml:"exclude"`
	Timeout   Duration `yaml:"timeout"`
}

// RunStateConfig controls where crawl progress snapshots are kept.
type RunStateConfig struct {
	SnapshotEvery int         `yaml:"snapshot_every"`
	Redis         RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis snapshot backend. Empty Addr selects the in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// APIConfig controls the status HTTP server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
// Crawl limits default to zero, which means unbounded.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Concurrency:  8,
			QueueSize:    64,
			MaxRetries:   2,
			RetryBackoff: DurationFrom(500 * time.Millisecond),
		},
		Crawl: CrawlConfig{
			UserAgent:    "drrcrawler/1.0",
			Headers:      map[string]string{},
			MaxBodyBytes: 6 * 1024 * 1024,
		},
		Parsers: ParsersConfig{
			Unmatched: UnmatchedEmpty,
			OnError:   OnErrorEmpty,
			Builtin:   true,
		},
		Storage: StorageConfig{
			BatchSize:    1,
			MaxRetries:   3,
			RetryBackoff: DurationFrom(200 * time.Millisecond),
			JSON: JSONConfig{
				Path: "data/drr_scrape{date}.json",
			},
			SQL: SQLConfig{
				Driver:      "postgres",
				AutoMigrate: true,
			},
		},
		Indexer: IndexerConfig{
			Addresses: []string{"http://localhost:9200"},
			Index:     "drr",
			DocType:   "webpage",
			Verify:    true,
			Timeout:   DurationFrom(30 * time.Second),
		},
		RunState: RunStateConfig{
			SnapshotEvery: 25,
			Redis: RedisConfig{
				Key: "drrcrawler:runs",
			},
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// Read decodes a YAML file over the defaults and normalises it without
// validating, so callers can apply overrides first. An empty path yields the defaults.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.Normalise()
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if len(c.Crawl.Seeds) == 0 {
		return errors.New("at least one crawl seed must be configured")
	}
	for i, seed := range c.Crawl.Seeds {
		if seed.URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
		parsed, err := url.Parse(seed.URL)
		if err != nil {
			return fmt.Errorf("seed %q: %w", seed.URL, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("seed %q missing host", seed.URL)
		}
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxDuration.Duration < 0 {
		return fmt.Errorf("crawl.max_duration must be >= 0 (got %s)", c.Crawl.MaxDuration)
	}
	if c.Crawl.RequestTimeout.Duration < 0 {
		return fmt.Errorf("crawl.request_timeout must be >= 0 (got %s)", c.Crawl.RequestTimeout)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize < c.Worker.Concurrency {
		return fmt.Errorf("worker.queue_size must be >= worker.concurrency (got %d < %d)", c.Worker.QueueSize, c.Worker.Concurrency)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0 (got %d)", c.Worker.MaxRetries)
	}
	switch c.Parsers.Unmatched {
	case UnmatchedSkip, UnmatchedEmpty, UnmatchedGeneric:
	default:
		return fmt.Errorf("parsers.unmatched must be one of skip, empty, generic (got %q)", c.Parsers.Unmatched)
	}
	switch c.Parsers.OnError {
	case OnErrorEmpty, OnErrorSkip:
	default:
		return fmt.Errorf("parsers.on_error must be one of empty, skip (got %q)", c.Parsers.OnError)
	}
	for i, site := range c.Parsers.Sites {
		if site.Name == "" || site.Match == "" || site.Selector == "" {
			return fmt.Errorf("parsers.sites[%d] requires name, match and selector", i)
		}
	}
	if c.Storage.BatchSize <= 0 {
		return fmt.Errorf("storage.batch_size must be > 0 (got %d)", c.Storage.BatchSize)
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries must be >= 0 (got %d)", c.Storage.MaxRetries)
	}
	if c.Storage.JSON.Path == "" && c.Storage.SQL.DSN == "" {
		return errors.New("storage requires json.path or sql.dsn")
	}
	if c.RunState.SnapshotEvery < 0 {
		return fmt.Errorf("runstate.snapshot_every must be >= 0 (got %d)", c.RunState.SnapshotEvery)
	}
	return nil
}

// Normalise trims free-form values and applies lower-casing where matching is case-insensitive.
func (c *Config) Normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i].URL = strings.TrimSpace(c.Crawl.Seeds[i].URL)
		c.Crawl.Seeds[i].Label = strings.TrimSpace(c.Crawl.Seeds[i].Label)
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = make(map[string]string)
	}
	c.Crawl.Keywords.Terms = lowerKeepOrder(c.Crawl.Keywords.Terms)

	c.Parsers.Unmatched = strings.ToLower(strings.TrimSpace(c.Parsers.Unmatched))
	c.Parsers.OnError = strings.ToLower(strings.TrimSpace(c.Parsers.OnError))
	for i := range c.Parsers.Sites {
		c.Parsers.Sites[i].Name = strings.TrimSpace(c.Parsers.Sites[i].Name)
		c.Parsers.Sites[i].Match = strings.TrimSpace(c.Parsers.Sites[i].Match)
		c.Parsers.Sites[i].Selector = strings.TrimSpace(c.Parsers.Sites[i].Selector)
	}

	c.Storage.JSON.Path = strings.TrimSpace(c.Storage.JSON.Path)
	c.Storage.SQL.DSN = strings.TrimSpace(c.Storage.SQL.DSN)
	c.RunState.Redis.Addr = strings.TrimSpace(c.RunState.Redis.Addr)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if len(c.Indexer.Exclude) > 0 {
		c.Indexer.Exclude = dedupe(c.Indexer.Exclude)
	}
}

// lowerKeepOrder lower-cases and de-duplicates values while keeping their configured order,
// which is the order keywords are reported in.
func lowerKeepOrder(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

func dedupe(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// OutputPath expands the {date} placeholder of the JSON output path.
func (j JSONConfig) OutputPath(now time.Time) string {
	return strings.ReplaceAll(j.Path, "{date}", now.Format("2006-01-02"))
}
