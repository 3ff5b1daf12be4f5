package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"drrcrawler/internal/config"
	"drrcrawler/internal/fetcher"
	"drrcrawler/internal/frontier"
	"drrcrawler/internal/links"
	"drrcrawler/internal/parser"
	"drrcrawler/internal/runstate"
	"drrcrawler/internal/storage"
	"drrcrawler/pkg/types"
)

// Dependencies are the collaborators of an Engine. Build fills them from configuration.
type Dependencies struct {
	Fetcher  fetcher.Fetcher
	Registry *parser.Registry
	Storage  *storage.Pipeline
	RunState runstate.Store
	Logger   *slog.Logger
	// Closers run when the engine is closed.
	Closers []func() error
}

// Engine crawls every configured seed in order, one sub-crawl at a time, sharing
// a single visited set across seeds.
type Engine struct {
	cfg      config.Config
	worker   *Worker
	storage  *storage.Pipeline
	runs     runstate.Store
	logger   *slog.Logger
	frontier *frontier.Frontier

	runID      string
	dispatched int
	deadline   time.Time

	closers   []func() error
	closeOnce sync.Once
}

// Summary reports the final snapshot of every seed of a run.
type Summary struct {
	RunID string
	Seeds []runstate.Snapshot
}

// Records returns the number of records produced across all seeds.
func (s Summary) Records() int64 {
	var n int64
	for _, seed := range s.Seeds {
		n += seed.Records
	}
	return n
}

// Processed returns the number of pages visited across all seeds.
func (s Summary) Processed() int64 {
	var n int64
	for _, seed := range s.Seeds {
		n += seed.Processed
	}
	return n
}

// Build wires an Engine from configuration: HTTP fetcher, parser registry,
// storage sinks and run-state store. A nil runs store is opened from
// cfg.RunState and closed with the engine; a given one is shared and left open.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, runs runstate.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Logging, nil); err != nil {
			return nil, err
		}
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
		MaxRetries:   cfg.Worker.MaxRetries,
		RetryBackoff: cfg.Worker.RetryBackoff.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	registry, err := parser.FromConfig(cfg.Parsers)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	pipeline := storage.NewPipeline(storage.RetryPolicy{
		MaxRetries: cfg.Storage.MaxRetries,
		Backoff:    cfg.Storage.RetryBackoff.Duration,
	}, logger)
	if cfg.Storage.JSON.Path != "" {
		sink, err := storage.NewJSONFileSink(cfg.Storage.JSON.OutputPath(time.Now()))
		if err != nil {
			return nil, err
		}
		pipeline.Add("json", sink)
		logger.Info("writing records", "path", sink.Path())
	}
	if cfg.Storage.SQL.DSN != "" {
		sink, err := storage.NewSQLSink(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, err
		}
		pipeline.Add("sql", sink)
	}
	closers = append(closers, pipeline.Close)

	if runs == nil {
		runs, err = runstate.Open(ctx, cfg.RunState.Redis)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("run state: %w", err)
		}
		closers = append(closers, runs.Close)
	}

	return NewEngine(cfg, Dependencies{
		Fetcher:  httpFetcher,
		Registry: registry,
		Storage:  pipeline,
		RunState: runs,
		Logger:   logger,
		Closers:  closers,
	})
}

// NewEngine builds an engine from explicit dependencies. Storage and RunState
// may be nil.
func NewEngine(cfg config.Config, deps Dependencies) (*Engine, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("engine requires a fetcher")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runs := deps.RunState
	if runs == nil {
		runs = runstate.NewMemoryStore()
	}
	return &Engine{
		cfg:      cfg,
		worker:   NewWorker(deps.Fetcher, deps.Registry, cfg.Parsers, cfg.Crawl.Keywords, logger),
		storage:  deps.Storage,
		runs:     runs,
		logger:   logger,
		frontier: frontier.New(),
		runID:    uuid.NewString(),
		closers:  deps.Closers,
	}, nil
}

// RunID identifies this engine's run in the run-state store.
func (e *Engine) RunID() string {
	return e.runID
}

// RunState returns the store snapshots are published to.
func (e *Engine) RunState() runstate.Store {
	return e.runs
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

// Run crawls the seeds in configured order. It returns ctx.Err() after a
// cancellation and a *storage.PersistenceError when records cannot be saved.
// Reaching crawl.max_duration aborts in-flight fetches and ends the run without error.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: e.runID}
	if len(e.cfg.Crawl.Seeds) == 0 {
		return summary, errors.New("at least one crawl seed must be configured")
	}

	runCtx := ctx
	if d := e.cfg.Crawl.MaxDuration.Duration; d > 0 {
		e.deadline = time.Now().Add(d)
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, e.deadline)
		defer cancel()
	}

	concurrency := max(e.cfg.Worker.Concurrency, 1)
	pool, err := NewWorkerPool(runCtx, concurrency, max(e.cfg.Worker.QueueSize, concurrency))
	if err != nil {
		return summary, err
	}
	defer pool.Close()

	e.logger.Info("crawl started", "run_id", e.runID, "seeds", len(e.cfg.Crawl.Seeds), "concurrency", concurrency)
	for _, seed := range e.cfg.Crawl.Seeds {
		snap, err := e.crawlSeed(runCtx, pool, seed)
		summary.Seeds = append(summary.Seeds, snap)
		if err != nil {
			return summary, err
		}
	}
	e.logger.Info("crawl finished", "run_id", e.runID, "processed", summary.Processed(), "records", summary.Records())
	return summary, nil
}

func (e *Engine) crawlSeed(ctx context.Context, pool *WorkerPool, seed config.SeedConfig) (runstate.Snapshot, error) {
	seedURL, err := url.Parse(seed.URL)
	if err != nil {
		return runstate.Snapshot{RunID: e.runID, Seed: seed.URL}, fmt.Errorf("parse seed %q: %w", seed.URL, err)
	}
	snap := runstate.Snapshot{
		RunID:     e.runID,
		Seed:      seedURL.String(),
		State:     types.StatePending,
		StartedAt: time.Now(),
	}
	log := e.logger.With("run_id", e.runID, "seed", snap.Seed)
	e.publish(ctx, &snap)

	if !e.frontier.Push(types.FrontierEntry{URL: seedURL, SeedDomain: links.DomainURL(seedURL)}) {
		log.Info("seed already visited by an earlier seed")
		snap.Message = "already visited"
		snap.State = types.StateDone
		e.publish(ctx, &snap)
		return snap, nil
	}
	snap.State = types.StateActive
	e.publish(ctx, &snap)
	log.Info("seed started")

	concurrency := pool.Concurrency()
	results := make(chan Outcome, concurrency)
	batchSize := max(e.cfg.Storage.BatchSize, 1)
	batch := make([]types.PageRecord, 0, batchSize)
	var (
		inflight   int
		stopped    bool
		stopNote   string
		persistErr error
	)
	flushCtx := context.WithoutCancel(ctx)

	for {
		for !stopped && inflight < concurrency {
			if reason := e.stopReason(ctx); reason != "" {
				log.Info("stopping dispatch", "reason", reason)
				stopped, stopNote = true, reason
				break
			}
			entry, ok := e.frontier.Pop()
			if !ok {
				break
			}
			if err := pool.Submit(ctx, func(workerCtx context.Context) {
				results <- e.worker.Visit(workerCtx, entry)
			}); err != nil {
				stopped, stopNote = true, e.stopReason(ctx)
				break
			}
			inflight++
			e.dispatched++
		}

		if inflight == 0 {
			if stopped {
				if dropped := e.frontier.Drain(); dropped > 0 {
					log.Info("dropped pending urls", "count", dropped)
				}
			}
			if e.frontier.Len() == 0 {
				break
			}
			continue
		}

		out := <-results
		inflight--
		e.handleOutcome(out, &snap, &batch, log)
		snap.Pending = int64(e.frontier.Len())
		snap.InFlight = int64(inflight)

		if len(batch) >= batchSize && persistErr == nil {
			if err := e.flush(flushCtx, &batch); err != nil {
				persistErr = err
				stopped = true
			}
		}
		if every := e.cfg.RunState.SnapshotEvery; every > 0 && snap.Processed%int64(every) == 0 {
			e.publish(ctx, &snap)
		}
	}

	if persistErr == nil {
		persistErr = e.flush(flushCtx, &batch)
	}

	snap.Pending = 0
	snap.InFlight = 0
	snap.State = types.StateDrained
	e.publish(flushCtx, &snap)

	switch {
	case persistErr != nil:
		snap.Message = persistErr.Error()
	case e.interrupted(ctx) != nil:
		snap.Message = "cancelled"
	default:
		snap.Message = stopNote
	}
	snap.State = types.StateDone
	e.publish(flushCtx, &snap)
	log.Info("seed finished",
		"processed", snap.Processed,
		"records", snap.Records,
		"skipped", snap.Skipped,
		"failed", snap.Failed,
	)

	if persistErr != nil {
		return snap, persistErr
	}
	return snap, e.interrupted(ctx)
}

// stopReason reports why no further entries may be dispatched, or "".
func (e *Engine) stopReason(ctx context.Context) string {
	if e.deadlineReached() {
		return "deadline reached"
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	if limit := e.cfg.Crawl.MaxPages; limit > 0 && e.dispatched >= limit {
		return "page budget exhausted"
	}
	return ""
}

func (e *Engine) deadlineReached() bool {
	return !e.deadline.IsZero() && !time.Now().Before(e.deadline)
}

// interrupted returns ctx's error unless it only reflects the run's own deadline.
func (e *Engine) interrupted(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) && e.deadlineReached() {
		return nil
	}
	return err
}

func (e *Engine) handleOutcome(out Outcome, snap *runstate.Snapshot, batch *[]types.PageRecord, log *slog.Logger) {
	snap.Processed++
	snap.LastURL = out.Entry.URL.String()

	if out.Err != nil {
		snap.Failed++
		log.Warn("fetch failed", "url", out.Entry.URL.String(), "error", out.Err)
		return
	}

	// A redirect onto a page that is already known must not be recorded twice.
	if out.FinalURL != nil && frontier.Key(out.FinalURL) != frontier.Key(out.Entry.URL) {
		if !e.frontier.MarkVisited(out.FinalURL) {
			snap.Skipped++
			log.Debug("page skipped", "url", out.Entry.URL.String(), "final_url", out.FinalURL.String(), "reason", string(types.SkipDuplicate))
			return
		}
	}

	childDepth := out.Entry.Depth + 1
	if limit := e.cfg.Crawl.MaxDepth; limit == 0 || childDepth <= limit {
		for _, link := range out.Internal {
			u, err := url.Parse(link)
			if err != nil {
				continue
			}
			e.frontier.Push(types.FrontierEntry{URL: u, SeedDomain: out.SeedDomain, Depth: childDepth})
		}
	}

	if out.Skip != types.SkipNone {
		snap.Skipped++
		log.Debug("page skipped", "url", out.Entry.URL.String(), "reason", string(out.Skip))
		return
	}
	if out.Record != nil {
		snap.Records++
		*batch = append(*batch, *out.Record)
	}
}

func (e *Engine) flush(ctx context.Context, batch *[]types.PageRecord) error {
	if len(*batch) == 0 || e.storage == nil {
		*batch = (*batch)[:0]
		return nil
	}
	err := e.storage.Persist(ctx, *batch)
	*batch = (*batch)[:0]
	if err != nil {
		e.logger.Error("persist failed", "run_id", e.runID, "error", err)
		return err
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, snap *runstate.Snapshot) {
	snap.UpdatedAt = time.Now()
	if err := e.runs.Save(context.WithoutCancel(ctx), *snap); err != nil {
		e.logger.Warn("save run snapshot failed", "run_id", snap.RunID, "seed", snap.Seed, "error", err)
	}
}
