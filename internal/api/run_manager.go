package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"drrcrawler/internal/config"
	"drrcrawler/internal/crawler"
)

var (
	// ErrRunActive is returned when a crawl is started while another is running.
	ErrRunActive = errors.New("a crawl run is already active")
	// ErrRunNotFound is returned when cancelling a run that is not active.
	ErrRunNotFound = errors.New("run not active")
)

// Runner is a crawl that can be started once.
type Runner interface {
	RunID() string
	Run(ctx context.Context) (crawler.Summary, error)
	Close() error
}

// RunnerFactory builds a runner for a configuration.
type RunnerFactory func(ctx context.Context, cfg config.Config) (Runner, error)

// StartRunRequest is the payload of POST /api/runs. Empty fields keep the
// server configuration.
type StartRunRequest struct {
	Seeds    []string `json:"seeds,omitempty"`
	MaxPages *int     `json:"max_pages,omitempty"`
	MaxDepth *int     `json:"max_depth,omitempty"`
}

// RunManager starts crawls in the background, one at a time.
type RunManager struct {
	mu      sync.Mutex
	base    config.Config
	rootCtx context.Context
	factory RunnerFactory
	logger  *slog.Logger

	activeID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRunManager constructs a manager that derives run configs from base.
func NewRunManager(rootCtx context.Context, base config.Config, factory RunnerFactory, logger *slog.Logger) *RunManager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{base: base, rootCtx: rootCtx, factory: factory, logger: logger}
}

// Start validates the request and launches a run, returning its id.
func (m *RunManager) Start(req StartRunRequest) (string, error) {
	cfg, err := m.buildConfig(req)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID != "" {
		return "", ErrRunActive
	}

	runner, err := m.factory(m.rootCtx, cfg)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(m.rootCtx)
	id := runner.RunID()
	done := make(chan struct{})
	m.activeID, m.cancel, m.done = id, cancel, done

	go func() {
		defer close(done)
		defer cancel()
		started := time.Now()
		summary, err := runner.Run(runCtx)
		if cerr := runner.Close(); cerr != nil {
			m.logger.Warn("close run failed", "run_id", id, "error", cerr)
		}
		if err != nil {
			m.logger.Error("run finished with error", "run_id", id, "error", err)
		} else {
			m.logger.Info("run finished", "run_id", id, "records", summary.Records(), "elapsed", time.Since(started))
		}
		m.mu.Lock()
		if m.activeID == id {
			m.activeID, m.cancel, m.done = "", nil, nil
		}
		m.mu.Unlock()
	}()
	return id, nil
}

// Active returns the id of the running crawl, if any.
func (m *RunManager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID, m.activeID != ""
}

// Cancel requests cancellation of the active run with the given id.
func (m *RunManager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" || m.activeID != id {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	m.cancel()
	return nil
}

// Shutdown cancels the active run and waits for it to flush.
func (m *RunManager) Shutdown() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *RunManager) buildConfig(req StartRunRequest) (config.Config, error) {
	cfg := m.base
	if len(req.Seeds) > 0 {
		cfg.Crawl.Seeds = make([]config.SeedConfig, 0, len(req.Seeds))
		for _, s := range req.Seeds {
			cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, config.SeedConfig{URL: s})
		}
	}
	if req.MaxPages != nil {
		cfg.Crawl.MaxPages = *req.MaxPages
	}
	if req.MaxDepth != nil {
		cfg.Crawl.MaxDepth = *req.MaxDepth
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
