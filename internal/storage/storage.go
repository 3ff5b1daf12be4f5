package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"drrcrawler/pkg/types"
)

// Sink is an append-capable durable destination for page records.
type Sink interface {
	Append(ctx context.Context, records []types.PageRecord) error
	Close() error
}

// PersistenceError reports a batch that could not be written after all retries.
type PersistenceError struct {
	Sink    string
	Records int
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d records to %s: %v", e.Records, e.Sink, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RetryPolicy bounds how often a failed append is retried.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

type namedSink struct {
	name string
	sink Sink
}

// Pipeline fans record batches out to every configured sink.
type Pipeline struct {
	sinks  []namedSink
	retry  RetryPolicy
	logger *slog.Logger
}

// NewPipeline constructs a storage pipeline. Sinks are added with Add.
func NewPipeline(retry RetryPolicy, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.Backoff <= 0 {
		retry.Backoff = 200 * time.Millisecond
	}
	return &Pipeline{retry: retry, logger: logger}
}

// Add registers a sink under a name used in logs and errors.
func (p *Pipeline) Add(name string, sink Sink) {
	if sink == nil {
		return
	}
	p.sinks = append(p.sinks, namedSink{name: name, sink: sink})
}

// Len returns the number of sinks.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.sinks)
}

// Persist appends records to every sink, retrying each with exponential backoff.
// A sink that still fails yields a *PersistenceError.
func (p *Pipeline) Persist(ctx context.Context, records []types.PageRecord) error {
	if p == nil || len(records) == 0 {
		return nil
	}
	var errs []error
	for _, ns := range p.sinks {
		attempt := 0
		op := func() error {
			attempt++
			err := ns.sink.Append(ctx, records)
			if err != nil {
				p.logger.Warn("sink append failed", "sink", ns.name, "attempt", attempt, "records", len(records), "error", err)
			}
			return err
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = p.retry.Backoff
		policy.MaxElapsedTime = 0
		b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(p.retry.MaxRetries, 0))), ctx)
		if err := backoff.Retry(op, b); err != nil {
			errs = append(errs, &PersistenceError{Sink: ns.name, Records: len(records), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Close releases every sink.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, ns := range p.sinks {
		if err := ns.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ns.name, err))
		}
	}
	return errors.Join(errs...)
}
