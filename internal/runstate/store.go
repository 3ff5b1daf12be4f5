// Package runstate keeps progress snapshots of crawl runs.
package runstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"drrcrawler/pkg/types"
)

// Snapshot captures the progress of one seed within a run.
type Snapshot struct {
	RunID     string           `json:"run_id"`
	Seed      string           `json:"seed"`
	State     types.CrawlState `json:"state"`
	Processed int64            `json:"processed"`
	Records   int64            `json:"records"`
	Skipped   int64            `json:"skipped"`
	Failed    int64            `json:"failed"`
	Pending   int64            `json:"pending"`
	InFlight  int64            `json:"in_flight"`
	LastURL   string           `json:"last_url,omitempty"`
	Message   string           `json:"message,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Key identifies a snapshot within a store.
func (s Snapshot) Key() string {
	return s.RunID + "|" + s.Seed
}

// Store persists snapshots so run progress can be inspected from elsewhere.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	// Get returns every seed snapshot of a run in seed start order.
	Get(ctx context.Context, runID string) ([]Snapshot, bool, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// MemoryStore keeps snapshots in process.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	m.snaps[snap.Key()] = snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, runID string) ([]Snapshot, bool, error) {
	all, _ := m.List(ctx)
	return filterRun(all, runID)
}

func (m *MemoryStore) List(context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sortSnapshots(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func filterRun(all []Snapshot, runID string) ([]Snapshot, bool, error) {
	var out []Snapshot
	for _, s := range all {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	return out, len(out) > 0, nil
}

func sortSnapshots(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].StartedAt.Before(snaps[j].StartedAt)
		}
		return snaps[i].Key() < snaps[j].Key()
	})
}
