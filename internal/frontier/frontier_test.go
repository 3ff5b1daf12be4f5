package frontier_test

import (
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drrcrawler/internal/frontier"
	"drrcrawler/pkg/types"
)

func entry(t *testing.T, raw string) types.FrontierEntry {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return types.FrontierEntry{URL: u, SeedDomain: "https://a.example"}
}

func TestPushDedupesAndKeepsOrder(t *testing.T) {
	f := frontier.New()

	assert.True(t, f.Push(entry(t, "https://a.example/one")))
	assert.True(t, f.Push(entry(t, "https://a.example/two")))
	assert.False(t, f.Push(entry(t, "https://A.example:443/one")))
	assert.Equal(t, 2, f.Len())

	first, ok := f.Pop()
	require.True(t, ok)
	assert.Equal(t, "https://a.example/one", first.URL.String())
	assert.False(t, first.EnqueuedAt.IsZero())

	second, ok := f.Pop()
	require.True(t, ok)
	assert.Equal(t, "https://a.example/two", second.URL.String())

	_, ok = f.Pop()
	assert.False(t, ok)

	// Consumed entries stay visited.
	assert.False(t, f.Push(entry(t, "https://a.example/one")))
}

func TestMarkVisitedBlocksLaterPush(t *testing.T) {
	f := frontier.New()
	u, _ := url.Parse("https://a.example/landing")

	assert.True(t, f.MarkVisited(u))
	assert.False(t, f.MarkVisited(u))
	assert.True(t, f.Visited(u))
	assert.False(t, f.Push(entry(t, "https://a.example/landing")))
	assert.Zero(t, f.Len())
}

func TestDrainKeepsVisited(t *testing.T) {
	f := frontier.New()
	f.Push(entry(t, "https://a.example/1"))
	f.Push(entry(t, "https://a.example/2"))

	assert.Equal(t, 2, f.Drain())
	assert.Zero(t, f.Len())
	assert.Equal(t, 2, f.VisitedCount())
	assert.False(t, f.Push(entry(t, "https://a.example/2")))
}

func TestConcurrentPushQueuesOnce(t *testing.T) {
	f := frontier.New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if f.Push(entry(t, fmt.Sprintf("https://a.example/p%d", j))) {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, added)
	assert.Equal(t, 20, f.Len())
}

func TestPopCompactsLongQueues(t *testing.T) {
	f := frontier.New()
	for i := 0; i < 3000; i++ {
		require.True(t, f.Push(entry(t, fmt.Sprintf("https://a.example/%d", i))))
	}
	for i := 0; i < 3000; i++ {
		e, ok := f.Pop()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("https://a.example/%d", i), e.URL.String())
	}
	assert.Zero(t, f.Len())
}

func TestKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://a.example", "https://a.example/"},
		{"https://a.example/", "https://a.example/"},
		{"HTTPS://A.EXAMPLE:443/x?q=1#frag", "https://a.example/x?q=1"},
		{"http://a.example:8080/x", "http://a.example:8080/x"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, frontier.Key(u))
		})
	}
}
