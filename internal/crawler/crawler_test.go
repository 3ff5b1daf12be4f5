package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drrcrawler/internal/config"
	"drrcrawler/internal/fetcher"
	"drrcrawler/internal/parser"
	"drrcrawler/internal/storage"
	"drrcrawler/pkg/types"
)

// testSite serves fixed pages. "{base}" in a page is replaced with the server URL
// and a page of the form "redirect:/path" answers with a 302.
type testSite struct {
	srv   *httptest.Server
	mu    sync.Mutex
	hits  map[string]int
	pages map[string]string
}

func newTestSite(t *testing.T, pages map[string]string) *testSite {
	t.Helper()
	s := &testSite{hits: make(map[string]int), pages: pages}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *testSite) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.pages[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if target, found := strings.CutPrefix(body, "redirect:"); found {
		http.Redirect(w, r, strings.ReplaceAll(target, "{base}", s.srv.URL), http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, strings.ReplaceAll(body, "{base}", s.srv.URL))
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *testSite) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.hits {
		n += v
	}
	return n
}

func (s *testSite) url(path string) string {
	return s.srv.URL + path
}

type memorySink struct {
	mu      sync.Mutex
	records []types.PageRecord
	fail    error
}

func (m *memorySink) Append(_ context.Context, records []types.PageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) urls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.URL)
	}
	return out
}

func (m *memorySink) byURL(u string) (types.PageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.URL == u {
			return r, true
		}
	}
	return types.PageRecord{}, false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(seeds ...string) config.Config {
	cfg := config.Default()
	for _, s := range seeds {
		cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, config.SeedConfig{URL: s})
	}
	cfg.Worker.Concurrency = 1
	cfg.Worker.QueueSize = 1
	cfg.Worker.MaxRetries = 0
	cfg.Storage.MaxRetries = 0
	cfg.Storage.RetryBackoff = config.DurationFrom(time.Millisecond)
	cfg.RunState.SnapshotEvery = 1
	return cfg
}

func mainRegistry(t *testing.T) *parser.Registry {
	t.Helper()
	r := parser.NewRegistry()
	require.NoError(t, r.Register("local", "127.0.0.1", parser.MustSelectorParser("main")))
	return r
}

func newTestEngine(t *testing.T, cfg config.Config, registry *parser.Registry, sink storage.Sink) *Engine {
	t.Helper()
	f, err := fetcher.NewHTTPFetcher(fetcher.Options{UserAgent: "drrcrawler-test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	pipeline := storage.NewPipeline(storage.RetryPolicy{MaxRetries: cfg.Storage.MaxRetries, Backoff: time.Millisecond}, quietLogger())
	if sink != nil {
		pipeline.Add("memory", sink)
	}
	e, err := NewEngine(cfg, Dependencies{
		Fetcher:  f,
		Registry: registry,
		Storage:  pipeline,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineWorkedExample(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/": `<html><body><main><p>Home</p>
			<a href="/foo">Foo</a><a href="{base}/foo/">Foo again</a><a href="https://b.example/">B</a>
			</main></body></html>`,
		"/foo": `<html><body><main><p>Foo page</p></main></body></html>`,
	})
	sink := &memorySink{}
	e := newTestEngine(t, testConfig(site.url("/")), mainRegistry(t), sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{site.url("/"), site.url("/foo")}, sink.urls())
	assert.Equal(t, 1, site.hitCount("/foo"))
	assert.EqualValues(t, 2, summary.Processed())
	assert.EqualValues(t, 2, summary.Records())

	home, ok := sink.byURL(site.url("/"))
	require.True(t, ok)
	assert.Equal(t, []string{"/foo", site.url("/foo"), "https://b.example"}, home.Links)
	assert.Equal(t, []string{"/foo", site.url("/foo"), "https://b.example"}, home.PageLinks)
	assert.Equal(t, "Home\nFoo\nFoo again\nB", home.PageText)
	assert.Equal(t, site.srv.URL, home.DomainURL)
	assert.Equal(t, time.Now().Format(types.DateLayout), home.DateOfAccess)
	assert.Equal(t, "local", home.Org)
}

func TestEngineVisitsCycleOnce(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":  `<main><a href="/a">a</a></main>`,
		"/a": `<main><a href="/b">b</a><a href="/">home</a></main>`,
		"/b": `<main><a href="/a">a</a><a href="{base}/b">self</a></main>`,
	})
	sink := &memorySink{}
	e := newTestEngine(t, testConfig(site.url("/")), mainRegistry(t), sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, site.hitCount("/"))
	assert.Equal(t, 1, site.hitCount("/a"))
	assert.Equal(t, 1, site.hitCount("/b"))
	assert.EqualValues(t, 3, summary.Processed())
	require.Len(t, summary.Seeds, 1)
	assert.Equal(t, types.StateDone, summary.Seeds[0].State)
}

func TestEngineTerminatesAfterReachableSetConcurrently(t *testing.T) {
	const n = 30
	pages := make(map[string]string, n+1)
	var all strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&all, `<a href="/p%d">p%d</a>`, i, i)
	}
	pages["/"] = "<main>" + all.String() + "</main>"
	for i := 0; i < n; i++ {
		pages[fmt.Sprintf("/p%d", i)] = "<main>" + all.String() + `<a href="/">home</a></main>`
	}
	site := newTestSite(t, pages)

	cfg := testConfig(site.url("/"))
	cfg.Worker.Concurrency = 8
	cfg.Worker.QueueSize = 8
	cfg.Storage.BatchSize = 5
	sink := &memorySink{}
	e := newTestEngine(t, cfg, mainRegistry(t), sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, n+1, summary.Processed())
	assert.Len(t, sink.urls(), n+1)
	assert.Equal(t, n+1, site.totalHits())
	for path := range pages {
		assert.Equal(t, 1, site.hitCount(path), path)
	}
}

func TestEngineCrossDomainIsolation(t *testing.T) {
	other := newTestSite(t, map[string]string{
		"/":      `<main><a href="/deep">deep</a></main>`,
		"/deep":  `<main>deep</main>`,
		"/other": `<main>other</main>`,
	})
	site := newTestSite(t, map[string]string{
		"/":     `<main><a href="` + other.url("/other") + `">elsewhere</a><a href="/away">away</a></main>`,
		"/away": "redirect:" + other.url("/"),
	})
	sink := &memorySink{}
	e := newTestEngine(t, testConfig(site.url("/")), nil, sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{site.url("/")}, sink.urls())
	assert.Equal(t, 0, other.hitCount("/other"))
	assert.Equal(t, 0, other.hitCount("/deep"))
	assert.EqualValues(t, 1, summary.Seeds[0].Skipped)
	for _, u := range sink.urls() {
		assert.True(t, strings.HasPrefix(u, site.srv.URL))
	}
}

func TestEngineUnmatchedParserPolicies(t *testing.T) {
	pages := map[string]string{
		"/":      `<html><body><h1>Seed</h1><a href="/child">child</a></body></html>`,
		"/child": `<html><body><p>Child</p></body></html>`,
	}

	t.Run("empty", func(t *testing.T) {
		site := newTestSite(t, pages)
		sink := &memorySink{}
		e := newTestEngine(t, testConfig(site.url("/")), parser.NewRegistry(), sink)
		_, err := e.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, sink.urls(), 2)
		rec, _ := sink.byURL(site.url("/"))
		assert.Empty(t, rec.PageText)
		assert.Empty(t, rec.PageLinks)
		assert.Empty(t, rec.Org)
		assert.Equal(t, []string{"/child"}, rec.Links)
	})

	t.Run("skip", func(t *testing.T) {
		site := newTestSite(t, pages)
		cfg := testConfig(site.url("/"))
		cfg.Parsers.Unmatched = config.UnmatchedSkip
		sink := &memorySink{}
		e := newTestEngine(t, cfg, parser.NewRegistry(), sink)
		summary, err := e.Run(context.Background())
		require.NoError(t, err)

		assert.Empty(t, sink.urls())
		assert.EqualValues(t, 1, summary.Processed())
		assert.Equal(t, 0, site.hitCount("/child"))
	})

	t.Run("generic", func(t *testing.T) {
		site := newTestSite(t, pages)
		cfg := testConfig(site.url("/"))
		cfg.Parsers.Unmatched = config.UnmatchedGeneric
		sink := &memorySink{}
		e := newTestEngine(t, cfg, parser.NewRegistry(), sink)
		_, err := e.Run(context.Background())
		require.NoError(t, err)

		rec, ok := sink.byURL(site.url("/"))
		require.True(t, ok)
		assert.Equal(t, "Seed\nchild", rec.PageText)
		assert.Equal(t, []string{"/child"}, rec.PageLinks)
		assert.Equal(t, "generic", rec.Org)
	})
}

func TestEngineToleratesParserPanics(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":      `<main><a href="/boom">boom</a></main>`,
		"/boom":  `<main><a href="/after">after</a></main>`,
		"/after": `<main>after</main>`,
	})
	registry := parser.NewRegistry()
	require.NoError(t, registry.Register("explosive", "/boom", func([]byte) (string, []string, error) {
		panic("bad selector state")
	}))
	require.NoError(t, registry.Register("local", "127.0.0.1", parser.MustSelectorParser("main")))

	t.Run("empty", func(t *testing.T) {
		sink := &memorySink{}
		e := newTestEngine(t, testConfig(site.url("/")), registry, sink)
		_, err := e.Run(context.Background())
		require.NoError(t, err)

		rec, ok := sink.byURL(site.url("/boom"))
		require.True(t, ok)
		assert.Empty(t, rec.PageText)
		assert.Equal(t, []string{"/after"}, rec.Links)
		_, ok = sink.byURL(site.url("/after"))
		assert.True(t, ok)
	})

	t.Run("skip", func(t *testing.T) {
		cfg := testConfig(site.url("/"))
		cfg.Parsers.OnError = config.OnErrorSkip
		sink := &memorySink{}
		e := newTestEngine(t, cfg, registry, sink)
		summary, err := e.Run(context.Background())
		require.NoError(t, err)

		_, ok := sink.byURL(site.url("/boom"))
		assert.False(t, ok)
		_, ok = sink.byURL(site.url("/after"))
		assert.True(t, ok, "links of a page whose parser failed are still followed")
		assert.EqualValues(t, 1, summary.Seeds[0].Skipped)
	})
}

func TestEngineCountsFetchFailures(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":   `<main><a href="/missing">gone</a><a href="/ok">ok</a></main>`,
		"/ok": `<main>fine</main>`,
	})
	sink := &memorySink{}
	e := newTestEngine(t, testConfig(site.url("/")), mainRegistry(t), sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Seeds[0].Failed)
	assert.ElementsMatch(t, []string{site.url("/"), site.url("/ok")}, sink.urls())
}

func TestEngineLimits(t *testing.T) {
	pages := map[string]string{}
	for i := 0; i < 10; i++ {
		pages[fmt.Sprintf("/p%d", i)] = fmt.Sprintf(`<main><a href="/p%d">next</a></main>`, i+1)
	}

	t.Run("max pages", func(t *testing.T) {
		site := newTestSite(t, pages)
		cfg := testConfig(site.url("/p0"))
		cfg.Crawl.MaxPages = 3
		e := newTestEngine(t, cfg, mainRegistry(t), &memorySink{})
		summary, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 3, summary.Processed())
		assert.Equal(t, 3, site.totalHits())
	})

	t.Run("max depth", func(t *testing.T) {
		site := newTestSite(t, pages)
		cfg := testConfig(site.url("/p0"))
		cfg.Crawl.MaxDepth = 2
		e := newTestEngine(t, cfg, mainRegistry(t), &memorySink{})
		summary, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 3, summary.Processed())
		assert.Equal(t, 0, site.hitCount("/p3"))
	})
}

func TestEngineDeadlineAbortsHungFetch(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL + "/")
	cfg.Crawl.MaxDuration = config.DurationFrom(200 * time.Millisecond)
	// No per-fetch timeout: only the run deadline can end the request.
	f, err := fetcher.NewHTTPFetcher(fetcher.Options{UserAgent: "drrcrawler-test"})
	require.NoError(t, err)
	e, err := NewEngine(cfg, Dependencies{Fetcher: f, Registry: mainRegistry(t), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	start := time.Now()
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, summary.Seeds, 1)
	seed := summary.Seeds[0]
	assert.Equal(t, types.StateDone, seed.State)
	assert.Equal(t, "deadline reached", seed.Message)
	assert.EqualValues(t, 1, seed.Failed)
	assert.EqualValues(t, 0, seed.Records)
}

func TestEngineSharesVisitedAcrossSeeds(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":  `<main><a href="/a">a</a></main>`,
		"/a": `<main>a</main>`,
	})
	sink := &memorySink{}
	e := newTestEngine(t, testConfig(site.url("/"), site.url("/a")), mainRegistry(t), sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Seeds, 2)
	assert.Equal(t, 1, site.hitCount("/a"))
	assert.Equal(t, types.StateDone, summary.Seeds[1].State)
	assert.Equal(t, "already visited", summary.Seeds[1].Message)
	assert.Zero(t, summary.Seeds[1].Processed)

	snaps, ok, err := e.RunState().Get(context.Background(), e.RunID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snaps, 2)
}

func TestEngineSkipsRedirectOntoVisitedPage(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":      `<main><a href="/a">a</a><a href="/alias">alias</a></main>`,
		"/a":     `<main>a</main>`,
		"/alias": "redirect:/a",
	})
	sink := &memorySink{}
	e := newTestEngine(t, testConfig(site.url("/")), mainRegistry(t), sink)

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	urls := sink.urls()
	sort.Strings(urls)
	assert.Equal(t, []string{site.url("/"), site.url("/a")}, urls)
}

func TestEngineKeywordFilter(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":     `<main><p>Welcome</p><a href="/news">news</a></main>`,
		"/news": `<main><p>Flood warning issued</p><a href="/old">old</a></main>`,
		"/old":  `<main><p>Drought and FLOOD archive</p></main>`,
	})
	cfg := testConfig(site.url("/"))
	cfg.Crawl.Keywords = config.KeywordConfig{Terms: []string{"flood", "drought"}, RequireMatch: true}
	sink := &memorySink{}
	e := newTestEngine(t, cfg, mainRegistry(t), sink)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{site.url("/news"), site.url("/old")}, sink.urls())
	rec, _ := sink.byURL(site.url("/old"))
	assert.Equal(t, []string{"flood", "drought"}, rec.KeywordsMatched)
	assert.EqualValues(t, 1, summary.Seeds[0].Skipped)
}

func TestEngineSurfacesPersistenceFailure(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":  `<main><a href="/a">a</a></main>`,
		"/a": `<main>a</main>`,
	})
	sink := &memorySink{fail: errors.New("disk full")}
	e := newTestEngine(t, testConfig(site.url("/")), mainRegistry(t), sink)

	_, err := e.Run(context.Background())
	require.Error(t, err)
	var pe *storage.PersistenceError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, site.hitCount("/a"), "dispatch stops once records cannot be saved")
}

func TestEngineCancelledContext(t *testing.T) {
	site := newTestSite(t, map[string]string{"/": `<main>x</main>`})
	e := newTestEngine(t, testConfig(site.url("/")), mainRegistry(t), &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, summary.Seeds, 1)
	assert.Equal(t, types.StateDone, summary.Seeds[0].State)
	assert.Equal(t, 0, site.totalHits())
}

func TestEngineRequiresSeeds(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil, nil)
	_, err := e.Run(context.Background())
	assert.Error(t, err)
}

func TestVisitScopesToSeedDomain(t *testing.T) {
	site := newTestSite(t, map[string]string{"/": `<main>x</main>`})
	f, err := fetcher.NewHTTPFetcher(fetcher.Options{})
	require.NoError(t, err)
	w := NewWorker(f, mainRegistry(t), config.Default().Parsers, config.KeywordConfig{}, quietLogger())

	u, _ := url.Parse(site.url("/"))
	out := w.Visit(context.Background(), types.FrontierEntry{URL: u, SeedDomain: "https://elsewhere.example", Depth: 1})
	assert.Equal(t, types.SkipDomainMismatch, out.Skip)
	assert.Nil(t, out.Record)

	out = w.Visit(context.Background(), types.FrontierEntry{URL: u, SeedDomain: "https://elsewhere.example", Depth: 0})
	require.NotNil(t, out.Record)
	assert.Equal(t, site.srv.URL, out.SeedDomain)
}

func TestBuildWritesJSONFile(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":  `<html><body><a href="/a">a</a></body></html>`,
		"/a": `<html><body>a</body></html>`,
	})
	cfg := testConfig(site.url("/"))
	cfg.Storage.JSON.Path = filepath.Join(t.TempDir(), "drr_scrape{date}.json")

	e, err := Build(context.Background(), cfg, quietLogger(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	records, err := storage.ReadJSONRecords(cfg.Storage.JSON.OutputPath(time.Now()))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, site.url("/"), records[0].URL)
	assert.Equal(t, []string{"/a"}, records[0].Links)
}

func TestWorkerPoolRunsQueuedJobsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := NewWorkerPool(ctx, 1, 4)
	require.NoError(t, err)

	var mu sync.Mutex
	ran := 0
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { <-block; mu.Lock(); ran++; mu.Unlock() }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { mu.Lock(); ran++; mu.Unlock() }))
	cancel()
	close(block)
	pool.Close()

	assert.Equal(t, 2, ran)
	assert.Error(t, pool.Submit(context.Background(), func(context.Context) {}))
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "verbose"}, io.Discard)
	assert.Error(t, err)
	l, err := NewLogger(config.LoggingConfig{Level: "debug", Structured: true}, io.Discard)
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
}
