package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trackunblock/work/backend"
	"trackunblock/work/cache"
	"trackunblock/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canary = types.MatchRequest{TrackID: 186016, Title: "晴天", Artist: "周杰伦", Quality: "320"}

type fakeBackend struct {
	id, name string
	fn       func(ctx context.Context) (types.MatchResult, error)
}

func (f *fakeBackend) ID() string                        { return f.id }
func (f *fakeBackend) Name() string                      { return f.name }
func (f *fakeBackend) Kind() types.SourceKind            { return types.KindHTTP }
func (f *fakeBackend) Describe() []string                { return nil }
func (f *fakeBackend) Preview(types.MatchRequest) string { return "" }
func (f *fakeBackend) Match(ctx context.Context, _ types.MatchRequest) (types.MatchResult, error) {
	return f.fn(ctx)
}

type fakeChain struct {
	mu       sync.Mutex
	sources  []types.SourceConfig
	backends map[string]*fakeBackend
	calls    []string
}

func newChain() *fakeChain {
	return &fakeChain{backends: map[string]*fakeBackend{}}
}

func (c *fakeChain) add(name string, enabled bool, fn func(ctx context.Context) (types.MatchResult, error)) {
	c.sources = append(c.sources, types.SourceConfig{ID: "id-" + name, Name: name, Kind: types.KindHTTP, Enabled: enabled})
	c.backends["id-"+name] = &fakeBackend{id: "id-" + name, name: name, fn: fn}
}

func (c *fakeChain) List() []types.SourceConfig {
	var out []types.SourceConfig
	for _, s := range c.sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeChain) Get(cfg types.SourceConfig) (backend.Backend, error) {
	c.mu.Lock()
	c.calls = append(c.calls, cfg.Name)
	c.mu.Unlock()
	b, ok := c.backends[cfg.ID]
	if !ok {
		return nil, &backend.ParseError{Source: cfg.Name, Reason: "unknown"}
	}
	return b, nil
}

func (c *fakeChain) invoked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func ok(url string) func(context.Context) (types.MatchResult, error) {
	return func(context.Context) (types.MatchResult, error) {
		return types.MatchResult{URL: url, Platform: "test"}, nil
	}
}

func empty(context.Context) (types.MatchResult, error) { return types.MatchResult{}, nil }

func fail(msg string) func(context.Context) (types.MatchResult, error) {
	return func(context.Context) (types.MatchResult, error) {
		return types.MatchResult{}, &backend.MatchError{Backend: "x", Message: msg}
	}
}

func hang(ctx context.Context) (types.MatchResult, error) {
	<-ctx.Done()
	return types.MatchResult{}, &backend.TimeoutError{Backend: "slow", After: time.Second}
}

func TestResolveShortCircuitsOnFirstSuccess(t *testing.T) {
	chain := newChain()
	chain.add("a", true, fail("boom"))
	chain.add("b", true, empty)
	chain.add("c", true, ok("https://cdn.test/c.mp3"))
	chain.add("d", true, ok("https://cdn.test/d.mp3"))

	r := New(chain, chain, time.Second, nil)
	res, err := r.Resolve(context.Background(), canary)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/c.mp3", res.URL)
	assert.Equal(t, "c", res.Source)
	assert.Equal(t, []string{"a", "b", "c"}, chain.invoked())
}

func TestResolveSkipsDisabled(t *testing.T) {
	chain := newChain()
	chain.add("off", false, ok("https://cdn.test/off.mp3"))
	chain.add("on", true, ok("https://cdn.test/on.mp3"))

	r := New(chain, chain, time.Second, nil)
	res, err := r.Resolve(context.Background(), canary)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/on.mp3", res.URL)
	assert.Equal(t, []string{"on"}, chain.invoked())
}

func TestResolveExhausted(t *testing.T) {
	chain := newChain()
	chain.add("a", true, fail("blocked"))
	chain.add("b", true, empty)
	chain.add("slow", true, hang)

	r := New(chain, chain, 30*time.Millisecond, nil)
	_, err := r.Resolve(context.Background(), canary)

	var failed *backend.ResolutionFailed
	require.ErrorAs(t, err, &failed)
	assert.Nil(t, failed.Cause)
	require.Len(t, failed.Attempts, 3)
	assert.Equal(t, backend.OutcomeError, failed.Attempts[0].Outcome)
	assert.Equal(t, backend.OutcomeEmpty, failed.Attempts[1].Outcome)
	assert.Equal(t, backend.OutcomeTimeout, failed.Attempts[2].Outcome)
	assert.Contains(t, err.Error(), "exhausted all backends")
}

func TestResolveNoBackends(t *testing.T) {
	r := New(newChain(), newChain(), time.Second, nil)
	_, err := r.Resolve(context.Background(), canary)
	var failed *backend.ResolutionFailed
	require.ErrorAs(t, err, &failed)
	assert.Empty(t, failed.Attempts)
}

func TestResolveSurvivesPanickingBackend(t *testing.T) {
	chain := newChain()
	chain.add("bad", true, func(context.Context) (types.MatchResult, error) { panic("nil map") })
	chain.add("good", true, ok("https://cdn.test/good.mp3"))

	r := New(chain, chain, time.Second, nil)
	res, err := r.Resolve(context.Background(), canary)
	require.NoError(t, err)
	assert.Equal(t, "good", res.Source)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "bad", stats[0].Name)
	assert.Equal(t, backend.OutcomeError, stats[0].LastOutcome)
	assert.Contains(t, stats[0].LastReason, "panic")
}

func TestResolveCallerCancellation(t *testing.T) {
	chain := newChain()
	chain.add("slow", true, hang)
	chain.add("never", true, ok("https://cdn.test/never.mp3"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	r := New(chain, chain, 5*time.Second, nil)
	_, err := r.Resolve(ctx, canary)
	var failed *backend.ResolutionFailed
	require.ErrorAs(t, err, &failed)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"slow"}, chain.invoked())
}

func TestResolveDefaultsQuality(t *testing.T) {
	chain := newChain()
	chain.add("q", true, ok("https://cdn.test/q.mp3"))

	r := New(chain, chain, time.Second, cache.NewCache(time.Minute))
	res, err := r.Resolve(context.Background(), types.MatchRequest{TrackID: 1})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/q.mp3", res.URL)

	// cached under the default quality
	_, err = r.Resolve(context.Background(), types.MatchRequest{TrackID: 1, Quality: DefaultQuality})
	require.NoError(t, err)
	assert.Equal(t, []string{"q"}, chain.invoked())
}

func TestResolveCacheAndPurge(t *testing.T) {
	chain := newChain()
	chain.add("a", true, ok("https://cdn.test/a.mp3"))

	r := New(chain, chain, time.Second, cache.NewCache(time.Minute))
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), canary)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a"}, chain.invoked())

	r.PurgeCache()
	_, err := r.Resolve(context.Background(), canary)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, chain.invoked())
}

func TestStatsConsecutiveFailures(t *testing.T) {
	chain := newChain()
	chain.add("flaky", true, fail("down"))

	r := New(chain, chain, time.Second, nil)
	for i := 0; i < 3; i++ {
		_, _ = r.Resolve(context.Background(), canary)
	}
	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].Attempts)
	assert.Equal(t, int64(0), stats[0].Successes)
	assert.Equal(t, int64(3), stats[0].ConsecutiveFailures)

	r.Forget("id-flaky")
	assert.Empty(t, r.Stats())
}
