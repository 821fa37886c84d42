package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trackunblock/work/client"
	"trackunblock/work/config"
	"trackunblock/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canary = types.MatchRequest{TrackID: 186016, Title: "晴天", Artist: "周杰伦", Quality: "320"}

func testDeps() Deps {
	return Deps{
		Client:       client.NewHeaderSettingClient(config.Default()),
		FetchTimeout: 2 * time.Second,
		RateLimit:    0,
		MaxRequests:  10,
	}
}

func jsonServer(t *testing.T, fn func(r *http.Request) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, body := fn(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if s, ok := body.(string); ok {
			_, _ = w.Write([]byte(s))
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func httpSource(base, tpl string) types.SourceConfig {
	return types.SourceConfig{ID: "h1", Name: "api", Kind: types.KindHTTP, Enabled: true,
		Params: types.SourceParams{BaseURL: base, URLTemplate: tpl}}
}

func proxySource(server string, mode types.ProxyMode) types.SourceConfig {
	return types.SourceConfig{ID: "p1", Name: "proxy", Kind: types.KindProxy, Enabled: true,
		Params: types.SourceParams{ServerURL: server, Mode: mode}}
}

func TestHTTPTemplateExpansion(t *testing.T) {
	b, err := New(httpSource("https://x.test", "{baseURL}?id={id}&br={br}"), testDeps())
	require.NoError(t, err)
	assert.Equal(t, "https://x.test?id=186016&br=320", b.Preview(canary))

	def, err := New(httpSource("https://api.test/api.php", ""), testDeps())
	require.NoError(t, err)
	assert.Equal(t, "https://api.test/api.php?types=url&id=186016&br=320", def.Preview(canary))
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]types.SourceConfig{
		"no base":             httpSource("", ""),
		"relative base":       httpSource("/api", ""),
		"ftp base":            httpSource("ftp://x.test", ""),
		"unknown placeholder": httpSource("https://x.test", "{baseURL}?id={id}&x={foo}"),
		"unbalanced":          httpSource("https://x.test", "{baseURL}?id={id"),
		"missing id":          httpSource("https://x.test", "{baseURL}?br={br}"),
		"bad mode":            proxySource("https://p.test", "nope"),
		"proxy no server":     proxySource("", types.ModeMatch),
		"bad script":          {Name: "s", Kind: types.KindScript, Params: types.SourceParams{Script: "function ("}},
		"unknown kind":        {Name: "k", Kind: "ftp"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(cfg)
			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestHTTPMatchSuccess(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		assert.Equal(t, "186016", r.URL.Query().Get("id"))
		assert.Equal(t, "320", r.URL.Query().Get("br"))
		return 200, map[string]any{"url": "https://cdn.test/a.mp3", "br": 320, "source": "netease"}
	})
	b, err := New(httpSource(srv.URL, ""), testDeps())
	require.NoError(t, err)

	res, err := b.Match(context.Background(), canary)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/a.mp3", res.URL)
	assert.Equal(t, "netease", res.Platform)
	assert.Equal(t, "320", res.Quality)
	assert.Equal(t, "api", res.Source)
}

func TestHTTPMatchQualityFallsBackToRequest(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		return 200, map[string]any{"data": map[string]any{"url": "https://cdn.test/b.mp3"}}
	})
	b, err := New(httpSource(srv.URL, ""), testDeps())
	require.NoError(t, err)

	res, err := b.Match(context.Background(), canary)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/b.mp3", res.URL)
	assert.Equal(t, canary.Quality, res.Quality)
}

func TestHTTPMatchBlankURLIsEmptyResult(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		return 200, map[string]any{"url": "  ", "data": map[string]any{"url": " \t"}}
	})
	b, err := New(httpSource(srv.URL, ""), testDeps())
	require.NoError(t, err)

	res, err := b.Match(context.Background(), canary)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Empty(t, res.Quality)
}

func TestHTTPMatchNoURLIsEmptyResult(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		return 200, map[string]any{"code": 404, "message": "not found"}
	})
	b, err := New(httpSource(srv.URL, ""), testDeps())
	require.NoError(t, err)

	res, err := b.Match(context.Background(), canary)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "not found", res.Extra["message"])
	assert.Equal(t, 404, res.Extra["code"])
}

func TestHTTPMatchUpstreamErrors(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		if r.URL.Query().Get("id") == "1" {
			return 502, "bad gateway"
		}
		return 200, "<html>nope</html>"
	})
	b, err := New(httpSource(srv.URL, ""), testDeps())
	require.NoError(t, err)

	_, err = b.Match(context.Background(), types.MatchRequest{TrackID: 1, Quality: "320"})
	var matchErr *MatchError
	require.ErrorAs(t, err, &matchErr)
	assert.Equal(t, 502, matchErr.Status)

	_, err = b.Match(context.Background(), canary)
	require.ErrorAs(t, err, &matchErr)
	assert.Contains(t, matchErr.Message, "not JSON")
}

func TestMatchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	b, err := New(httpSource(srv.URL, ""), testDeps())
	require.NoError(t, err)

	ctx, cancel := WithAttemptTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Match(ctx, canary)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.After)

	outcome, _ := Classify(err, false)
	assert.Equal(t, OutcomeTimeout, outcome)
}

func TestProxyModes(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		mu.Lock()
		paths = append(paths, r.URL.RequestURI())
		mu.Unlock()
		return 200, map[string]any{"code": 200, "data": map[string]any{"url": "https://cdn.test/p.mp3", "proxyUrl": "https://proxy.test/p.mp3"}}
	})

	for _, mode := range []types.ProxyMode{types.ModeMatch, types.ModeNCMGet, types.ModeGD} {
		b, err := New(proxySource(srv.URL+"/", mode), testDeps())
		require.NoError(t, err)
		res, err := b.Match(context.Background(), canary)
		require.NoError(t, err, mode)
		assert.Equal(t, "https://cdn.test/p.mp3", res.URL)
		assert.Equal(t, string(mode), res.Platform)
		assert.Equal(t, "https://proxy.test/p.mp3", res.Extra["proxyUrl"])
		assert.Equal(t, canary.Quality, res.Quality)
	}

	assert.Equal(t, []string{
		"/song/url/match?id=186016",
		"/song/url/ncmget?id=186016&br=320",
		"/?types=url&id=186016&br=320",
	}, paths)
}

func TestSearchQueries(t *testing.T) {
	q := searchQueries(types.MatchRequest{Title: "晴天 (Live)", Artist: "周杰伦/五月天"})
	assert.Equal(t, []string{"晴天 (Live) 周杰伦", "晴天 (Live)", "晴天"}, q)

	q = searchQueries(types.MatchRequest{Title: "海阔天空"})
	assert.Equal(t, []string{"海阔天空"}, q)

	assert.Empty(t, searchQueries(types.MatchRequest{Title: "  "}))
	assert.Equal(t, "成都", cleanTitle("成都 - Live"))
	assert.Equal(t, "成都", cleanTitle("成都【伴奏】"))
}

func TestSearchQuality(t *testing.T) {
	assert.Equal(t, "normal", searchQuality("128"))
	assert.Equal(t, "high", searchQuality("320"))
	assert.Equal(t, "high", searchQuality("320k"))
	assert.Equal(t, "sq", searchQuality("999"))
	assert.Equal(t, "res", searchQuality("1411"))
	assert.Equal(t, "high", searchQuality("320000"))
	assert.Equal(t, "sq", searchQuality("sq"))
	assert.Equal(t, "high", searchQuality(""))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("", ""))
	assert.Equal(t, 0.0, similarity("a", ""))
	assert.Equal(t, 1.0, similarity("晴天", "晴天"))
	assert.Equal(t, 0.8, similarity("晴天", "晴天live版本"))
	assert.Less(t, similarity("abcdef", "uvwxyz"), 0.4)
	assert.Equal(t, "晴天live", normalize("晴天 (Live)!"))
}

func TestProxySearchPicksBestCandidate(t *testing.T) {
	var queries []string
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		assert.Equal(t, "/music/search_with_url", r.URL.Path)
		assert.Equal(t, "high", r.URL.Query().Get("quality"))
		queries = append(queries, r.URL.Query().Get("keywords"))
		return 200, map[string]any{"data": map[string]any{"lists": []any{
			map[string]any{"FileName": "某人 - 雨天", "SingerName": "某人", "play_url": "https://cdn.test/wrong.mp3"},
			map[string]any{"FileName": "周杰伦 - 晴天", "SingerName": "周杰伦", "play_url": "https://cdn.test/p.mp3",
				"proxy_play_url": "https://proxy.test/p.mp3"},
		}}}
	})
	b, err := New(proxySource(srv.URL, types.ModeSearch), testDeps())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.Preview(canary), srv.URL+"/music/search_with_url?keywords="))

	var trace []string
	ctx := WithTrace(context.Background(), func(s string) { trace = append(trace, s) })
	res, err := b.Match(ctx, canary)
	require.NoError(t, err)
	assert.Equal(t, "https://proxy.test/p.mp3", res.URL)
	assert.Equal(t, "proxy", res.Platform)
	assert.Equal(t, "320", res.Quality)
	assert.Equal(t, "周杰伦 - 晴天", res.Extra["FileName"])
	assert.Equal(t, []string{"晴天 周杰伦"}, queries)
	assert.Contains(t, strings.Join(trace, "\n"), "matched")
}

func TestProxySearchFallsThroughQueries(t *testing.T) {
	var queries []string
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		kw := r.URL.Query().Get("keywords")
		queries = append(queries, kw)
		if kw != "成都" {
			return 200, map[string]any{"data": map[string]any{"lists": []any{}}}
		}
		return 200, map[string]any{"data": map[string]any{"data": map[string]any{"lists": []any{
			map[string]any{"FileName": "赵雷 - 成都", "SingerName": "赵雷", "play_url": "https://cdn.test/cd.mp3"},
		}}}}
	})
	b, err := New(proxySource(srv.URL, types.ModeSearch), testDeps())
	require.NoError(t, err)

	res, err := b.Match(context.Background(), types.MatchRequest{TrackID: 25906124, Title: "成都 (Live)", Artist: "赵雷", Quality: "320"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/cd.mp3", res.URL)
	assert.Equal(t, []string{"成都 (Live) 赵雷", "成都 (Live)", "成都"}, queries)
}

func TestProxySearchBelowThreshold(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) (int, any) {
		return 200, map[string]any{"data": map[string]any{"lists": []any{
			map[string]any{"FileName": "xyz - qwerty", "SingerName": "xyz", "play_url": "https://cdn.test/no.mp3"},
		}}}
	})
	b, err := New(proxySource(srv.URL, types.ModeSearch), testDeps())
	require.NoError(t, err)

	res, err := b.Match(context.Background(), canary)
	require.NoError(t, err)
	assert.False(t, res.OK())
}

func TestScriptBackend(t *testing.T) {
	cfg := types.SourceConfig{ID: "s1", Name: "plugin", Kind: types.KindScript, Params: types.SourceParams{Script: `/**
 * @name Demo
 * @version 1.2
 */
function match(id, title, artist, quality) {
	console.log("testing", isTestMode());
	return { url: "https://cdn.test/" + id + ".mp3", platform: "demo" };
}`}}
	b, err := New(cfg, testDeps())
	require.NoError(t, err)
	assert.Equal(t, types.KindScript, b.Kind())
	assert.Empty(t, b.Preview(canary))
	assert.Contains(t, b.Describe(), "Script name: Demo")
	assert.Contains(t, b.Describe(), "Version: 1.2")

	var trace []string
	ctx := WithTestMode(WithTrace(context.Background(), func(s string) { trace = append(trace, s) }))
	res, err := b.Match(ctx, canary)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/186016.mp3", res.URL)
	assert.Equal(t, "demo", res.Platform)
	assert.Equal(t, "plugin", res.Source)
	assert.Contains(t, strings.Join(trace, "\n"), "testing true")
}

func TestScriptBackendErrors(t *testing.T) {
	thrower, err := New(types.SourceConfig{ID: "s2", Name: "thrower", Kind: types.KindScript,
		Params: types.SourceParams{Script: `function match() { throw new Error("blocked"); }`}}, testDeps())
	require.NoError(t, err)
	_, err = thrower.Match(context.Background(), canary)
	var matchErr *MatchError
	require.ErrorAs(t, err, &matchErr)
	assert.Contains(t, matchErr.Message, "blocked")

	spinner, err := New(types.SourceConfig{ID: "s3", Name: "spinner", Kind: types.KindScript,
		Params: types.SourceParams{Script: `function match() { while (true) {} }`}}, testDeps())
	require.NoError(t, err)
	ctx, cancel := WithAttemptTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = spinner.Match(ctx, canary)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
}

func TestScriptSource(t *testing.T) {
	src := "/*!\n * @name 网易云代理\n * @version 1.2\n */\nfunction match(id) { return null; }"

	cfg, err := ScriptSource("", "file", src)
	require.NoError(t, err)
	assert.Equal(t, "网易云代理", cfg.Name)
	assert.Equal(t, types.KindScript, cfg.Kind)
	assert.True(t, cfg.Enabled)

	cfg, err = ScriptSource("  mine ", "file", src)
	require.NoError(t, err)
	assert.Equal(t, "mine", cfg.Name)

	cfg, err = ScriptSource("", "plugin", "function match(id) { return null; }")
	require.NoError(t, err)
	assert.Equal(t, "plugin", cfg.Name)

	cfg, err = ScriptSource("", "", "function match(id) { return null; }")
	require.NoError(t, err)
	assert.Equal(t, "Imported script", cfg.Name)

	_, err = ScriptSource("broken", "", "function match( {")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "broken", parseErr.Source)
}

func TestRegistryRebuildsOnChange(t *testing.T) {
	reg := NewRegistry(testDeps())
	cfg := httpSource("https://x.test", "")

	first, err := reg.Get(cfg)
	require.NoError(t, err)
	again, err := reg.Get(cfg)
	require.NoError(t, err)
	assert.Same(t, first, again)

	cfg.Enabled = false
	unchanged, err := reg.Get(cfg)
	require.NoError(t, err)
	assert.Same(t, first, unchanged)

	cfg.Params.BaseURL = "https://y.test"
	rebuilt, err := reg.Get(cfg)
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, 1, reg.Len())

	other := proxySource("https://p.test", types.ModeMatch)
	_, err = reg.Get(other)
	require.NoError(t, err)
	reg.Retain([]string{other.ID})
	assert.Equal(t, 1, reg.Len())

	reg.Forget(other.ID)
	assert.Equal(t, 0, reg.Len())
}

func TestResolutionFailedMessage(t *testing.T) {
	err := &ResolutionFailed{Attempts: []Attempt{
		{Backend: "a", Outcome: OutcomeEmpty},
		{Backend: "b", Outcome: OutcomeError, Reason: "boom"},
	}}
	assert.Equal(t, "exhausted all backends: a=empty; b=error (boom)", err.Error())
	assert.Equal(t, "exhausted all backends: no backend enabled", (&ResolutionFailed{}).Error())
}
