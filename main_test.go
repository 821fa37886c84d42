package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trackunblock/work/app"
	"trackunblock/work/config"
	"trackunblock/work/resolver"
	"trackunblock/work/store"
	"trackunblock/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUpstream serves the built-in proxy conventions: the match endpoint knows one
// track, every other endpoint answers without a URL.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/song/url/match" && r.URL.Query().Get("id") == "186016" {
			w.Write([]byte(`{"code":200,"data":{"url":"https://cdn.test/186016.mp3"}}`))
			return
		}
		w.Write([]byte(`{"code":404,"message":"not found"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	upstream := newUpstream(t)

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "unblock.db")
	cfg.ServerURL = upstream.URL
	cfg.GDURL = upstream.URL + "/gd"
	cfg.LogLevel = "ERROR"

	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(newRouter(a))
	t.Cleanup(srv.Close)
	return a, srv
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestResolveEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/resolve?id=186016&title=Sunny&artist=Jay")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result types.MatchResult
	decode(t, resp, &result)
	assert.Equal(t, "https://cdn.test/186016.mp3", result.URL)
	assert.Equal(t, "Server Match", result.Source)
	assert.Equal(t, resolver.DefaultQuality, result.Quality)

	resp, err = http.Get(srv.URL + "/resolve?id=1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "exhausted all backends", body["error"])

	resp, err = http.Get(srv.URL + "/resolve?id=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamRedirects(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := noRedirect().Get(srv.URL + "/stream/186016")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://cdn.test/186016.mp3", resp.Header.Get("Location"))
	assert.Equal(t, "Server Match", resp.Header.Get("X-Unblock-Source"))

	resp, err = noRedirect().Get(srv.URL + "/stream/2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSourceManagement(t *testing.T) {
	a, srv := newTestServer(t)

	resp := post(t, srv.URL+"/api/sources", `{"name":"mine","kind":"http","params":{"baseURL":"https://api.test"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added types.SourceConfig
	decode(t, resp, &added)
	assert.NotEmpty(t, added.ID)
	assert.True(t, added.Enabled)

	resp = post(t, srv.URL+"/api/sources", `{"name":"bad","kind":"ftp"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/sources", `{"name":"nobase","kind":"http","params":{}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/sources/import", "/**\n * @name Header Name\n */\nfunction match(id) { return null; }")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var imported types.SourceConfig
	decode(t, resp, &imported)
	assert.Equal(t, "Header Name", imported.Name)
	assert.Equal(t, types.KindScript, imported.Kind)

	resp = post(t, srv.URL+"/api/sources/import?name=broken", "function match( {")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// custom sources precede the defaults, in insertion order
	resp, err := http.Get(srv.URL + "/api/sources")
	require.NoError(t, err)
	var list SourcesResponse
	decode(t, resp, &list)
	assert.True(t, list.DefaultsEnabled)
	require.Len(t, list.Sources, 5)
	assert.Equal(t, added.ID, list.Sources[0].ID)
	assert.Equal(t, imported.ID, list.Sources[1].ID)
	assert.Equal(t, store.BuiltinMatchID, list.Sources[2].ID)
	assert.Equal(t, types.StateUnknown, list.Sources[0].Status.State)

	resp = post(t, srv.URL+"/api/sources/order", `{"id":"`+imported.ID+`","to":0}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, imported.ID, a.Store.All()[0].ID)

	resp = post(t, srv.URL+"/api/sources/order", `{"ids":["`+added.ID+`"]}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/sources/"+added.ID+"/rename", `{"name":"renamed"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, ok := a.Store.Get(added.ID)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)

	resp = post(t, srv.URL+"/api/sources/"+added.ID+"/toggle", "")
	var toggled map[string]bool
	decode(t, resp, &toggled)
	assert.False(t, toggled["enabled"])

	resp = post(t, srv.URL+"/api/sources/defaults", `{"enabled":false}`)
	resp.Body.Close()
	assert.False(t, a.Store.DefaultsEnabled())

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sources/"+store.BuiltinMatchID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/sources/"+added.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok = a.Store.Get(added.ID)
	assert.False(t, ok)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/sources/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestSourceEndpoint(t *testing.T) {
	a, srv := newTestServer(t)

	resp := post(t, srv.URL+"/api/sources/"+store.BuiltinMatchID+"/test", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report types.DiagnosticReport
	decode(t, resp, &report)
	assert.Equal(t, types.StateAvailable, report.Verdict)
	assert.Contains(t, strings.Join(report.Lines, "\n"), "1/3 canary tracks resolved")

	st, ok := a.Prober.Status(store.BuiltinMatchID)
	require.True(t, ok)
	assert.Equal(t, types.StateAvailable, st.State)

	resp = post(t, srv.URL+"/api/sources/nope/test", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestEventsStream(t *testing.T) {
	_, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/test/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
		close(events)
	}()
	require.Equal(t, "snapshot", <-events)

	post(t, srv.URL+"/api/sources/"+store.BuiltinGDID+"/test", "").Body.Close()
	assert.Equal(t, "status", <-events)
}

func TestStatsAndLogs(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/resolve?id=186016")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	decode(t, resp, &stats)
	assert.Equal(t, 3, stats.TotalSources)
	assert.Equal(t, 1, stats.CacheEntries)
	assert.Contains(t, stats.CacheStatus, "Enabled")
	require.NotEmpty(t, stats.Backends)
	assert.Equal(t, int64(1), stats.Backends[0].Successes)
	assert.Contains(t, stats.Database, "sources_count")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/logs", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
	assert.Equal(t, "45s", formatDuration(45e9))
	assert.Equal(t, "2h 5m", formatDuration(125*60e9))
}
