package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"trackunblock/work/store"
	"trackunblock/work/types"
)

// setup writes a config pointing the built-in sources at a fake upstream and
// returns the --config flag for it.
func setup(t *testing.T) (string, string) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/song/url/match" && r.URL.Query().Get("id") == "186016" {
			w.Write([]byte(`{"data":{"url":"https://cdn.test/186016.mp3"}}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	data, err := json.Marshal(map[string]any{
		"databasePath": filepath.Join(dir, "unblock.db"),
		"serverURL":    upstream.URL,
		"gdURL":        upstream.URL + "/gd",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, data, 0o600))
	return "--config=" + cfgPath, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func listSources(t *testing.T, cfgFlag string) []types.SourceConfig {
	t.Helper()
	out, err := run(t, cfgFlag, "--json", "sources", "list")
	require.NoError(t, err)
	var list []types.SourceConfig
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	return list
}

func TestResolveCommand(t *testing.T) {
	cfgFlag, _ := setup(t)

	out, err := run(t, cfgFlag, "resolve", "186016")
	require.NoError(t, err)
	assert.Contains(t, out, "https://cdn.test/186016.mp3")
	assert.Contains(t, out, "source: Server Match")

	_, err = run(t, cfgFlag, "resolve", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted all backends")

	_, err = run(t, cfgFlag, "resolve", "zero")
	require.Error(t, err)
}

func TestSourcesLifecycle(t *testing.T) {
	cfgFlag, dir := setup(t)

	_, err := run(t, cfgFlag, "sources", "add-http", "first", "--base", "https://one.test")
	require.NoError(t, err)
	_, err = run(t, cfgFlag, "sources", "add-proxy", "second", "--server", "https://two.test", "--mode", "search")
	require.NoError(t, err)
	_, err = run(t, cfgFlag, "sources", "add-proxy", "bad", "--server", "https://x.test", "--mode", "nope")
	require.Error(t, err)

	script := filepath.Join(dir, "plugin.js")
	require.NoError(t, os.WriteFile(script, []byte("/*!\n * @name From Header\n */\nfunction match(id) { return null; }"), 0o600))
	out, err := run(t, cfgFlag, "sources", "import", script)
	require.NoError(t, err)
	assert.Contains(t, out, `"From Header"`)

	list := listSources(t, cfgFlag)
	require.Len(t, list, 6)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "second", list[1].Name)
	assert.Equal(t, "From Header", list[2].Name)
	assert.Equal(t, store.BuiltinMatchID, list[3].ID)

	_, err = run(t, cfgFlag, "sources", "order", list[2].ID, "1")
	require.NoError(t, err)
	_, err = run(t, cfgFlag, "sources", "toggle", list[0].ID)
	require.NoError(t, err)
	_, err = run(t, cfgFlag, "sources", "defaults", "off")
	require.NoError(t, err)

	list = listSources(t, cfgFlag)
	assert.Equal(t, "From Header", list[0].Name)
	assert.Equal(t, "first", list[1].Name)
	assert.False(t, list[1].Enabled)

	// export, wipe, and restore
	exportPath := filepath.Join(dir, "sources.yaml")
	_, err = run(t, cfgFlag, "sources", "export", exportPath)
	require.NoError(t, err)
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var f exportFile
	require.NoError(t, yaml.Unmarshal(data, &f))
	assert.Equal(t, exportVersion, f.Version)
	assert.False(t, f.DefaultsEnabled)
	require.Len(t, f.Sources, 3)

	for _, s := range list[:3] {
		_, err = run(t, cfgFlag, "sources", "remove", s.ID)
		require.NoError(t, err)
	}
	_, err = run(t, cfgFlag, "sources", "defaults", "on")
	require.NoError(t, err)
	require.Len(t, listSources(t, cfgFlag), 3)

	_, err = run(t, cfgFlag, "sources", "load", exportPath)
	require.NoError(t, err)
	restored := listSources(t, cfgFlag)
	require.Len(t, restored, 6)
	assert.Equal(t, list[0].ID, restored[0].ID)
	assert.False(t, restored[1].Enabled)

	_, err = run(t, cfgFlag, "sources", "remove", store.BuiltinGDID)
	assert.ErrorIs(t, err, store.ErrBuiltin)
}

func TestTestCommand(t *testing.T) {
	cfgFlag, _ := setup(t)

	out, err := run(t, cfgFlag, "test", store.BuiltinMatchID)
	require.NoError(t, err)
	assert.Contains(t, out, "Source: Server Match")
	assert.Contains(t, out, "Verdict: available")

	out, err = run(t, cfgFlag, "test")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Match")
	assert.Contains(t, out, "GD Studio")
	assert.True(t, strings.Contains(out, "unavailable"))

	_, err = run(t, cfgFlag, "test", "missing")
	require.Error(t, err)
}

func TestDBCommands(t *testing.T) {
	cfgFlag, dir := setup(t)

	backup := filepath.Join(dir, "backup", "copy.db")
	_, err := run(t, cfgFlag, "db", "backup", backup)
	require.NoError(t, err)
	_, err = os.Stat(backup)
	require.NoError(t, err)

	out, err := run(t, cfgFlag, "db", "vacuum")
	require.NoError(t, err)
	assert.Contains(t, out, "Vacuum complete")
}

func TestResolveID(t *testing.T) {
	list := []types.SourceConfig{{ID: "abcd1234-0000"}, {ID: "abcd9999-0000"}, {ID: "ffff0000-0000"}}

	id, err := resolveID(list, "ffff")
	require.NoError(t, err)
	assert.Equal(t, "ffff0000-0000", id)

	id, err = resolveID(list, "abcd1234-0000")
	require.NoError(t, err)
	assert.Equal(t, "abcd1234-0000", id)

	_, err = resolveID(list, "abcd")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = resolveID(list, "ab")
	assert.ErrorContains(t, err, "no source")
}
