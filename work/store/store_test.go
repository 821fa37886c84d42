package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"trackunblock/work/database"
	"trackunblock/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu              sync.Mutex
	sources         []types.SourceConfig
	defaultsEnabled bool
	disabled        []string
	failSaves       bool
	saves           int
}

func newMem() *memPersister { return &memPersister{defaultsEnabled: true} }

func (m *memPersister) LoadSources() ([]types.SourceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SourceConfig(nil), m.sources...), nil
}

func (m *memPersister) SaveSources(s []types.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaves {
		return errors.New("disk full")
	}
	m.sources = append([]types.SourceConfig(nil), s...)
	return nil
}

func (m *memPersister) LoadDefaultsState() (bool, []string, error) {
	return m.defaultsEnabled, m.disabled, nil
}

func (m *memPersister) SaveDefaultsState(enabled bool, disabled []string) error {
	m.defaultsEnabled = enabled
	m.disabled = disabled
	return nil
}

func httpSource(name string) types.SourceConfig {
	return types.SourceConfig{Name: name, Kind: types.KindHTTP, Enabled: true,
		Params: types.SourceParams{BaseURL: "https://" + name + ".test"}}
}

func ids(list []types.SourceConfig) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func newTestStore(t *testing.T, p Persister) *Store {
	t.Helper()
	s, err := New(p, BuiltinDefaults("http://server.test", "https://gd.test/api.php"), nil)
	require.NoError(t, err)
	return s
}

func TestListOrdersCustomsBeforeDefaults(t *testing.T) {
	s := newTestStore(t, newMem())
	a, err := s.Add(httpSource("a"))
	require.NoError(t, err)
	b, err := s.Add(httpSource("b"))
	require.NoError(t, err)

	assert.Equal(t, []string{a.ID, b.ID, BuiltinMatchID, BuiltinNCMGetID, BuiltinGDID}, ids(s.List()))

	s.ToggleDefaults(false)
	assert.Equal(t, []string{a.ID, b.ID}, ids(s.List()))
	assert.False(t, s.DefaultsEnabled())
}

func TestAddGeneratesIDAndRejectsDuplicates(t *testing.T) {
	s := newTestStore(t, newMem())
	a, err := s.Add(httpSource("a"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	dup := httpSource("again")
	dup.ID = a.ID
	_, err = s.Add(dup)
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = s.Add(httpSource("a"))
	assert.NoError(t, err, "duplicate names are allowed")

	builtin := httpSource("x")
	builtin.ID = BuiltinGDID
	_, err = s.Add(builtin)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestAddRunsValidator(t *testing.T) {
	parseErr := errors.New("bad script")
	s, err := New(newMem(), nil, func(types.SourceConfig) error { return parseErr })
	require.NoError(t, err)

	_, err = s.Add(httpSource("a"))
	assert.ErrorIs(t, err, parseErr)
	assert.Empty(t, s.All())
}

func TestToggleExcludesFromList(t *testing.T) {
	s := newTestStore(t, newMem())
	a, _ := s.Add(httpSource("a"))

	enabled, err := s.Toggle(a.ID)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.NotContains(t, ids(s.List()), a.ID)

	enabled, err = s.Toggle(BuiltinNCMGetID)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, []string{BuiltinMatchID, BuiltinGDID}, ids(s.List()))

	_, err = s.Toggle("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveRefusesBuiltins(t *testing.T) {
	s := newTestStore(t, newMem())
	assert.ErrorIs(t, s.Remove(BuiltinMatchID), ErrBuiltin)
	assert.ErrorIs(t, s.Remove("missing"), ErrNotFound)

	a, _ := s.Add(httpSource("a"))
	b, _ := s.Add(httpSource("b"))
	require.NoError(t, s.Remove(a.ID))

	customs := s.Customs()
	require.Len(t, customs, 1)
	assert.Equal(t, b.ID, customs[0].ID)
	assert.Equal(t, 0, customs[0].Priority)
}

func TestReorder(t *testing.T) {
	s := newTestStore(t, newMem())
	a, _ := s.Add(httpSource("a"))
	b, _ := s.Add(httpSource("b"))
	c, _ := s.Add(httpSource("c"))

	require.NoError(t, s.Reorder([]string{c.ID, a.ID, b.ID}))
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, ids(s.Customs()))

	assert.ErrorIs(t, s.Reorder([]string{a.ID, b.ID}), ErrInvalidOrder)
	assert.ErrorIs(t, s.Reorder([]string{a.ID, a.ID, b.ID}), ErrInvalidOrder)

	require.NoError(t, s.Move(b.ID, 0))
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, ids(s.Customs()))
}

func TestRename(t *testing.T) {
	s := newTestStore(t, newMem())
	a, _ := s.Add(httpSource("a"))

	require.NoError(t, s.Rename(a.ID, "  renamed "))
	got, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)

	assert.ErrorIs(t, s.Rename(BuiltinGDID, "x"), ErrBuiltin)
	assert.ErrorIs(t, s.Rename(a.ID, " "), ErrInvalid)
}

func TestFailedPersistKeepsMemoryState(t *testing.T) {
	p := newMem()
	s := newTestStore(t, p)
	p.failSaves = true

	a, err := s.Add(httpSource("a"))
	require.NoError(t, err)
	assert.Contains(t, ids(s.List()), a.ID)
	assert.Equal(t, 1, p.saves)
}

func TestOnChangeNotifies(t *testing.T) {
	s := newTestStore(t, newMem())
	var got []Change
	s.OnChange(func(c Change) { got = append(got, c) })

	a, _ := s.Add(httpSource("a"))
	_, _ = s.Toggle(a.ID)
	require.NoError(t, s.Remove(a.ID))
	s.ToggleDefaults(false)

	assert.Equal(t, []Change{
		{Op: OpAdd, ID: a.ID},
		{Op: OpToggle, ID: a.ID},
		{Op: OpRemove, ID: a.ID},
		{Op: OpDefaults},
	}, got)
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	s, err := New(newMem(), nil, func(c types.SourceConfig) error {
		if c.Name == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	require.NoError(t, err)
	a, _ := s.Add(httpSource("a"))

	err = s.Replace([]types.SourceConfig{httpSource("x"), httpSource("bad")})
	assert.Error(t, err)
	assert.Equal(t, []string{a.ID}, ids(s.Customs()))

	require.NoError(t, s.Replace([]types.SourceConfig{httpSource("x"), httpSource("y")}))
	require.Len(t, s.Customs(), 2)
	assert.Equal(t, "x", s.Customs()[0].Name)
}

func TestPersistsAcrossRestartWithSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unblock.db")
	db, err := database.Open(path)
	require.NoError(t, err)

	s := newTestStore(t, db)
	a, _ := s.Add(httpSource("a"))
	proxy := types.SourceConfig{Name: "p", Kind: types.KindProxy, Enabled: true,
		Params: types.SourceParams{ServerURL: "http://proxy.test", Mode: types.ModeSearch}}
	p, _ := s.Add(proxy)
	require.NoError(t, s.Reorder([]string{p.ID, a.ID}))
	_, _ = s.Toggle(a.ID)
	_, _ = s.Toggle(BuiltinGDID)
	s.ToggleDefaults(false)
	before := s.All()
	require.NoError(t, db.Close())

	db, err = database.Open(path)
	require.NoError(t, err)
	defer db.Close()
	reloaded := newTestStore(t, db)

	assert.Equal(t, before, reloaded.All())
	assert.False(t, reloaded.DefaultsEnabled())
}
