// Package store owns the ordered list of configured backend sources.
//
// The in-memory list is authoritative for the running process. Every mutation is
// written through to a Persister before the call returns; a failed write is logged
// and the mutation stands.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trackunblock/work/logger"
	"trackunblock/work/types"

	"github.com/google/uuid"
)

// Built-in source ids. They are stable so individual enable flags survive restarts.
const (
	BuiltinMatchID  = "builtin-match"
	BuiltinNCMGetID = "builtin-ncmget"
	BuiltinGDID     = "builtin-gd"
)

var (
	ErrNotFound     = errors.New("source not found")
	ErrDuplicateID  = errors.New("source id already exists")
	ErrBuiltin      = errors.New("built-in sources cannot be modified this way")
	ErrInvalidOrder = errors.New("order must list every custom source exactly once")
	ErrInvalid      = errors.New("invalid source configuration")
)

// Persister is the durable backing of the store.
type Persister interface {
	LoadSources() ([]types.SourceConfig, error)
	SaveSources([]types.SourceConfig) error
	LoadDefaultsState() (bool, []string, error)
	SaveDefaultsState(enabled bool, disabled []string) error
}

// Validator checks a configuration before it is accepted, e.g. compiling a script.
type Validator func(types.SourceConfig) error

// ChangeOp names the mutation reported to subscribers.
type ChangeOp string

const (
	OpAdd      ChangeOp = "add"
	OpRemove   ChangeOp = "remove"
	OpToggle   ChangeOp = "toggle"
	OpReorder  ChangeOp = "reorder"
	OpRename   ChangeOp = "rename"
	OpDefaults ChangeOp = "defaults"
	OpReplace  ChangeOp = "replace"
)

// Change describes one applied mutation. ID is empty for list-wide changes.
type Change struct {
	Op ChangeOp
	ID string
}

// Store is the Source Descriptor Store.
type Store struct {
	mu              sync.RWMutex
	customs         []types.SourceConfig
	defaults        []types.SourceConfig
	defaultsEnabled bool

	persist  Persister
	validate Validator

	subMu sync.RWMutex
	subs  []func(Change)
}

// BuiltinDefaults returns the fixed default group, in evaluation order: the server's
// match endpoint, its ncmget endpoint, then the GD studio API.
func BuiltinDefaults(serverURL, gdURL string) []types.SourceConfig {
	var out []types.SourceConfig
	if serverURL != "" {
		out = append(out,
			types.SourceConfig{ID: BuiltinMatchID, Name: "Server Match", Kind: types.KindProxy, Enabled: true, Builtin: true,
				Params: types.SourceParams{ServerURL: serverURL, Mode: types.ModeMatch}},
			types.SourceConfig{ID: BuiltinNCMGetID, Name: "Server NCMGet", Kind: types.KindProxy, Enabled: true, Builtin: true,
				Params: types.SourceParams{ServerURL: serverURL, Mode: types.ModeNCMGet}},
		)
	}
	out = append(out, types.SourceConfig{ID: BuiltinGDID, Name: "GD Studio", Kind: types.KindProxy, Enabled: true, Builtin: true,
		Params: types.SourceParams{ServerURL: gdURL, Mode: types.ModeGD}})
	for i := range out {
		out[i].Priority = i
	}
	return out
}

// New loads the persisted state and returns a ready store. validate may be nil.
func New(p Persister, defaults []types.SourceConfig, validate Validator) (*Store, error) {
	s := &Store{
		persist:         p,
		validate:        validate,
		defaults:        append([]types.SourceConfig(nil), defaults...),
		defaultsEnabled: true,
	}

	customs, err := p.LoadSources()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	s.customs = customs
	s.reindex()

	enabled, disabled, err := p.LoadDefaultsState()
	if err != nil {
		return nil, fmt.Errorf("load defaults state: %w", err)
	}
	s.defaultsEnabled = enabled
	off := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}
	for i := range s.defaults {
		s.defaults[i].Builtin = true
		s.defaults[i].Enabled = !off[s.defaults[i].ID]
	}

	logger.Info("{store - New} Loaded %d custom sources, %d defaults (group enabled: %v)", len(s.customs), len(s.defaults), s.defaultsEnabled)
	return s, nil
}

// List returns the backends eligible for resolution: enabled custom sources in
// priority order, followed by the enabled defaults when the group is enabled.
func (s *Store) List() []types.SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.SourceConfig, 0, len(s.customs)+len(s.defaults))
	for _, c := range s.customs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	if s.defaultsEnabled {
		for _, d := range s.defaults {
			if d.Enabled {
				out = append(out, d)
			}
		}
	}
	return out
}

// All returns every source, enabled or not, customs first.
func (s *Store) All() []types.SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SourceConfig, 0, len(s.customs)+len(s.defaults))
	out = append(out, s.customs...)
	return append(out, s.defaults...)
}

// Customs returns the custom sources only, in priority order.
func (s *Store) Customs() []types.SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.SourceConfig(nil), s.customs...)
}

// Get looks a source up by id across customs and defaults.
func (s *Store) Get(id string) (types.SourceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.customs[i], true
	}
	for _, d := range s.defaults {
		if d.ID == id {
			return d, true
		}
	}
	return types.SourceConfig{}, false
}

// DefaultsEnabled reports whether the built-in group is evaluated at all.
func (s *Store) DefaultsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultsEnabled
}

// Add validates cfg and appends it to the end of the custom list. A missing id is
// generated; a missing creation time is stamped. The stored copy is returned.
func (s *Store) Add(cfg types.SourceConfig) (types.SourceConfig, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return types.SourceConfig{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !cfg.Kind.Valid() {
		return types.SourceConfig{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, cfg.Kind)
	}
	if s.validate != nil {
		if err := s.validate(cfg); err != nil {
			return types.SourceConfig{}, err
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.Builtin = false

	s.mu.Lock()
	if s.indexOf(cfg.ID) >= 0 || s.isDefault(cfg.ID) {
		s.mu.Unlock()
		return types.SourceConfig{}, fmt.Errorf("%w: %s", ErrDuplicateID, cfg.ID)
	}
	s.customs = append(s.customs, cfg)
	s.reindex()
	stored := s.customs[len(s.customs)-1]
	s.saveSourcesLocked()
	s.mu.Unlock()

	logger.Info("{store - Add} Added %s source %q (%s)", cfg.Kind, cfg.Name, cfg.ID)
	s.notify(Change{Op: OpAdd, ID: cfg.ID})
	return stored, nil
}

// Remove deletes a custom source. Built-in sources are never removable.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if s.isDefault(id) {
		s.mu.Unlock()
		return ErrBuiltin
	}
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	name := s.customs[i].Name
	s.customs = append(s.customs[:i], s.customs[i+1:]...)
	s.reindex()
	s.saveSourcesLocked()
	s.mu.Unlock()

	logger.Info("{store - Remove} Removed source %q (%s)", name, id)
	s.notify(Change{Op: OpRemove, ID: id})
	return nil
}

// Toggle flips the enabled flag of a custom source or an individual default and
// returns the new state.
func (s *Store) Toggle(id string) (bool, error) {
	s.mu.Lock()
	var enabled bool
	if i := s.indexOf(id); i >= 0 {
		s.customs[i].Enabled = !s.customs[i].Enabled
		enabled = s.customs[i].Enabled
		s.saveSourcesLocked()
	} else if j := s.defaultIndex(id); j >= 0 {
		s.defaults[j].Enabled = !s.defaults[j].Enabled
		enabled = s.defaults[j].Enabled
		s.saveDefaultsLocked()
	} else {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	s.mu.Unlock()

	logger.Info("{store - Toggle} Source %s enabled=%v", id, enabled)
	s.notify(Change{Op: OpToggle, ID: id})
	return enabled, nil
}

// Reorder sets the custom list order. ids must be a permutation of the custom ids.
func (s *Store) Reorder(ids []string) error {
	s.mu.Lock()
	if len(ids) != len(s.customs) {
		s.mu.Unlock()
		return ErrInvalidOrder
	}
	byID := make(map[string]types.SourceConfig, len(s.customs))
	for _, c := range s.customs {
		byID[c.ID] = c
	}
	next := make([]types.SourceConfig, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrInvalidOrder, id)
		}
		delete(byID, id)
		next = append(next, c)
	}
	s.customs = next
	s.reindex()
	s.saveSourcesLocked()
	s.mu.Unlock()

	logger.Info("{store - Reorder} Custom sources reordered (%d)", len(ids))
	s.notify(Change{Op: OpReorder})
	return nil
}

// Move relocates one custom source to position to, shifting the others.
func (s *Store) Move(id string, to int) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.customs))
	from := -1
	for i, c := range s.customs {
		if c.ID == id {
			from = i
			continue
		}
		ids = append(ids, c.ID)
	}
	s.mu.RUnlock()

	if from < 0 {
		return ErrNotFound
	}
	if to < 0 {
		to = 0
	}
	if to > len(ids) {
		to = len(ids)
	}
	ids = append(ids[:to], append([]string{id}, ids[to:]...)...)
	return s.Reorder(ids)
}

// Rename changes the display name of a custom source.
func (s *Store) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	s.mu.Lock()
	if s.isDefault(id) {
		s.mu.Unlock()
		return ErrBuiltin
	}
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.customs[i].Name = name
	s.saveSourcesLocked()
	s.mu.Unlock()

	s.notify(Change{Op: OpRename, ID: id})
	return nil
}

// ToggleDefaults enables or disables the whole built-in group.
func (s *Store) ToggleDefaults(enabled bool) {
	s.mu.Lock()
	s.defaultsEnabled = enabled
	s.saveDefaultsLocked()
	s.mu.Unlock()

	logger.Info("{store - ToggleDefaults} Default sources enabled=%v", enabled)
	s.notify(Change{Op: OpDefaults})
}

// Replace swaps the whole custom list, used when restoring an export. Every entry is
// validated first; nothing changes if any entry is rejected.
func (s *Store) Replace(list []types.SourceConfig) error {
	seen := make(map[string]bool, len(list))
	next := make([]types.SourceConfig, 0, len(list))
	for _, cfg := range list {
		if cfg.ID == "" {
			cfg.ID = uuid.NewString()
		}
		if seen[cfg.ID] || s.isDefault(cfg.ID) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, cfg.ID)
		}
		seen[cfg.ID] = true
		if !cfg.Kind.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalid, cfg.Kind)
		}
		if s.validate != nil {
			if err := s.validate(cfg); err != nil {
				return fmt.Errorf("source %q: %w", cfg.Name, err)
			}
		}
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = time.Now().UTC()
		}
		cfg.Builtin = false
		next = append(next, cfg)
	}

	s.mu.Lock()
	s.customs = next
	s.reindex()
	s.saveSourcesLocked()
	s.mu.Unlock()

	logger.Info("{store - Replace} Custom source list replaced (%d)", len(next))
	s.notify(Change{Op: OpReplace})
	return nil
}

// OnChange registers fn to be called after every applied mutation. Callbacks run
// synchronously on the mutating goroutine, outside the store lock.
func (s *Store) OnChange(fn func(Change)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	subs := append([]func(Change){}, s.subs...)
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (s *Store) indexOf(id string) int {
	for i := range s.customs {
		if s.customs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) defaultIndex(id string) int {
	for i := range s.defaults {
		if s.defaults[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) isDefault(id string) bool {
	return s.defaultIndex(id) >= 0
}

func (s *Store) reindex() {
	for i := range s.customs {
		s.customs[i].Priority = i
	}
}

// saveSourcesLocked must be called with mu held.
func (s *Store) saveSourcesLocked() {
	snapshot := append([]types.SourceConfig(nil), s.customs...)
	if err := s.persist.SaveSources(snapshot); err != nil {
		logger.Error("{store - save} Failed to persist sources: %v", err)
	}
}

// saveDefaultsLocked must be called with mu held.
func (s *Store) saveDefaultsLocked() {
	var disabled []string
	for _, d := range s.defaults {
		if !d.Enabled {
			disabled = append(disabled, d.ID)
		}
	}
	if err := s.persist.SaveDefaultsState(s.defaultsEnabled, disabled); err != nil {
		logger.Error("{store - save} Failed to persist defaults state: %v", err)
	}
}
