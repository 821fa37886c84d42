package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"trackunblock/work/logger"
	"trackunblock/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry caches built backends by source id. An entry is rebuilt when the
// source's name, kind or parameters change, so scripts compile once per version.
type Registry struct {
	deps    Deps
	entries *xsync.MapOf[string, registryEntry]
}

type registryEntry struct {
	fingerprint string
	backend     Backend
}

// NewRegistry returns an empty registry building backends with deps.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:    deps,
		entries: xsync.NewMapOf[string, registryEntry](),
	}
}

func fingerprint(cfg types.SourceConfig) string {
	data, _ := json.Marshal(struct {
		Name   string
		Kind   types.SourceKind
		Params types.SourceParams
	}{cfg.Name, cfg.Kind, cfg.Params})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the backend for cfg, building it on first use or after a change.
func (r *Registry) Get(cfg types.SourceConfig) (Backend, error) {
	fp := fingerprint(cfg)
	if e, ok := r.entries.Load(cfg.ID); ok && e.fingerprint == fp {
		return e.backend, nil
	}

	b, err := New(cfg, r.deps)
	if err != nil {
		return nil, err
	}
	r.entries.Store(cfg.ID, registryEntry{fingerprint: fp, backend: b})
	logger.Debug("{backend/registry - Get} Built %s backend %q (%s)", cfg.Kind, cfg.Name, cfg.ID)
	return b, nil
}

// Forget drops the cached backend for id.
func (r *Registry) Forget(id string) {
	r.entries.Delete(id)
}

// Len returns the number of cached backends.
func (r *Registry) Len() int {
	return r.entries.Size()
}

// Retain drops every cached backend whose id is not in ids.
func (r *Registry) Retain(ids []string) {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	r.entries.Range(func(id string, _ registryEntry) bool {
		if !keep[id] {
			r.entries.Delete(id)
		}
		return true
	})
}
