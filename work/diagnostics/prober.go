// Package diagnostics probes every configured backend against a fixed canary track
// set and keeps an in-memory availability map.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trackunblock/work/backend"
	"trackunblock/work/logger"
	"trackunblock/work/metrics"
	"trackunblock/work/types"
	"trackunblock/work/utils"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrUnknownSource is returned by TestOne for an id the store does not hold.
var ErrUnknownSource = errors.New("unknown source")

// Sources is the read side of the source store.
type Sources interface {
	List() []types.SourceConfig
	All() []types.SourceConfig
	Get(id string) (types.SourceConfig, bool)
}

// BackendProvider builds (or returns a cached) backend for a source.
type BackendProvider interface {
	Get(cfg types.SourceConfig) (backend.Backend, error)
}

// Options tune a Prober.
type Options struct {
	Timeout  time.Duration       // per canary attempt
	Verifier *Verifier           // nil skips stream verification
	Canaries []types.CanaryTrack // nil uses Canaries
}

// Prober runs diagnostics. Each backend's status lives in its own entry with its own
// lock, so concurrent tasks on different backends never contend.
type Prober struct {
	sources  Sources
	backends BackendProvider
	pool     *ants.Pool
	timeout  time.Duration
	verifier *Verifier
	canaries []types.CanaryTrack

	entries *xsync.MapOf[string, *entry] // keyed by source id

	subMu   sync.Mutex
	subs    map[int]chan types.StatusUpdate
	nextSub int
}

type entry struct {
	mu      sync.Mutex
	id      string
	key     string
	status  types.SourceTestStatus
	removed bool
}

// New creates a prober running tasks on pool.
func New(sources Sources, backends BackendProvider, pool *ants.Pool, opts Options) *Prober {
	canaries := opts.Canaries
	if canaries == nil {
		canaries = Canaries
	}
	return &Prober{
		sources:  sources,
		backends: backends,
		pool:     pool,
		timeout:  opts.Timeout,
		verifier: opts.Verifier,
		canaries: canaries,
		entries:  xsync.NewMapOf[string, *entry](),
		subs:     make(map[int]chan types.StatusUpdate),
	}
}

// TestAll resets the status map, marks every enabled backend checking and tests
// them concurrently. The returned channel receives every status change of this run
// and is closed when all tasks finish. Disabled backends are never invoked.
func (p *Prober) TestAll(ctx context.Context) <-chan types.StatusUpdate {
	sources := p.sources.List()
	keys := statusKeys(p.sources.All())
	out := make(chan types.StatusUpdate, 3*len(sources))

	p.reset()
	entries := make([]*entry, len(sources))
	for i, src := range sources {
		entries[i] = p.entryFor(src.ID, keys[src.ID])
		p.set(entries[i], types.StateChecking, "", out)
	}

	logger.Info("{diagnostics/prober - TestAll} Testing %d sources", len(sources))

	go func() {
		var wg sync.WaitGroup
		for i, src := range sources {
			e := entries[i]
			src := src
			wg.Add(1)
			task := func() {
				defer wg.Done()
				p.testEntry(ctx, src, e, out)
			}
			if err := p.pool.Submit(task); err != nil {
				logger.Error("{diagnostics/prober - TestAll} Submit failed for %s: %v", src.Name, err)
				go task()
			}
		}
		wg.Wait()

		available := 0
		for _, e := range entries {
			if st, ok := e.get(); ok && st.State == types.StateAvailable {
				available++
			}
		}
		metrics.SourcesAvailable.Set(float64(available))
		logger.Info("{diagnostics/prober - TestAll} Finished: %d/%d sources available", available, len(sources))
		close(out)
	}()

	return out
}

func (p *Prober) testEntry(ctx context.Context, src types.SourceConfig, e *entry, out chan<- types.StatusUpdate) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("{diagnostics/prober - testEntry} %s panicked: %v", src.Name, r)
			p.set(e, types.StateUnavailable, fmt.Sprintf("probe panic: %v", r), out)
		}
	}()

	b, err := p.backends.Get(src)
	if err != nil {
		p.set(e, types.StateUnavailable, err.Error(), out)
		metrics.ProbeVerdicts.WithLabelValues(src.Name, string(types.StateUnavailable)).Inc()
		return
	}
	report := p.run(ctx, src, e.keyName(), b)
	p.set(e, report.Verdict, report.Info, out)
	metrics.ProbeVerdicts.WithLabelValues(src.Name, string(report.Verdict)).Inc()
	logger.Debug("{diagnostics/prober - testEntry} %s: %s (%s) in %s", src.Name, report.Verdict, report.Info,
		report.Duration.Round(time.Millisecond))
}

// TestOne runs the canary set against one source, enabled or not, and returns the
// full report. The source's status entry is updated with the verdict.
func (p *Prober) TestOne(ctx context.Context, id string) (types.DiagnosticReport, error) {
	src, ok := p.sources.Get(id)
	if !ok {
		return types.DiagnosticReport{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	key := statusKeys(p.sources.All())[id]
	e := p.entryFor(id, key)
	p.set(e, types.StateChecking, "", nil)

	b, err := p.backends.Get(src)
	if err != nil {
		p.set(e, types.StateUnavailable, err.Error(), nil)
		return types.DiagnosticReport{}, err
	}

	report := p.run(ctx, src, key, b)
	p.set(e, report.Verdict, report.Info, nil)
	metrics.ProbeVerdicts.WithLabelValues(src.Name, string(report.Verdict)).Inc()
	logger.Info("{diagnostics/prober - TestOne} %s: %s in %s", src.Name, report.Verdict, report.Duration.Round(time.Millisecond))
	return report, nil
}

// SourcesChanged reconciles the map with the store: removed sources are dropped for
// good, and keys follow renames.
func (p *Prober) SourcesChanged() {
	all := p.sources.All()
	keys := statusKeys(all)
	p.entries.Range(func(id string, e *entry) bool {
		key, exists := keys[id]
		if !exists {
			p.entries.Delete(id)
			e.drop()
			return true
		}
		e.rekey(key)
		return true
	})
}

// Snapshot returns a copy of the status map keyed by status key.
func (p *Prober) Snapshot() map[string]types.SourceTestStatus {
	out := make(map[string]types.SourceTestStatus)
	p.entries.Range(func(_ string, e *entry) bool {
		if st, ok := e.get(); ok {
			out[e.keyName()] = st
		}
		return true
	})
	return out
}

// Status returns the status of one source by id.
func (p *Prober) Status(id string) (types.SourceTestStatus, bool) {
	e, ok := p.entries.Load(id)
	if !ok {
		return types.SourceTestStatus{State: types.StateUnknown}, false
	}
	return e.get()
}

// Subscribe registers a listener for every status change. Slow listeners miss
// updates rather than block probes. The returned func unsubscribes.
func (p *Prober) Subscribe() (<-chan types.StatusUpdate, func()) {
	ch := make(chan types.StatusUpdate, 64)
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
			close(ch)
		})
	}
}

func (p *Prober) publish(u types.StatusUpdate) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// reset drops every entry; tasks of an earlier run still holding one can no
// longer write.
func (p *Prober) reset() {
	p.entries.Range(func(id string, e *entry) bool {
		p.entries.Delete(id)
		e.drop()
		return true
	})
}

func (p *Prober) entryFor(id, key string) *entry {
	e, _ := p.entries.LoadOrCompute(id, func() *entry {
		return &entry{id: id, key: key, status: types.SourceTestStatus{State: types.StateUnknown}}
	})
	e.rekey(key)
	return e
}

// set writes a status unless the entry was dropped, then notifies out and subscribers.
func (p *Prober) set(e *entry, state types.TestState, info string, out chan<- types.StatusUpdate) {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	e.status = types.SourceTestStatus{State: state, Info: info, UpdatedAt: time.Now()}
	u := types.StatusUpdate{Key: e.key, SourceID: e.id, Status: e.status}
	e.mu.Unlock()

	if out != nil {
		out <- u
	}
	p.publish(u)
}

func (e *entry) get() (types.SourceTestStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, !e.removed
}

func (e *entry) keyName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key
}

func (e *entry) rekey(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key = key
}

func (e *entry) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
}

// statusKeys maps source ids to status keys: the name, or "name (id8)" when several
// sources share it.
func statusKeys(all []types.SourceConfig) map[string]string {
	count := make(map[string]int, len(all))
	for _, s := range all {
		count[s.Name]++
	}
	keys := make(map[string]string, len(all))
	for _, s := range all {
		if count[s.Name] > 1 {
			keys[s.ID] = fmt.Sprintf("%s (%s)", s.Name, utils.ShortID(s.ID))
		} else {
			keys[s.ID] = s.Name
		}
	}
	return keys
}
