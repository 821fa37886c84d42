package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"trackunblock/work/logger"
	"trackunblock/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// failureWarnThreshold is the number of consecutive unavailable verdicts after which
// a source is reported at WARN level.
const failureWarnThreshold = 3

// Prober is the diagnostics entry point the watcher drives.
type Prober interface {
	TestAll(ctx context.Context) <-chan types.StatusUpdate
}

// Watcher runs a diagnostics pass at startup and then on a fixed interval, keeping
// track of how many consecutive passes each source has failed.
//
// Only one pass runs at a time; a tick that arrives while a pass is still running is
// skipped. The watcher never changes the source configuration, it only observes.
type Watcher struct {
	prober   Prober
	interval time.Duration // 0 runs the startup pass only

	failures *xsync.MapOf[string, int] // source id -> consecutive unavailable passes
	enabled  atomic.Bool
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nano of the last finished pass
	stopChan chan struct{}
	trigger  chan struct{}
}

// NewWatcher creates a stopped watcher.
func NewWatcher(prober Prober, interval time.Duration) *Watcher {
	return &Watcher{
		prober:   prober,
		interval: interval,
		failures: xsync.NewMapOf[string, int](),
		stopChan: make(chan struct{}),
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the background loop. It is idempotent.
func (w *Watcher) Start() {
	if !w.enabled.CompareAndSwap(false, true) {
		return
	}
	go w.loop()
}

// Stop ends the background loop. A pass already running finishes on its own.
func (w *Watcher) Stop() {
	if !w.enabled.CompareAndSwap(true, false) {
		return
	}
	close(w.stopChan)
}

// Trigger asks for an immediate pass; it is dropped if one is already queued.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Running reports whether a pass is in progress.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// LastRun returns when the last pass finished, or the zero time.
func (w *Watcher) LastRun() time.Time {
	ns := w.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Failures returns the consecutive unavailable count per source id.
func (w *Watcher) Failures() map[string]int {
	out := make(map[string]int)
	w.failures.Range(func(id string, n int) bool {
		out[id] = n
		return true
	})
	return out
}

// Forget drops the counter of a removed source.
func (w *Watcher) Forget(id string) {
	w.failures.Delete(id)
}

func (w *Watcher) loop() {
	w.RunOnce(context.Background())

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.stopChan:
			return
		case <-tick:
			w.RunOnce(context.Background())
		case <-w.trigger:
			w.RunOnce(context.Background())
		}
	}
}

// RunOnce performs one diagnostics pass and waits for it. It returns false when a
// pass was already running.
func (w *Watcher) RunOnce(ctx context.Context) bool {
	if !w.running.CompareAndSwap(false, true) {
		logger.Debug("{watcher - RunOnce} Pass already running, skipping")
		return false
	}
	defer w.running.Store(false)

	start := time.Now()
	available, total := 0, 0
	for u := range w.prober.TestAll(ctx) {
		switch u.Status.State {
		case types.StateAvailable:
			total++
			available++
			w.failures.Store(u.SourceID, 0)
		case types.StateUnavailable:
			total++
			n, _ := w.failures.Compute(u.SourceID, func(old int, _ bool) (int, bool) {
				return old + 1, false
			})
			if n >= failureWarnThreshold {
				logger.Warn("{watcher - RunOnce} %s unavailable for %d consecutive passes: %s", u.Key, n, u.Status.Info)
			}
		}
	}

	w.lastRun.Store(time.Now().UnixNano())
	logger.Info("{watcher - RunOnce} Pass finished in %s: %d/%d sources available",
		time.Since(start).Round(time.Millisecond), available, total)
	return true
}
