package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"trackunblock/work/backend"
	"trackunblock/work/types"
	"trackunblock/work/utils"
)

// CanaryQuality is the quality requested for every canary track.
const CanaryQuality = "320"

// Canaries is the fixed health-check track set.
var Canaries = []types.CanaryTrack{
	{ID: 186016, Title: "晴天", Artist: "周杰伦"},
	{ID: 347230, Title: "海阔天空", Artist: "Beyond"},
	{ID: 25906124, Title: "成都", Artist: "赵雷"},
}

const (
	rawPreview     = 300
	unavailableMsg = "all canary tracks failed"
)

// transcript collects report lines; trace hooks may append from sandbox goroutines.
type transcript struct {
	mu    sync.Mutex
	lines []string
}

func (t *transcript) add(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

func (t *transcript) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// run tests b against every canary in turn and builds the report. Canaries run
// sequentially so a single upstream host never sees more than one request at a time
// from the same backend.
func (p *Prober) run(ctx context.Context, src types.SourceConfig, key string, b backend.Backend) types.DiagnosticReport {
	report := types.DiagnosticReport{
		SourceID:   src.ID,
		SourceName: src.Name,
		StartedAt:  time.Now(),
		Verdict:    types.StateUnavailable,
		Info:       unavailableMsg,
	}

	t := &transcript{}
	t.add("Source: %s", src.Name)
	if key != src.Name {
		t.add("Note: the name %q is shared by several sources; status key is %q", src.Name, key)
	}
	for _, line := range b.Describe() {
		t.add("%s", line)
	}
	if !src.Enabled {
		t.add("Note: source is disabled and is skipped during resolution")
	}

	platform := ""
	lastFailure := ""
	successes := 0
	for _, canary := range p.canaries {
		if ctx.Err() != nil {
			t.add("")
			t.add("✗ aborted: %v", ctx.Err())
			lastFailure = fmt.Sprintf("aborted: %v", ctx.Err())
			break
		}
		req := types.MatchRequest{TrackID: canary.ID, Title: canary.Title, Artist: canary.Artist, Quality: CanaryQuality}
		res, failure, ok := p.runCanary(ctx, t, b, req)
		if !ok {
			lastFailure = failure
		}
		if ok {
			successes++
			if platform == "" {
				platform = res.Platform
				if platform == "" {
					platform = src.Name
				}
			}
		}
	}

	t.add("")
	if successes > 0 {
		report.Verdict = types.StateAvailable
		report.Info = platform
		t.add("Verdict: available (%s), %d/%d canary tracks resolved", platform, successes, len(p.canaries))
	} else {
		if lastFailure != "" {
			report.Info = lastFailure
		}
		t.add("Verdict: unavailable (%s), last failure: %s", unavailableMsg, report.Info)
	}

	report.Duration = time.Since(report.StartedAt)
	report.Lines = t.snapshot()
	return report
}

// runCanary reports the canary outcome; on failure the string says why.
func (p *Prober) runCanary(ctx context.Context, t *transcript, b backend.Backend, req types.MatchRequest) (types.MatchResult, string, bool) {
	t.add("")
	t.add("▶ %s - %s (%d)", req.Title, req.Artist, req.TrackID)
	if preview := b.Preview(req); preview != "" {
		t.add("  request: %s", preview)
	}

	actx, cancel := backend.WithAttemptTimeout(backend.WithTestMode(backend.WithTrace(ctx, func(line string) {
		t.add("    %s", line)
	})), p.timeout)
	defer cancel()

	start := time.Now()
	res, err := safeMatch(actx, b, req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		outcome, reason := backend.Classify(err, false)
		t.add("  ✗ [%dms] %s: %s", elapsed, outcome, reason)
		return res, outcome + ": " + reason, false
	}
	if !res.OK() {
		msg := "no url in response"
		if m, ok := res.Extra["message"]; ok {
			msg = fmt.Sprint(m)
		}
		if code, ok := res.Extra["code"]; ok {
			msg = fmt.Sprintf("%s (code %v)", msg, code)
		}
		t.add("  ✗ [%dms] empty: %s", elapsed, msg)
		p.addRaw(t, res)
		return res, "empty: " + msg, false
	}

	t.add("  ✓ [%dms] platform=%s quality=%s", elapsed, orDash(res.Platform), orDash(res.Quality))
	t.add("  url: %s", res.URL)
	if proxyURL, ok := res.Extra["proxyUrl"]; ok {
		t.add("  proxyUrl: %v", proxyURL)
	}
	p.addRaw(t, res)
	for _, line := range p.verifier.Verify(ctx, res.URL) {
		t.add("  %s", line)
	}
	return res, "", true
}

func (p *Prober) addRaw(t *transcript, res types.MatchResult) {
	if len(res.Extra) == 0 {
		return
	}
	raw, err := json.Marshal(res.Extra)
	if err != nil {
		return
	}
	t.add("  raw: %s", utils.Truncate(string(raw), rawPreview))
}

// safeMatch turns a backend panic into an error.
func safeMatch(ctx context.Context, b backend.Backend, req types.MatchRequest) (res types.MatchResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = types.MatchResult{}
			err = &backend.MatchError{Backend: b.Name(), Message: fmt.Sprintf("backend panic: %v", p)}
		}
	}()
	return b.Match(ctx, req)
}
