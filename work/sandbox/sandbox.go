// Package sandbox runs third-party plugin scripts in an isolated goja runtime.
//
// A script never gets filesystem access or a module loader. Its only way out is the
// host-provided fetch capability, which is rate limited, bounded per request,
// counted against a per-invocation budget and reported to the trace hook.
//
// Two script conventions are understood:
//
//   - simple: a global (or module.exports) function match(id, title, artist, quality)
//     returning a URL string or an object with a url field, directly or as a Promise.
//   - lx: the LX Music custom source dialect, where the script registers a request
//     handler with lx.on('request', ...) and announces its platforms with
//     lx.send('inited', {sources}).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trackunblock/work/client"
	"trackunblock/work/types"

	"github.com/dop251/goja"
	"go.uber.org/ratelimit"
)

// Convention is the plugin dialect a script follows.
type Convention string

const (
	ConventionSimple Convention = "simple"
	ConventionLX     Convention = "lx"
)

// maxCallStack bounds recursion inside a script.
const maxCallStack = 1024

// maxTimerTicks bounds how many timer callbacks one invocation may run while waiting
// for its result.
const maxTimerTicks = 1000

var (
	// ErrNoEntryPoint means the script neither defines match() nor registers an lx handler.
	ErrNoEntryPoint = errors.New("script exposes neither a match function nor an lx request handler")
	// ErrNeverSettled means the script's promise was still pending with nothing left to run.
	ErrNeverSettled = errors.New("script promise never settled")
	// ErrBudgetExhausted is raised inside the script once it exceeds its request budget.
	ErrBudgetExhausted = errors.New("request budget exhausted")
)

// SyntaxError reports a script that could not be compiled.
type SyntaxError struct {
	Name string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("script %s: %v", e.Name, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// ScriptError is an exception or rejection raised by the script itself.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// InterruptedError reports an invocation stopped by its context.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("script interrupted: %v", e.Cause)
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

// Fetcher is the outbound capability lent to scripts.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header, body io.Reader) (*client.Response, error)
}

// Options configure one invocation.
type Options struct {
	Client       Fetcher
	FetchTimeout time.Duration // per outbound request
	RateLimit    int           // outbound requests per second, 0 means unlimited
	MaxRequests  int           // outbound request budget, 0 means unlimited
	TestMode     bool          // exposed to the script through isTestMode() and lx.testMode
	Trace        func(string)  // receives request and console lines, may be nil
}

// Program is a compiled, reusable script. It is safe for concurrent use; every
// invocation gets its own runtime.
type Program struct {
	name       string
	prog       *goja.Program
	meta       Metadata
	convention Convention
}

// Compile parses src. Any syntax error is returned as a *SyntaxError.
func Compile(name, src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Name: name, Err: errors.New("empty script")}
	}
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, &SyntaxError{Name: name, Err: err}
	}
	return &Program{
		name:       name,
		prog:       prog,
		meta:       ParseMetadata(src),
		convention: DetectConvention(src),
	}, nil
}

// Name returns the name the program was compiled under.
func (p *Program) Name() string { return p.name }

// Metadata returns the header comment fields of the script.
func (p *Program) Metadata() Metadata { return p.meta }

// Convention returns the dialect detected from the source text.
func (p *Program) Convention() Convention { return p.convention }

// Match runs the script in a fresh runtime and resolves req through whichever
// convention the script registered at load time.
func (p *Program) Match(ctx context.Context, opts Options, req types.MatchRequest) (types.MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return types.MatchResult{}, &InterruptedError{Cause: err}
	}

	s := newSandbox(ctx, p.name, opts)
	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt(ctx.Err())
	})
	defer stop()

	if err := s.install(); err != nil {
		return types.MatchResult{}, err
	}

	if _, err := s.vm.RunProgram(p.prog); err != nil {
		return types.MatchResult{}, s.classify(err)
	}
	// let top-level timers (e.g. a deferred lx.send('inited')) fire before dispatch
	if err := s.drainReady(); err != nil {
		return types.MatchResult{}, err
	}

	if s.lx.handler != nil {
		return s.matchLX(req)
	}
	if fn, ok := s.findMatchFunc(); ok {
		return s.matchSimple(fn, req)
	}
	return types.MatchResult{}, ErrNoEntryPoint
}

// sandbox is the per-invocation state. It is only touched from the goroutine
// running Match, apart from vm.Interrupt.
type sandbox struct {
	ctx      context.Context
	name     string
	opts     Options
	vm       *goja.Runtime
	limiter  ratelimit.Limiter
	requests int

	timers    []*timer
	nextTimer int64
	uncaught  error

	lx lxState
}

func newSandbox(ctx context.Context, name string, opts Options) *sandbox {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStack)

	limiter := ratelimit.NewUnlimited()
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(opts.RateLimit)
	}
	return &sandbox{
		ctx:     ctx,
		name:    name,
		opts:    opts,
		vm:      vm,
		limiter: limiter,
	}
}

func (s *sandbox) trace(format string, args ...any) {
	if s.opts.Trace != nil {
		s.opts.Trace(fmt.Sprintf(format, args...))
	}
}

// classify converts a goja failure into the package error types.
func (s *sandbox) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause := s.ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return &InterruptedError{Cause: cause}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ScriptError{Message: exceptionMessage(exception.Value())}
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return &InterruptedError{Cause: ctxErr}
	}
	return &ScriptError{Message: err.Error()}
}

// exceptionMessage renders a thrown value the way a JS console would.
func exceptionMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "script threw " + fmt.Sprint(v)
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			name := "Error"
			if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
				name = n.String()
			}
			return name + ": " + msg.String()
		}
	}
	return v.String()
}

// call invokes fn and waits for the returned value to settle.
func (s *sandbox) call(fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	return s.await(v)
}

// await unwraps a Promise by running queued timers until it settles.
func (s *sandbox) await(v goja.Value) (goja.Value, error) {
	for tick := 0; tick <= maxTimerTicks; tick++ {
		p, ok := v.Export().(*goja.Promise)
		if !ok {
			return v, nil
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Message: exceptionMessage(p.Result())}
		}

		ran, err := s.runNextTimer()
		if err != nil {
			return nil, err
		}
		if !ran {
			if s.uncaught != nil {
				return nil, s.uncaught
			}
			return nil, ErrNeverSettled
		}
	}
	return nil, ErrNeverSettled
}

// findMatchFunc looks for the simple convention entry point.
func (s *sandbox) findMatchFunc() (goja.Callable, bool) {
	candidates := []goja.Value{s.vm.Get("match")}
	if module := s.vm.Get("module"); module != nil && !goja.IsUndefined(module) {
		if exports := module.ToObject(s.vm).Get("exports"); exports != nil && !goja.IsUndefined(exports) {
			exportsObj := exports.ToObject(s.vm)
			candidates = append(candidates, exportsObj.Get("match"), exports)
			if def := exportsObj.Get("default"); def != nil && !goja.IsUndefined(def) {
				candidates = append(candidates, def)
			}
		}
	}
	if exports := s.vm.Get("exports"); exports != nil && !goja.IsUndefined(exports) {
		candidates = append(candidates, exports.ToObject(s.vm).Get("match"))
	}

	for _, c := range candidates {
		if c == nil || goja.IsUndefined(c) || goja.IsNull(c) {
			continue
		}
		if fn, ok := goja.AssertFunction(c); ok {
			return fn, true
		}
	}
	return nil, false
}
