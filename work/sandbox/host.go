package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trackunblock/work/client"
	"trackunblock/work/logger"
	"trackunblock/work/metrics"
	"trackunblock/work/utils"

	"github.com/dop251/goja"
)

// traceBodyPreview is how much of a response body is copied into trace lines.
const traceBodyPreview = 240

type timer struct {
	id   int64
	due  time.Time
	fn   goja.Callable
	args []goja.Value
}

// install defines every global a script may use.
func (s *sandbox) install() error {
	vm := s.vm

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return err
	}

	globals := map[string]any{
		"globalThis":   vm.GlobalObject(),
		"module":       module,
		"exports":      exports,
		"console":      s.console(),
		"fetch":        s.fetch,
		"setTimeout":   s.setTimeout,
		"clearTimeout": s.clearTimeout,
		"isTestMode":   func() bool { return s.opts.TestMode },
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return s.installLX()
}

func (s *sandbox) console() *goja.Object {
	console := s.vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = s.stringify(arg)
			}
			line := strings.Join(parts, " ")
			s.trace("[console.%s] %s", level, line)
			logger.Debug("{sandbox/host - console} [%s] %s", s.name, line)
			return goja.Undefined()
		})
	}
	return console
}

// stringify renders objects as JSON and everything else with its JS string form.
func (s *sandbox) stringify(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if data, err := obj.MarshalJSON(); err == nil {
				return string(data)
			}
		}
	}
	return v.String()
}

func (s *sandbox) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("setTimeout callback is not a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	return s.vm.ToValue(s.schedule(fn, delay, args...))
}

func (s *sandbox) schedule(fn goja.Callable, delay time.Duration, args ...goja.Value) int64 {
	s.nextTimer++
	s.timers = append(s.timers, &timer{id: s.nextTimer, due: time.Now().Add(delay), fn: fn, args: args})
	return s.nextTimer
}

func (s *sandbox) clearTimeout(call goja.FunctionCall) goja.Value {
	s.cancelTimer(call.Argument(0).ToInteger())
	return goja.Undefined()
}

func (s *sandbox) cancelTimer(id int64) {
	for i, t := range s.timers {
		if t.id == id {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// earliest returns the index of the timer due first, or -1.
func (s *sandbox) earliest() int {
	best := -1
	for i, t := range s.timers {
		if best < 0 || t.due.Before(s.timers[best].due) {
			best = i
		}
	}
	return best
}

// runNextTimer waits for and runs the earliest timer. It reports false when the
// queue is empty.
func (s *sandbox) runNextTimer() (bool, error) {
	i := s.earliest()
	if i < 0 {
		return false, nil
	}
	t := s.timers[i]
	s.timers = append(s.timers[:i], s.timers[i+1:]...)

	if wait := time.Until(t.due); wait > 0 {
		tm := time.NewTimer(wait)
		select {
		case <-tm.C:
		case <-s.ctx.Done():
			tm.Stop()
			return false, &InterruptedError{Cause: s.ctx.Err()}
		}
	}

	if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
		classified := s.classify(err)
		var interrupted *InterruptedError
		if errors.As(classified, &interrupted) {
			return false, classified
		}
		// an exception in a callback does not reject anything by itself, but it is
		// the most useful error to report if the result never settles
		s.uncaught = classified
		s.trace("uncaught exception in timer: %v", classified)
	}
	return true, nil
}

// drainReady runs timers that are already due, such as setTimeout(fn, 0).
func (s *sandbox) drainReady() error {
	for tick := 0; tick < maxTimerTicks; tick++ {
		i := s.earliest()
		if i < 0 || s.timers[i].due.After(time.Now()) {
			return nil
		}
		if _, err := s.runNextTimer(); err != nil {
			return err
		}
	}
	return nil
}

// request performs one outbound call on behalf of the script.
func (s *sandbox) request(method, rawURL string, header http.Header, body io.Reader) (*client.Response, error) {
	if s.opts.Client == nil {
		return nil, errors.New("network access is not available")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid request url %q", rawURL)
	}
	if s.opts.MaxRequests > 0 && s.requests >= s.opts.MaxRequests {
		s.trace("✗ %s %s: %v", method, rawURL, ErrBudgetExhausted)
		return nil, ErrBudgetExhausted
	}
	s.requests++
	s.limiter.Take()

	ctx := s.ctx
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}

	s.trace("→ %s %s", method, rawURL)
	resp, err := s.opts.Client.Fetch(ctx, method, rawURL, header, body)
	if err != nil {
		metrics.ScriptRequests.WithLabelValues(s.name, "error").Inc()
		s.trace("✗ %s %s: %v", method, rawURL, err)
		return nil, err
	}
	metrics.ScriptRequests.WithLabelValues(s.name, "ok").Inc()
	s.trace("← %d %s (%dms, %d bytes) %s", resp.StatusCode, rawURL, resp.Elapsed.Milliseconds(), len(resp.Body),
		utils.Truncate(string(resp.Body), traceBodyPreview))
	return resp, nil
}

// fetch implements a synchronous subset of the WHATWG fetch API that returns an
// already settled Promise.
func (s *sandbox) fetch(call goja.FunctionCall) goja.Value {
	target := call.Argument(0).String()
	method := http.MethodGet
	header := http.Header{}
	var body io.Reader

	if init := call.Argument(1); !goja.IsUndefined(init) && !goja.IsNull(init) {
		obj := init.ToObject(s.vm)
		if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
			method = strings.ToUpper(m.String())
		}
		s.copyHeaders(obj.Get("headers"), header)
		if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
			body = strings.NewReader(b.String())
		}
	}

	resp, err := s.request(method, target, header, body)
	if err != nil {
		return s.rejected(err)
	}
	return s.resolved(s.responseObject(target, resp))
}

func (s *sandbox) copyHeaders(v goja.Value, into http.Header) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return
	}
	for k, val := range m {
		into.Set(k, fmt.Sprint(val))
	}
}

func (s *sandbox) responseObject(target string, resp *client.Response) *goja.Object {
	vm := s.vm
	body := string(resp.Body)

	headers := vm.NewObject()
	headers.Set("get", func(name string) goja.Value {
		if v := resp.Header.Get(name); v != "" {
			return vm.ToValue(v)
		}
		return goja.Null()
	})

	obj := vm.NewObject()
	obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	obj.Set("status", resp.StatusCode)
	obj.Set("statusText", http.StatusText(resp.StatusCode))
	obj.Set("url", target)
	obj.Set("headers", headers)
	obj.Set("text", func() goja.Value { return s.resolved(body) })
	obj.Set("json", func() goja.Value {
		v, err := s.parseJSON(body)
		if err != nil {
			return s.rejected(err)
		}
		return s.resolved(v)
	})
	return obj
}

// parseJSON uses the runtime's own JSON.parse so values behave like native objects.
func (s *sandbox) parseJSON(text string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(s.vm.Get("JSON").ToObject(s.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	v, err := parse(goja.Undefined(), s.vm.ToValue(text))
	if err != nil {
		return nil, s.classify(err)
	}
	return v, nil
}

func (s *sandbox) resolved(v interface{}) goja.Value {
	p, resolve, _ := s.vm.NewPromise()
	resolve(v)
	return s.vm.ToValue(p)
}

func (s *sandbox) rejected(err error) goja.Value {
	p, _, reject := s.vm.NewPromise()
	reject(s.vm.NewGoError(err))
	return s.vm.ToValue(p)
}
