package sandbox

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"trackunblock/work/client"
	"trackunblock/work/types"

	"github.com/dop251/goja"
)

// lxPreference is the order platforms are tried in when a script declares several.
var lxPreference = []string{"wy", "tx", "kw", "kg", "mg"}

type lxPlatform struct {
	key      string
	name     string
	musicURL bool // advertises the musicUrl action
}

type lxState struct {
	handler   goja.Callable
	platforms []lxPlatform // in declaration order
	inited    bool
}

func (s *sandbox) installLX() error {
	vm := s.vm
	lx := vm.NewObject()

	events := vm.NewObject()
	events.Set("request", "request")
	events.Set("inited", "inited")
	events.Set("updateAlert", "updateAlert")

	script := vm.NewObject()
	script.Set("name", s.name)

	lx.Set("EVENT_NAMES", events)
	lx.Set("version", "2.0.0")
	lx.Set("env", "mobile")
	lx.Set("testMode", s.opts.TestMode)
	lx.Set("currentScriptInfo", script)
	lx.Set("on", s.lxOn)
	lx.Set("send", s.lxSend)
	lx.Set("request", s.lxRequest)
	lx.Set("utils", s.lxUtils())

	return vm.Set("lx", lx)
}

func (s *sandbox) lxOn(call goja.FunctionCall) goja.Value {
	event := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(s.vm.NewTypeError("lx.on handler is not a function"))
	}
	if event != "request" {
		panic(s.vm.NewTypeError(fmt.Sprintf("lx.on: unsupported event %q", event)))
	}
	s.lx.handler = fn
	return s.resolved(goja.Undefined())
}

func (s *sandbox) lxSend(call goja.FunctionCall) goja.Value {
	event := call.Argument(0).String()
	data := call.Argument(1)

	switch event {
	case "inited":
		s.lx.inited = true
		s.lx.platforms = s.parseLXSources(data)
		keys := make([]string, len(s.lx.platforms))
		for i, p := range s.lx.platforms {
			keys[i] = p.key
		}
		s.trace("lx inited: platforms [%s]", strings.Join(keys, ","))
	case "updateAlert":
		s.trace("lx updateAlert: %s", s.stringify(data))
	default:
		return s.rejected(fmt.Errorf("lx.send: unsupported event %q", event))
	}
	return s.resolved(goja.Undefined())
}

// parseLXSources reads the sources map of an inited payload, keeping key order.
func (s *sandbox) parseLXSources(data goja.Value) []lxPlatform {
	if data == nil || goja.IsUndefined(data) || goja.IsNull(data) {
		return nil
	}
	sourcesVal := data.ToObject(s.vm).Get("sources")
	if sourcesVal == nil || goja.IsUndefined(sourcesVal) || goja.IsNull(sourcesVal) {
		return nil
	}
	sources := sourcesVal.ToObject(s.vm)

	var out []lxPlatform
	for _, key := range sources.Keys() {
		p := lxPlatform{key: key, name: key, musicURL: true}
		if entry, ok := sources.Get(key).Export().(map[string]interface{}); ok {
			if name, ok := entry["name"].(string); ok && name != "" {
				p.name = name
			}
			if actions, ok := entry["actions"].([]interface{}); ok {
				p.musicURL = false
				for _, a := range actions {
					if a == "musicUrl" {
						p.musicURL = true
					}
				}
			}
		}
		out = append(out, p)
	}
	return out
}

// platformOrder lists the platforms to try: the preferred ones the script serves
// musicUrl for, then its other musicUrl platforms in declaration order. A script
// that never announced its sources is tried against the whole preference list.
func (st *lxState) platformOrder() []string {
	if len(st.platforms) == 0 {
		return append([]string(nil), lxPreference...)
	}
	served := make(map[string]bool, len(st.platforms))
	for _, p := range st.platforms {
		if p.musicURL {
			served[p.key] = true
		}
	}
	var order []string
	for _, key := range lxPreference {
		if served[key] {
			order = append(order, key)
			delete(served, key)
		}
	}
	for _, p := range st.platforms {
		if served[p.key] {
			order = append(order, p.key)
		}
	}
	return order
}

// lxQuality maps a bitrate request onto the LX quality tiers.
func lxQuality(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	switch q {
	case "128k", "320k", "flac", "flac24bit":
		return q
	case "", "standard":
		return "320k"
	case "lossless":
		return "flac"
	case "hires":
		return "flac24bit"
	}
	br, err := strconv.Atoi(strings.TrimSuffix(q, "k"))
	if err != nil {
		return "320k"
	}
	// accept both kbps (320) and bps (320000)
	if br >= 10000 {
		br /= 1000
	}
	switch {
	case br <= 128:
		return "128k"
	case br <= 320:
		return "320k"
	case br <= 999:
		return "flac"
	default:
		return "flac24bit"
	}
}

func (s *sandbox) matchLX(req types.MatchRequest) (types.MatchResult, error) {
	quality := lxQuality(req.Quality)
	order := s.lx.platformOrder()
	if len(order) == 0 {
		return types.MatchResult{}, errors.New("lx script declares no platform serving musicUrl")
	}

	var lastErr error
	for _, platform := range order {
		id := strconv.FormatInt(req.TrackID, 10)
		musicInfo := map[string]interface{}{
			"songmid":     id,
			"id":          id,
			"hash":        id,
			"copyrightId": id,
			"name":        req.Title,
			"singer":      req.Artist,
			"source":      platform,
			"albumName":   "",
		}
		info := map[string]interface{}{
			"type":      quality,
			"musicInfo": musicInfo,
		}
		arg := s.vm.ToValue(map[string]interface{}{
			"source": platform,
			"action": "musicUrl",
			"info":   info,
		})

		s.trace("lx request: source=%s quality=%s", platform, quality)
		v, err := s.call(s.lx.handler, arg)
		if err != nil {
			var interrupted *InterruptedError
			if errors.As(err, &interrupted) {
				return types.MatchResult{}, err
			}
			s.trace("lx %s failed: %v", platform, err)
			lastErr = err
			continue
		}

		result := normalizeResult(v)
		if result.OK() {
			if result.Platform == "" {
				result.Platform = platform
			}
			if result.Quality == "" {
				result.Quality = quality
			}
			if result.Extra == nil {
				result.Extra = map[string]any{}
			}
			result.Extra["convention"] = string(ConventionLX)
			return result, nil
		}
		s.trace("lx %s returned no url", platform)
	}

	if lastErr != nil {
		return types.MatchResult{}, lastErr
	}
	return types.MatchResult{Extra: map[string]any{"convention": string(ConventionLX), "tried": order}}, nil
}

// lxRequest implements lx.request(url, options, callback). The request runs
// immediately; the callback is queued as a macrotask like the real host does.
func (s *sandbox) lxRequest(call goja.FunctionCall) goja.Value {
	target := call.Argument(0).String()
	cb, ok := goja.AssertFunction(call.Argument(2))
	if !ok {
		panic(s.vm.NewTypeError("lx.request callback is not a function"))
	}

	method := http.MethodGet
	header := http.Header{}
	var body io.Reader

	if optsVal := call.Argument(1); !goja.IsUndefined(optsVal) && !goja.IsNull(optsVal) {
		opts := optsVal.ToObject(s.vm)
		if m := opts.Get("method"); m != nil && !goja.IsUndefined(m) {
			method = strings.ToUpper(m.String())
		}
		s.copyHeaders(opts.Get("headers"), header)
		switch {
		case present(opts.Get("body")):
			b := opts.Get("body")
			if _, isObj := b.(*goja.Object); isObj {
				body = strings.NewReader(s.stringify(b))
				if header.Get("Content-Type") == "" {
					header.Set("Content-Type", "application/json")
				}
			} else {
				body = strings.NewReader(b.String())
			}
		case present(opts.Get("form")):
			form := url.Values{}
			if m, ok := opts.Get("form").Export().(map[string]interface{}); ok {
				for k, v := range m {
					form.Set(k, fmt.Sprint(v))
				}
			}
			body = strings.NewReader(form.Encode())
			header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}

	resp, err := s.request(method, target, header, body)
	var id int64
	if err != nil {
		id = s.schedule(cb, 0, s.vm.NewGoError(err))
	} else {
		respObj, bodyVal := s.lxResponse(resp)
		id = s.schedule(cb, 0, goja.Null(), respObj, bodyVal)
	}

	return s.vm.ToValue(func() { s.cancelTimer(id) })
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// lxResponse builds the response object; the body is parsed JSON when possible.
func (s *sandbox) lxResponse(resp *client.Response) (*goja.Object, goja.Value) {
	var body goja.Value = s.vm.ToValue(string(resp.Body))
	if json.Valid(resp.Body) {
		if parsed, err := s.parseJSON(string(resp.Body)); err == nil {
			body = parsed
		}
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	obj := s.vm.NewObject()
	obj.Set("statusCode", resp.StatusCode)
	obj.Set("statusMessage", http.StatusText(resp.StatusCode))
	obj.Set("headers", headers)
	obj.Set("bytes", len(resp.Body))
	obj.Set("body", body)
	return obj, body
}

func (s *sandbox) lxUtils() *goja.Object {
	vm := s.vm

	crypto := vm.NewObject()
	crypto.Set("md5", func(call goja.FunctionCall) goja.Value {
		data, ok := s.bytesOf(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("md5 expects a string or buffer"))
		}
		sum := md5.Sum(data)
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})
	crypto.Set("randomBytes", func(call goja.FunctionCall) goja.Value {
		n := call.Argument(0).ToInteger()
		if n < 0 || n > 1<<16 {
			panic(vm.NewTypeError("randomBytes size out of range"))
		}
		b := make([]byte, n)
		if _, err := rand.Read(b); err != nil {
			panic(vm.NewGoError(err))
		}
		return s.newBuffer(b)
	})

	buffer := vm.NewObject()
	buffer.Set("from", func(call goja.FunctionCall) goja.Value {
		input := call.Argument(0)
		if str, ok := input.Export().(string); ok {
			b, err := decodeString(str, call.Argument(1))
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return s.newBuffer(b)
		}
		b, ok := s.bytesOf(input)
		if !ok {
			panic(vm.NewTypeError("buffer.from expects a string, array or buffer"))
		}
		return s.newBuffer(b)
	})
	buffer.Set("bufToString", func(call goja.FunctionCall) goja.Value {
		b, ok := s.bytesOf(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("bufToString expects a buffer"))
		}
		switch strings.ToLower(call.Argument(1).String()) {
		case "hex":
			return vm.ToValue(hex.EncodeToString(b))
		case "base64":
			return vm.ToValue(base64.StdEncoding.EncodeToString(b))
		default:
			return vm.ToValue(string(b))
		}
	})

	utils := vm.NewObject()
	utils.Set("crypto", crypto)
	utils.Set("buffer", buffer)
	return utils
}

func decodeString(str string, encoding goja.Value) ([]byte, error) {
	enc := "utf8"
	if present(encoding) {
		enc = strings.ToLower(encoding.String())
	}
	switch enc {
	case "hex":
		return hex.DecodeString(str)
	case "base64":
		return base64.StdEncoding.DecodeString(str)
	default:
		return []byte(str), nil
	}
}

// newBuffer returns a Uint8Array backed by a copy of b.
func (s *sandbox) newBuffer(b []byte) goja.Value {
	ab := s.vm.NewArrayBuffer(append([]byte(nil), b...))
	arr, err := s.vm.New(s.vm.Get("Uint8Array"), s.vm.ToValue(ab))
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	return arr
}

// bytesOf accepts strings, typed arrays, array buffers and arrays of numbers.
func (s *sandbox) bytesOf(v goja.Value) ([]byte, bool) {
	if !present(v) {
		return nil, false
	}
	switch x := v.Export().(type) {
	case string:
		return []byte(x), true
	case []byte:
		return x, true
	case goja.ArrayBuffer:
		return x.Bytes(), true
	case []interface{}:
		out := make([]byte, len(x))
		for i, n := range x {
			switch num := n.(type) {
			case int64:
				out[i] = byte(num)
			case float64:
				out[i] = byte(int64(num))
			default:
				return nil, false
			}
		}
		return out, true
	}

	// typed arrays exported in some other shape: read through their buffer view
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	bufVal := obj.Get("buffer")
	if !present(bufVal) {
		return nil, false
	}
	ab, ok := bufVal.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	all := ab.Bytes()
	off := obj.Get("byteOffset").ToInteger()
	n := obj.Get("byteLength").ToInteger()
	if off < 0 || n < 0 || off+n > int64(len(all)) {
		return nil, false
	}
	return all[off : off+n], true
}
