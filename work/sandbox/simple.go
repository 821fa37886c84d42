package sandbox

import (
	"fmt"
	"strings"

	"trackunblock/work/types"

	"github.com/dop251/goja"
)

func (s *sandbox) matchSimple(fn goja.Callable, req types.MatchRequest) (types.MatchResult, error) {
	s.trace("match(%d, %q, %q, %q)", req.TrackID, req.Title, req.Artist, req.Quality)
	v, err := s.call(fn,
		s.vm.ToValue(req.TrackID),
		s.vm.ToValue(req.Title),
		s.vm.ToValue(req.Artist),
		s.vm.ToValue(req.Quality),
	)
	if err != nil {
		return types.MatchResult{}, err
	}
	result := normalizeResult(v)
	if result.Extra == nil {
		result.Extra = map[string]any{}
	}
	result.Extra["convention"] = string(ConventionSimple)
	return result, nil
}

// normalizeResult accepts a URL string or an object carrying url, platform and
// quality. Unknown object fields are kept as extra diagnostics. A blank URL is no URL.
func normalizeResult(v goja.Value) types.MatchResult {
	if !present(v) {
		return types.MatchResult{}
	}
	switch x := v.Export().(type) {
	case string:
		return types.MatchResult{URL: strings.TrimSpace(x)}
	case map[string]interface{}:
		result := types.MatchResult{Extra: map[string]any{}}
		for k, val := range x {
			switch k {
			case "url":
				if str, ok := val.(string); ok {
					result.URL = strings.TrimSpace(str)
				}
			case "platform", "source":
				if str, ok := val.(string); ok && result.Platform == "" {
					result.Platform = str
				}
			case "quality", "br", "type":
				if val != nil && result.Quality == "" {
					result.Quality = fmt.Sprint(val)
				}
			default:
				result.Extra[k] = val
			}
		}
		return result
	default:
		return types.MatchResult{Extra: map[string]any{"raw": fmt.Sprint(x)}}
	}
}
