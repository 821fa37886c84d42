package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trackunblock/work/client"
	"trackunblock/work/types"
	"trackunblock/work/utils"
)

// bodyPreview bounds how much of a response body goes into errors and traces.
const bodyPreview = 200

// getJSON performs a single GET and decodes a JSON body. Transport failures and
// HTTP errors become MatchError or TimeoutError.
func getJSON(ctx context.Context, c *client.HeaderSettingClient, backend, target string) (any, *client.Response, error) {
	tracef(ctx, "→ GET %s", target)
	resp, err := c.Get(ctx, target)
	if err != nil {
		tracef(ctx, "✗ GET %s: %v", target, err)
		return nil, nil, requestError(ctx, backend, err)
	}
	tracef(ctx, "← %d (%dms, %d bytes) %s", resp.StatusCode, resp.Elapsed.Milliseconds(), len(resp.Body),
		utils.Truncate(string(resp.Body), bodyPreview))

	if resp.StatusCode >= 400 {
		return nil, resp, &MatchError{Backend: backend, Status: resp.StatusCode,
			Message: "upstream error: " + utils.Truncate(strings.TrimSpace(string(resp.Body)), bodyPreview)}
	}

	var body any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, resp, &MatchError{Backend: backend, Status: resp.StatusCode,
			Message: "response is not JSON: " + utils.Truncate(string(resp.Body), bodyPreview), Err: err}
	}
	return body, resp, nil
}

// requestError separates deadline expiry from other transport failures.
func requestError(ctx context.Context, backend string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Backend: backend, After: attemptBudget(ctx)}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", backend, context.Canceled)
	}
	return &MatchError{Backend: backend, Message: err.Error(), Err: err}
}

// extractURL looks for the stream URL in the usual response shapes: url, data as a
// string, data.url and data[0].url. Blank URLs count as absent.
func extractURL(body any) string {
	return strings.TrimSpace(findURL(body))
}

func findURL(body any) string {
	obj, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := obj["url"].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	switch data := obj["data"].(type) {
	case string:
		if data = strings.TrimSpace(data); strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") {
			return data
		}
	case map[string]any:
		if s, ok := data["url"].(string); ok {
			return s
		}
	case []any:
		if len(data) > 0 {
			if first, ok := data[0].(map[string]any); ok {
				if s, ok := first["url"].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

// fillResult copies the optional fields of a JSON response into result.
func fillResult(result *types.MatchResult, body any) {
	obj, ok := body.(map[string]any)
	if !ok {
		return
	}
	if result.Extra == nil {
		result.Extra = map[string]any{}
	}

	// fields may sit at the top level or inside data / data[0]
	scopes := []map[string]any{obj}
	switch data := obj["data"].(type) {
	case map[string]any:
		scopes = append(scopes, data)
	case []any:
		if len(data) > 0 {
			if first, ok := data[0].(map[string]any); ok {
				scopes = append(scopes, first)
			}
		}
	case string:
		result.Extra["data"] = data
	}

	for _, scope := range scopes {
		if result.Platform == "" {
			result.Platform = firstString(scope, "platform", "source")
		}
		if result.Quality == "" {
			result.Quality = firstString(scope, "quality", "level", "br")
		}
		if v := firstString(scope, "proxyUrl", "proxy_url"); v != "" {
			result.Extra["proxyUrl"] = v
		}
		if v := firstString(scope, "message", "msg", "error"); v != "" {
			result.Extra["message"] = v
		}
		if code, ok := scope["code"]; ok {
			if f, isNum := code.(float64); isNum {
				result.Extra["code"] = int(f)
			} else {
				result.Extra["code"] = code
			}
		}
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// resultFromJSON turns a decoded response into a MatchResult. No URL is a failure
// result, not an error. A match without a reported quality carries the requested one.
func resultFromJSON(backend, requestURL string, req types.MatchRequest, body any) types.MatchResult {
	result := types.MatchResult{
		URL:    extractURL(body),
		Source: backend,
		Extra:  map[string]any{"requestUrl": requestURL},
	}
	fillResult(&result, body)
	if result.OK() && result.Quality == "" {
		result.Quality = req.Quality
	}
	return result
}
