// Package backend implements the three source strategies behind one Match contract.
package backend

import (
	"context"
	"net/url"
	"strings"
	"time"

	"trackunblock/work/client"
	"trackunblock/work/config"
	"trackunblock/work/types"

	"github.com/grafana/regexp"
)

// Backend resolves one track to a playable URL. An empty URL with a nil error means
// the backend answered without a match; an error means the attempt itself failed.
type Backend interface {
	ID() string
	Name() string
	Kind() types.SourceKind
	// Describe returns header lines for diagnostic reports.
	Describe() []string
	// Preview returns the request URL Match would issue, or "" when it cannot be known.
	Preview(req types.MatchRequest) string
	Match(ctx context.Context, req types.MatchRequest) (types.MatchResult, error)
}

// Deps are the shared resources backends are built with.
type Deps struct {
	Client       *client.HeaderSettingClient
	FetchTimeout time.Duration
	RateLimit    int
	MaxRequests  int
}

// DepsFromConfig wires the outbound client and script limits from the configuration.
func DepsFromConfig(cfg *config.Config, c *client.HeaderSettingClient) Deps {
	return Deps{
		Client:       c,
		FetchTimeout: cfg.FetchTimeout,
		RateLimit:    cfg.ScriptRateLimit,
		MaxRequests:  cfg.ScriptMaxRequests,
	}
}

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

var knownPlaceholders = map[string]bool{
	"id":      true,
	"quality": true,
	"br":      true,
	"baseURL": true,
}

// Validate checks a configuration the way New would, without keeping the result.
func Validate(cfg types.SourceConfig) error {
	switch cfg.Kind {
	case types.KindScript:
		_, err := compileScript(cfg)
		return err
	case types.KindHTTP:
		return validateHTTP(cfg)
	case types.KindProxy:
		return validateProxy(cfg)
	}
	return &ParseError{Source: cfg.Name, Reason: "unknown source kind " + string(cfg.Kind)}
}

// New builds the backend for cfg.
func New(cfg types.SourceConfig, deps Deps) (Backend, error) {
	switch cfg.Kind {
	case types.KindScript:
		prog, err := compileScript(cfg)
		if err != nil {
			return nil, err
		}
		return &ScriptBackend{id: cfg.ID, name: cfg.Name, prog: prog, deps: deps}, nil
	case types.KindHTTP:
		if err := validateHTTP(cfg); err != nil {
			return nil, err
		}
		return newHTTPBackend(cfg, deps), nil
	case types.KindProxy:
		if err := validateProxy(cfg); err != nil {
			return nil, err
		}
		return newProxyBackend(cfg, deps), nil
	}
	return nil, &ParseError{Source: cfg.Name, Reason: "unknown source kind " + string(cfg.Kind)}
}

// checkBaseURL requires an absolute http(s) URL.
func checkBaseURL(source, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ParseError{Source: source, Reason: "base URL is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ParseError{Source: source, Reason: "malformed base URL", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ParseError{Source: source, Reason: "base URL must be an absolute http(s) URL"}
	}
	return nil
}

func validateHTTP(cfg types.SourceConfig) error {
	if err := checkBaseURL(cfg.Name, cfg.Params.BaseURL); err != nil {
		return err
	}
	tpl := cfg.Params.URLTemplate
	if tpl == "" {
		return nil
	}
	if strings.Count(tpl, "{") != strings.Count(tpl, "}") {
		return &ParseError{Source: cfg.Name, Reason: "unbalanced braces in URL template"}
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		if !knownPlaceholders[m[1]] {
			return &ParseError{Source: cfg.Name, Reason: "unknown placeholder {" + m[1] + "} in URL template"}
		}
	}
	if !strings.Contains(tpl, "{id}") {
		return &ParseError{Source: cfg.Name, Reason: "URL template must contain {id}"}
	}
	// the expanded template must itself be a usable URL
	probe := expandTemplate(tpl, cfg.Params.BaseURL, types.MatchRequest{TrackID: 1, Quality: "320"})
	if err := checkBaseURL(cfg.Name, probe); err != nil {
		return &ParseError{Source: cfg.Name, Reason: "URL template does not expand to an absolute http(s) URL"}
	}
	return nil
}

func validateProxy(cfg types.SourceConfig) error {
	if !cfg.Params.Mode.Valid() {
		return &ParseError{Source: cfg.Name, Reason: "unknown proxy mode " + string(cfg.Params.Mode)}
	}
	return checkBaseURL(cfg.Name, cfg.Params.ServerURL)
}
