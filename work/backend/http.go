package backend

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"trackunblock/work/types"
)

// DefaultURLTemplate is used when an HTTP source has no template of its own.
const DefaultURLTemplate = "{baseURL}?types=url&id={id}&br={quality}"

// HTTPBackend issues one GET to a templated URL and reads the stream URL out of the
// JSON answer.
type HTTPBackend struct {
	id       string
	name     string
	baseURL  string
	template string
	deps     Deps
}

func newHTTPBackend(cfg types.SourceConfig, deps Deps) *HTTPBackend {
	tpl := cfg.Params.URLTemplate
	if tpl == "" {
		tpl = DefaultURLTemplate
	}
	return &HTTPBackend{
		id:       cfg.ID,
		name:     cfg.Name,
		baseURL:  cfg.Params.BaseURL,
		template: tpl,
		deps:     deps,
	}
}

func (b *HTTPBackend) ID() string             { return b.id }
func (b *HTTPBackend) Name() string           { return b.name }
func (b *HTTPBackend) Kind() types.SourceKind { return types.KindHTTP }

func (b *HTTPBackend) Describe() []string {
	lines := []string{"Type: http", "API base: " + b.baseURL}
	if b.template != DefaultURLTemplate {
		lines = append(lines, "URL template: "+b.template)
	}
	return lines
}

func (b *HTTPBackend) Preview(req types.MatchRequest) string {
	return expandTemplate(b.template, b.baseURL, req)
}

func (b *HTTPBackend) Match(ctx context.Context, req types.MatchRequest) (types.MatchResult, error) {
	target := b.Preview(req)
	body, _, err := getJSON(ctx, b.deps.Client, b.name, target)
	if err != nil {
		return types.MatchResult{}, err
	}
	return resultFromJSON(b.name, target, req, body), nil
}

// expandTemplate substitutes {baseURL}, {id}, {quality} and {br}. {br} is the
// requested quality as well; both are query-escaped.
func expandTemplate(tpl, baseURL string, req types.MatchRequest) string {
	quality := url.QueryEscape(req.Quality)
	return strings.NewReplacer(
		"{baseURL}", baseURL,
		"{id}", strconv.FormatInt(req.TrackID, 10),
		"{quality}", quality,
		"{br}", quality,
	).Replace(tpl)
}
