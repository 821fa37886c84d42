package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"trackunblock/work/types"
)

// ProxyBackend delegates matching to a remote unblock proxy. The mode selects the
// endpoint convention; the search mode runs a keyword search and picks the best
// candidate locally.
type ProxyBackend struct {
	id     string
	name   string
	server string // without trailing slash
	mode   types.ProxyMode
	deps   Deps
}

func newProxyBackend(cfg types.SourceConfig, deps Deps) *ProxyBackend {
	return &ProxyBackend{
		id:     cfg.ID,
		name:   cfg.Name,
		server: strings.TrimRight(cfg.Params.ServerURL, "/"),
		mode:   cfg.Params.Mode,
		deps:   deps,
	}
}

func (b *ProxyBackend) ID() string             { return b.id }
func (b *ProxyBackend) Name() string           { return b.name }
func (b *ProxyBackend) Kind() types.SourceKind { return types.KindProxy }

func (b *ProxyBackend) Describe() []string {
	return []string{"Type: proxy", "Server: " + b.server, "Mode: " + string(b.mode)}
}

// Preview returns the exact request URL; for search mode it is the first query.
func (b *ProxyBackend) Preview(req types.MatchRequest) string {
	switch b.mode {
	case types.ModeMatch:
		return fmt.Sprintf("%s/song/url/match?id=%d", b.server, req.TrackID)
	case types.ModeNCMGet:
		return fmt.Sprintf("%s/song/url/ncmget?id=%d&br=%s", b.server, req.TrackID, url.QueryEscape(req.Quality))
	case types.ModeGD:
		return fmt.Sprintf("%s?types=url&id=%d&br=%s", b.server, req.TrackID, url.QueryEscape(req.Quality))
	case types.ModeSearch:
		queries := searchQueries(req)
		if len(queries) == 0 {
			return ""
		}
		return b.searchURL(queries[0], req.Quality)
	}
	return ""
}

func (b *ProxyBackend) Match(ctx context.Context, req types.MatchRequest) (types.MatchResult, error) {
	if b.mode == types.ModeSearch {
		return b.matchSearch(ctx, req)
	}
	target := b.Preview(req)
	body, _, err := getJSON(ctx, b.deps.Client, b.name, target)
	if err != nil {
		return types.MatchResult{}, err
	}
	result := resultFromJSON(b.name, target, req, body)
	if result.Platform == "" && result.OK() {
		result.Platform = string(b.mode)
	}
	return result, nil
}
