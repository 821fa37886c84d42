package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"trackunblock/work/types"
	"trackunblock/work/utils"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/grafana/regexp"
)

// searchThreshold is the minimum weighted score a candidate needs to be accepted.
const searchThreshold = 0.4

var titleNoiseRes = []*regexp.Regexp{
	regexp.MustCompile(`\s*[(（].*?[)）]`),
	regexp.MustCompile(`\s*[\[【].*?[\]】]`),
	regexp.MustCompile(`(?i)\s*-\s*(remix|live|cover|翻唱|伴奏|inst).*$`),
}

// cleanTitle strips bracketed annotations and remix/live suffixes.
func cleanTitle(title string) string {
	for _, re := range titleNoiseRes {
		title = re.ReplaceAllString(title, "")
	}
	return strings.TrimSpace(title)
}

// searchQueries returns the keyword queries tried in order: title with first
// artist, bare title, then the cleaned title when it differs.
func searchQueries(req types.MatchRequest) []string {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil
	}
	var queries []string
	if artist := utils.FirstArtist(req.Artist); artist != "" {
		queries = append(queries, title+" "+artist)
	}
	queries = append(queries, title)
	if cleaned := cleanTitle(title); cleaned != "" && cleaned != title {
		queries = append(queries, cleaned)
	}
	return queries
}

// searchQuality maps a bitrate onto the search API's tier names; tier names pass through.
func searchQuality(q string) string {
	br, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(q)), "k"))
	if err != nil {
		if q == "" {
			return "high"
		}
		return q
	}
	if br >= 10000 {
		br /= 1000
	}
	switch {
	case br <= 128:
		return "normal"
	case br <= 320:
		return "high"
	case br <= 999:
		return "sq"
	default:
		return "res"
	}
}

func (b *ProxyBackend) searchURL(keywords, quality string) string {
	v := url.Values{}
	v.Set("keywords", keywords)
	v.Set("quality", searchQuality(quality))
	return b.server + "/music/search_with_url?" + v.Encode()
}

func (b *ProxyBackend) matchSearch(ctx context.Context, req types.MatchRequest) (types.MatchResult, error) {
	queries := searchQueries(req)
	if len(queries) == 0 {
		return types.MatchResult{Source: b.name, Extra: map[string]any{"message": "track has no title to search for"}}, nil
	}

	var lastErr error
	for _, q := range queries {
		target := b.searchURL(q, req.Quality)
		body, _, err := getJSON(ctx, b.deps.Client, b.name, target)
		if err != nil {
			var timeout *TimeoutError
			if errors.As(err, &timeout) || ctx.Err() != nil {
				return types.MatchResult{}, err
			}
			lastErr = err
			continue
		}

		candidates := searchLists(body)
		if len(candidates) == 0 {
			tracef(ctx, "search %q: no candidates", q)
			continue
		}
		best, score := bestCandidate(candidates, req.Title, req.Artist)
		if best == nil {
			tracef(ctx, "search %q: best score %.2f below threshold", q, score)
			continue
		}
		playURL := strings.TrimSpace(firstString(best, "proxy_play_url", "play_url"))
		if playURL == "" {
			tracef(ctx, "search %q: matched %q without a play url", q, best["FileName"])
			continue
		}
		tracef(ctx, "search %q: matched %q (score %.2f)", q, best["FileName"], score)

		extra := map[string]any{"requestUrl": target, "score": score}
		for k, v := range best {
			extra[k] = v
		}
		return types.MatchResult{
			URL:      playURL,
			Platform: b.name,
			Quality:  req.Quality,
			Source:   b.name,
			Extra:    extra,
		}, nil
	}

	if lastErr != nil {
		return types.MatchResult{}, lastErr
	}
	return types.MatchResult{Source: b.name, Extra: map[string]any{"message": fmt.Sprintf("no candidate for %d queries", len(queries))}}, nil
}

// searchLists finds the candidate list under data.lists or data.data.lists.
func searchLists(body any) []map[string]any {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	d1, ok := obj["data"].(map[string]any)
	if !ok {
		return nil
	}
	lists := toMaps(d1["lists"])
	if len(lists) == 0 {
		if d2, ok := d1["data"].(map[string]any); ok {
			lists = toMaps(d2["lists"])
		}
	}
	return lists
}

func toMaps(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// bestCandidate scores candidates by 0.7·title + 0.3·artist similarity and returns
// the best one at or above the threshold.
func bestCandidate(candidates []map[string]any, title, artist string) (map[string]any, float64) {
	nTitle := normalize(title)
	nArtist := normalize(artist)

	var best map[string]any
	bestScore := 0.0
	for _, c := range candidates {
		fileName, _ := c["FileName"].(string)
		singer, _ := c["SingerName"].(string)
		// FileName is "Artist - Title"
		itemTitle := fileName
		if i := strings.Index(fileName, " - "); i >= 0 {
			itemTitle = fileName[i+3:]
		}

		titleScore := similarity(nTitle, normalize(itemTitle))
		artistScore := 1.0
		if artist != "" {
			artistScore = similarity(nArtist, normalize(singer))
		}
		score := titleScore*0.7 + artistScore*0.3
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if bestScore < searchThreshold {
		return nil, bestScore
	}
	return best, bestScore
}

// normalize lowercases and keeps only letters and digits.
func normalize(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// similarity favours containment (a title inside a longer release name) and falls
// back to Jaro-Winkler.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		if a == b {
			return 1
		}
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		la, lb := len([]rune(a)), len([]rune(b))
		ratio := float64(min(la, lb)) / float64(max(la, lb))
		return max(ratio, 0.8)
	}
	return strutil.Similarity(a, b, metrics.NewJaroWinkler())
}
