package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trackunblock/work/client"

	"github.com/grafov/m3u8"
)

// Verifier checks that a resolved URL actually serves media. It never changes a
// verdict; its findings are report lines only.
type Verifier struct {
	client  *client.HeaderSettingClient
	timeout time.Duration
}

// NewVerifier returns a verifier bounding each check by timeout.
func NewVerifier(c *client.HeaderSettingClient, timeout time.Duration) *Verifier {
	return &Verifier{client: c, timeout: timeout}
}

// Verify probes url with HEAD, falling back to a ranged GET when HEAD is refused.
// HLS playlists are fetched and decoded.
func (v *Verifier) Verify(ctx context.Context, url string) []string {
	if v == nil || url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.client.Fetch(ctx, http.MethodHead, url, nil, nil)
	if err != nil || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = v.client.Fetch(ctx, http.MethodGet, url, http.Header{"Range": []string{"bytes=0-1023"}}, nil)
	}
	if err != nil {
		return []string{fmt.Sprintf("verify: request failed: %v", err)}
	}

	ctype := resp.Header.Get("Content-Type")
	lines := []string{fmt.Sprintf("verify: %s (%s, %dms)", resp.Status, orDash(ctype), resp.Elapsed.Milliseconds())}
	if resp.StatusCode >= 400 {
		return lines
	}
	if size := resp.Header.Get("Content-Length"); size != "" {
		lines = append(lines, "verify: content-length "+size)
	}

	if isPlaylist(url, ctype) {
		lines = append(lines, v.inspectPlaylist(ctx, url)...)
	}
	return lines
}

func (v *Verifier) inspectPlaylist(ctx context.Context, url string) []string {
	resp, err := v.client.Get(ctx, url)
	if err != nil {
		return []string{fmt.Sprintf("verify: playlist fetch failed: %v", err)}
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(resp.Body), true)
	if err != nil {
		return []string{fmt.Sprintf("verify: playlist does not parse: %v", err)}
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var bandwidths []string
		for _, variant := range master.Variants {
			if variant != nil {
				bandwidths = append(bandwidths, fmt.Sprintf("%d", variant.Bandwidth))
			}
		}
		return []string{fmt.Sprintf("verify: master playlist, %d variants (bandwidth %s)",
			len(bandwidths), strings.Join(bandwidths, ", "))}
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		return []string{fmt.Sprintf("verify: media playlist, %d segments, target duration %vs",
			media.Count(), media.TargetDuration)}
	}
	return nil
}

func isPlaylist(url, ctype string) bool {
	ctype = strings.ToLower(ctype)
	if strings.Contains(ctype, "mpegurl") {
		return true
	}
	path := strings.ToLower(url)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ".m3u8")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
