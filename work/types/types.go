package types

import (
	"time"
)

// SourceKind identifies which backend strategy a source configuration describes.
// Every kind resolves a track through the same Match contract; the kind only selects
// how the parameters are interpreted.
type SourceKind string

// Source kind constants define the supported backend strategies.
const (
	KindScript SourceKind = "script" // third-party plugin script executed in the sandbox
	KindHTTP   SourceKind = "http"   // templated HTTP endpoint returning JSON
	KindProxy  SourceKind = "proxy"  // remote matching proxy with a fixed path convention
)

// Valid reports whether the kind is one of the known strategies.
func (k SourceKind) Valid() bool {
	switch k {
	case KindScript, KindHTTP, KindProxy:
		return true
	}
	return false
}

// ProxyMode selects the endpoint convention used by a proxy-kind source.
type ProxyMode string

// Proxy mode constants map to the remote proxy path conventions.
const (
	ModeMatch  ProxyMode = "match"  // {server}/song/url/match?id={id}
	ModeNCMGet ProxyMode = "ncmget" // {server}/song/url/ncmget?id={id}&br={quality}
	ModeGD     ProxyMode = "gd"     // {server}?types=url&id={id}&br={quality}
	ModeSearch ProxyMode = "search" // {server}/music/search_with_url?keywords=..&quality=..
)

// Valid reports whether the mode is a known proxy convention.
func (m ProxyMode) Valid() bool {
	switch m {
	case ModeMatch, ModeNCMGet, ModeGD, ModeSearch:
		return true
	}
	return false
}

// SourceParams carries the kind-specific parameters of a source. Only the fields that
// belong to the source's kind are populated; the rest stay empty so that the stored
// representation round-trips exactly.
type SourceParams struct {
	Script      string    `json:"script,omitempty" yaml:"script,omitempty"`           // plugin script body (script kind)
	BaseURL     string    `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`         // API base address (http kind)
	URLTemplate string    `json:"urlTemplate,omitempty" yaml:"urlTemplate,omitempty"` // optional request template (http kind)
	ServerURL   string    `json:"serverURL,omitempty" yaml:"serverURL,omitempty"`     // proxy base address (proxy kind)
	Mode        ProxyMode `json:"mode,omitempty" yaml:"mode,omitempty"`               // proxy endpoint convention (proxy kind)
}

// SourceConfig is one configured backend. Custom sources are ordered by Priority (their
// position in the custom list); built-in defaults are a fixed group that always follows
// the custom sources.
type SourceConfig struct {
	ID        string       `json:"id" yaml:"id"`               // stable identifier generated once on add
	Name      string       `json:"name" yaml:"name"`           // display name, not necessarily unique
	Kind      SourceKind   `json:"kind" yaml:"kind"`           // backend strategy
	Enabled   bool         `json:"enabled" yaml:"enabled"`     // disabled sources are never invoked
	Priority  int          `json:"priority" yaml:"priority"`   // position within the custom list
	Builtin   bool         `json:"builtin" yaml:"-"`           // true for the non-removable default group
	CreatedAt time.Time    `json:"createdAt" yaml:"createdAt"` // creation timestamp
	Params    SourceParams `json:"params" yaml:"params"`       // kind-specific parameters
}

// MatchRequest describes the track to resolve. It is built once per resolution attempt
// and never mutated afterwards.
type MatchRequest struct {
	TrackID int64  `json:"id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Quality string `json:"quality"` // requested bitrate or quality tier, e.g. "320"
}

// MatchResult is what a backend produced for a request. An empty URL means the backend
// answered but found nothing usable.
type MatchResult struct {
	URL      string         `json:"url"`
	Platform string         `json:"platform"`        // upstream service that actually served the URL
	Quality  string         `json:"quality"`         // achieved quality, may differ from the request
	Source   string         `json:"source"`          // name of the backend that produced the result
	Extra    map[string]any `json:"extra,omitempty"` // raw diagnostic payload (message, code, proxy url, ...)
}

// OK reports whether the result carries a playable URL.
func (r MatchResult) OK() bool {
	return r.URL != ""
}

// TestState is the coarse health state of a source as seen by the diagnostics probe.
type TestState string

// Test states in the order a source moves through them during a probe run.
const (
	StateUnknown     TestState = "unknown"
	StateChecking    TestState = "checking"
	StateAvailable   TestState = "available"
	StateUnavailable TestState = "unavailable"
)

// SourceTestStatus is the in-memory health status of one source. Info holds the serving
// platform when available and the failure reason when unavailable.
type SourceTestStatus struct {
	State     TestState `json:"state"`
	Info      string    `json:"info,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusUpdate is published whenever a source's test status changes.
type StatusUpdate struct {
	Key      string           `json:"key"` // status map key (name, or name plus short id when ambiguous)
	SourceID string           `json:"sourceId"`
	Status   SourceTestStatus `json:"status"`
}

// DiagnosticReport is the transcript of one probe run against one source across the
// canary track set. It is never persisted.
type DiagnosticReport struct {
	SourceID   string        `json:"sourceId"`
	SourceName string        `json:"sourceName"`
	Lines      []string      `json:"lines"`
	Verdict    TestState     `json:"verdict"`
	Info       string        `json:"info"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
}

// CanaryTrack is one entry of the fixed health-check track set.
type CanaryTrack struct {
	ID     int64
	Title  string
	Artist string
}
