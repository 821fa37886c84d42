package sandbox

import (
	"strings"

	"github.com/grafana/regexp"
)

// Metadata is the information a plugin declares in its header comment, e.g.
//
//	/**
//	 * @name Example source
//	 * @version 1.0.0
//	 */
type Metadata struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Author      string `json:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
}

// headerScan bounds how far into a script the header comment is looked for.
const headerScan = 4096

var (
	metaTagRe = regexp.MustCompile(`(?m)^\s*(?:\*|//)?\s*@(name|description|version|author|homepage)\s+(.+?)\s*(?:\*/)?\s*$`)
	lxUsageRe = regexp.MustCompile(`\blx\.on\s*\(|\blx\.send\s*\(|EVENT_NAMES|globalThis\.lx\b`)
)

// ParseMetadata extracts @-tags from the leading comment of a script.
func ParseMetadata(src string) Metadata {
	head := src
	if len(head) > headerScan {
		head = head[:headerScan]
	}
	// only the first block comment counts when there is one
	if start := strings.Index(head, "/*"); start >= 0 {
		if end := strings.Index(head[start:], "*/"); end >= 0 {
			head = head[start : start+end+2]
		}
	}

	var m Metadata
	for _, match := range metaTagRe.FindAllStringSubmatch(head, -1) {
		value := strings.TrimSpace(match[2])
		switch match[1] {
		case "name":
			m.Name = value
		case "description":
			m.Description = value
		case "version":
			m.Version = value
		case "author":
			m.Author = value
		case "homepage":
			m.Homepage = value
		}
	}
	return m
}

// DetectConvention guesses the plugin dialect from the source text. The runtime
// dispatch does not depend on it; it is shown to operators.
func DetectConvention(src string) Convention {
	if lxUsageRe.MatchString(src) {
		return ConventionLX
	}
	return ConventionSimple
}
