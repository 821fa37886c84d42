package utils

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// ShortID returns the first eight characters of an id, used to disambiguate names
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// FirstArtist returns the first name of a multi-artist credit such as "A / B" or "A,B"
func FirstArtist(artist string) string {
	for _, sep := range []string{"/", ",", "，", "、", "&", ";"} {
		if i := strings.Index(artist, sep); i >= 0 {
			artist = artist[:i]
		}
	}
	return strings.TrimSpace(artist)
}
