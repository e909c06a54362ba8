// Package credential normalizes session credential input into a cookie set.
//
// Three input forms are accepted, tried in a fixed order:
//
//  1. a JSON object carrying a nested "cookies" map (or a flat map of strings)
//  2. "name=value" pairs separated by ';'
//  3. an opaque blob stored under DefaultName
//
// Values are never decoded. Percent-encoded, signature-bearing cookies are
// kept byte-for-byte.
package credential

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// DefaultName is the cookie name used for an opaque credential blob.
const DefaultName = "session"

// ErrInvalidFormat is returned when no form yields a non-empty credential set.
var ErrInvalidFormat = errors.New("invalid credential format")

type parser func(raw string) (map[string]string, bool)

var parsers = []parser{
	parseStructured,
	parsePairs,
	parseBlob,
}

// Normalize parses raw credential input into a cookie-name to value map.
func Normalize(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidFormat
	}
	for _, p := range parsers {
		if cookies, ok := p(raw); ok {
			return cookies, nil
		}
	}
	return nil, ErrInvalidFormat
}

// Serialize renders cookies in the structured form accepted by Normalize.
func Serialize(cookies map[string]string) (string, error) {
	b, err := json.Marshal(struct {
		Cookies map[string]string `json:"cookies"`
	}{Cookies: cookies})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CookieHeader renders cookies as a Cookie header value with names sorted.
func CookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

func parseStructured(raw string) (map[string]string, bool) {
	if !strings.HasPrefix(raw, "{") {
		return nil, false
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false
	}

	if nested, ok := doc["cookies"]; ok {
		var cookies map[string]string
		if err := json.Unmarshal(nested, &cookies); err != nil {
			return nil, false
		}
		return nonEmpty(cookies)
	}

	var flat map[string]string
	if err := json.Unmarshal([]byte(raw), &flat); err != nil {
		return nil, false
	}
	return nonEmpty(flat)
}

func parsePairs(raw string) (map[string]string, bool) {
	if !strings.Contains(raw, "=") {
		return nil, false
	}

	cookies := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return nonEmpty(cookies)
}

// parseBlob only accepts input with no '=' at all; anything with a delimiter
// pair that failed to parse cleanly is rejected rather than guessed at.
func parseBlob(raw string) (map[string]string, bool) {
	blob := strings.TrimRight(raw, "; \t")
	if blob == "" || strings.ContainsAny(blob, "=;") || strings.HasPrefix(blob, "{") {
		return nil, false
	}
	return map[string]string{DefaultName: blob}, true
}

func nonEmpty(cookies map[string]string) (map[string]string, bool) {
	for name := range cookies {
		if strings.TrimSpace(name) == "" {
			delete(cookies, name)
		}
	}
	if len(cookies) == 0 {
		return nil, false
	}
	return cookies, true
}
