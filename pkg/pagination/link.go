package pagination

import (
	"errors"
	"fmt"
	"strings"
)

// RelNext is the relation that points at the following page.
const RelNext = "next"

// ErrMalformedLink is returned for Link values that are not <uri>; params.
var ErrMalformedLink = errors.New("malformed Link header")

// Links maps a relation name to its target URL.
type Links map[string]string

// Next returns the rel="next" URL.
func (l Links) Next() (string, bool) {
	next, ok := l[RelNext]
	return next, ok && next != ""
}

// ParseLinkHeader parses every value of a Link header (RFC 8288). A value may
// hold several comma separated links, and a link may name several relations.
// The first link seen for a relation wins.
func ParseLinkHeader(values []string) (Links, error) {
	links := make(Links)
	for _, value := range values {
		rest := strings.TrimSpace(value)
		for rest != "" {
			if rest[0] == ',' {
				rest = strings.TrimSpace(rest[1:])
				continue
			}
			if rest[0] != '<' {
				return nil, fmt.Errorf("%w: expected '<' in %q", ErrMalformedLink, value)
			}
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated URI in %q", ErrMalformedLink, value)
			}
			target := strings.TrimSpace(rest[1:end])
			rest = rest[end+1:]

			params, remainder := splitParams(rest)
			rest = strings.TrimSpace(remainder)

			for _, rel := range relations(params) {
				if _, seen := links[rel]; !seen {
					links[rel] = target
				}
			}
		}
	}
	return links, nil
}

// splitParams returns the parameter section of one link and the input that
// follows it. Commas inside quoted strings do not end the link.
func splitParams(s string) (params, rest string) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return s[:i], s[i:]
			}
		}
	}
	return s, ""
}

func relations(params string) []string {
	var rels []string
	for _, param := range strings.Split(params, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"`)
		for _, rel := range strings.Fields(val) {
			rels = append(rels, strings.ToLower(rel))
		}
	}
	return rels
}
