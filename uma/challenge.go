package uma

import (
	"net/http"
	"regexp"
	"strings"
)

// SchemeUMA is the WWW-Authenticate scheme of a UMA permission challenge.
const SchemeUMA = "UMA"

// Challenge is a parsed "WWW-Authenticate: UMA ..." header.
type Challenge struct {
	Scheme string
	ASURI  string
	Ticket string
	Realm  string
	// Params holds every parameter found after the scheme, first
	// occurrence winning.
	Params map[string]string
}

// Complete reports whether the challenge carries what negotiation needs.
func (c *Challenge) Complete() bool {
	return c != nil && c.ASURI != "" && c.Ticket != ""
}

var challengeParam = regexp.MustCompile(`([A-Za-z0-9_\-]+)\s*=\s*("[^"]*"|[^\s,]+)`)

// ParseChallenge returns the first UMA challenge found in the
// WWW-Authenticate headers of h. ok is false when no header carries the UMA
// scheme token. The returned challenge may still be incomplete.
func ParseChallenge(h http.Header) (*Challenge, bool) {
	for _, v := range h.Values("WWW-Authenticate") {
		idx := schemeIndex(v)
		if idx < 0 {
			continue
		}
		c := &Challenge{Scheme: SchemeUMA, Params: map[string]string{}}
		for _, m := range challengeParam.FindAllStringSubmatch(v[idx+len(SchemeUMA):], -1) {
			key := strings.ToLower(m[1])
			if _, seen := c.Params[key]; seen {
				continue
			}
			val := m[2]
			if strings.HasPrefix(val, `"`) {
				val = strings.Trim(val, `"`)
			}
			c.Params[key] = val
		}
		c.ASURI = c.Params["as_uri"]
		c.Ticket = c.Params["ticket"]
		c.Realm = c.Params["realm"]
		return c, true
	}
	return nil, false
}

// IsUMAChallenge reports whether any WWW-Authenticate value starts with the
// UMA scheme.
func IsUMAChallenge(h http.Header) bool {
	for _, v := range h.Values("WWW-Authenticate") {
		if schemeIndex(strings.TrimLeft(v, " \t")) == 0 {
			return true
		}
	}
	return false
}

// schemeIndex locates "uma" as a standalone token, case-insensitively.
func schemeIndex(v string) int {
	lower := strings.ToLower(v)
	from := 0
	for {
		i := strings.Index(lower[from:], "uma")
		if i < 0 {
			return -1
		}
		i += from
		end := i + len("uma")
		if (i == 0 || isTokenSep(lower[i-1])) && (end == len(lower) || isTokenSep(lower[end])) {
			return i
		}
		from = end
	}
}

func isTokenSep(b byte) bool {
	return b == ' ' || b == '\t' || b == ','
}
