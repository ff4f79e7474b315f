package allowlist

import (
	"net/url"
	"strings"
)

// Wildcard entry that permits any well-formed http(s) URL
const Wildcard = "*"

// List decides whether a candidate navigation URL is permitted
type List struct {
	entries  []string
	wildcard bool
}

// New creates a list from configured entries. An entry equal to "*"
// makes the list accept any http(s) URL.
func New(entries []string) *List {
	l := &List{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e == Wildcard {
			l.wildcard = true
			continue
		}
		l.entries = append(l.entries, e)
	}
	return l
}

// Allowed reports whether the candidate URL may be navigated to.
// Parsing errors on either side fold into false, never an error.
func (l *List) Allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if l.wildcard {
		return true
	}

	for _, entry := range l.entries {
		allowed, err := url.Parse(entry)
		if err != nil {
			continue
		}
		if u.Scheme != allowed.Scheme || u.Host != allowed.Host {
			continue
		}
		if strings.HasPrefix(normalizePath(u.Path), normalizePath(allowed.Path)) {
			return true
		}
	}

	return false
}

// normalizePath treats a bare origin ("https://a.test") as the root path
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
