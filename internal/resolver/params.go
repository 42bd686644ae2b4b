package resolver

import (
	"net/url"
	"strings"
)

// Query parameter names understood by the remote side.
const (
	IdentityParam = "push_id"
	PathParam     = "pathid"
)

// AppendParam appends name=value to raw, using '&' when raw already has a
// query string and '?' otherwise.
func AppendParam(raw, name, value string) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + name + "=" + url.QueryEscape(value)
}

// WithIdentity appends the push_id parameter. An empty identity leaves raw
// untouched.
func WithIdentity(raw, identity string) string {
	if identity == "" {
		return raw
	}
	return AppendParam(raw, IdentityParam, identity)
}

// StripParam removes every occurrence of the named query parameter while
// keeping the order of the others.
func StripParam(raw, name string) string {
	base, query, ok := strings.Cut(raw, "?")
	if !ok {
		return raw
	}
	var fragment string
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query, fragment = query[:i], query[i:]
	}

	parts := strings.Split(query, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		if k, _, _ := strings.Cut(p, "="); k == name {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return base + fragment
	}
	return base + "?" + strings.Join(kept, "&") + fragment
}

// Valid reports whether raw is an absolute URL with a scheme and host.
func Valid(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// PathToken extracts the pathid query value from raw, or "" if absent.
func PathToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get(PathParam)
}
