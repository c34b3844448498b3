package gateway

import (
	"strings"
)

// OriginValidator checks a connection's declared origin against an
// allow-list of exact entries and wildcard-subdomain patterns such as
// "https://*.example.com".
type OriginValidator struct {
	exact        map[string]bool
	wildcards    []wildcardOrigin
	allowMissing bool
}

type wildcardOrigin struct {
	scheme string
	// suffix includes the leading dot, e.g. ".example.com", so the
	// subdomain boundary check is a plain suffix match.
	suffix string
}

// NewOriginValidator builds a validator from allow-list entries. Whether an
// absent origin passes is deployment policy, not a code branch.
func NewOriginValidator(allowed []string, allowMissing bool) *OriginValidator {
	v := &OriginValidator{
		exact:        make(map[string]bool, len(allowed)),
		allowMissing: allowMissing,
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if scheme, rest, ok := strings.Cut(entry, "://*."); ok {
			v.wildcards = append(v.wildcards, wildcardOrigin{scheme: scheme, suffix: "." + rest})
			continue
		}
		v.exact[entry] = true
	}
	return v
}

// IsValid reports whether the declared origin is allowed. Wildcard entries
// match only same-scheme subdomains on a dot boundary: "https://*.example.com"
// matches "https://a.example.com" but never "https://notexample.com" or the
// bare "https://example.com".
func (v *OriginValidator) IsValid(origin string) bool {
	if origin == "" {
		return v.allowMissing
	}
	if v.exact[origin] {
		return true
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok || host == "" {
		return false
	}
	for _, w := range v.wildcards {
		if scheme != w.scheme {
			continue
		}
		if strings.HasSuffix(host, w.suffix) && len(host) > len(w.suffix) {
			return true
		}
	}
	return false
}
