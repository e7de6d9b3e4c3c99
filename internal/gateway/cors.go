package gateway

import "strings"

// FallbackPolicy decides the Access-Control-Allow-Origin value for origins outside the allow-list.
type FallbackPolicy int

const (
	// FallbackWildcard answers "*" and treats a missing Origin as "*".
	FallbackWildcard FallbackPolicy = iota
	// FallbackFirstAllowed answers the first allow-list entry. A missing Origin
	// falls back to the Referer, then to file://, and file:// origins are always allowed.
	FallbackFirstAllowed
	// FallbackNone sets no header for unknown origins.
	FallbackNone
)

const fileOrigin = "file://"

// CORS holds the allow-list and the fallback policy of one entry point.
type CORS struct {
	AllowedOrigins []string
	Fallback       FallbackPolicy
}

// AllowedMethods and AllowedHeaders are advertised on every proxied response.
const (
	AllowedMethods = "POST, GET, OPTIONS"
	AllowedHeaders = "Content-Type"
)

// AllowOrigin returns the Access-Control-Allow-Origin value, or "" when none should be set.
func (c CORS) AllowOrigin(origin, referer string) string {
	switch c.Fallback {
	case FallbackFirstAllowed:
		if origin == "" {
			origin = referer
		}
		if origin == "" {
			origin = fileOrigin
		}
		if strings.HasPrefix(origin, fileOrigin) || c.allowed(origin) {
			return origin
		}
		if len(c.AllowedOrigins) > 0 {
			return c.AllowedOrigins[0]
		}
		return "*"
	case FallbackNone:
		if origin != "" && c.allowed(origin) {
			return origin
		}
		return ""
	default:
		if origin == "" {
			return "*"
		}
		if c.allowed(origin) {
			return origin
		}
		return "*"
	}
}

func (c CORS) allowed(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		if allowed != "" && strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
