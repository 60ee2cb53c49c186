package keystore

import (
	"net/http"
	"strings"
)

// headerPrecedence is the fixed order spec.md §4.1 requires candidate
// headers be evaluated in; the first non-empty value wins.
var headerPrecedence = []string{"x-api-key", "x-goog-api-key", "authorization", "api-key"}

// ExtractRawKey pulls the candidate API key out of a request following
// spec.md §4.1's header precedence, falling back to the ?key= query
// parameter, and stripping a case-insensitive "Bearer " prefix from
// whichever value wins (grounded on the teacher's AuthMiddleware Bearer
// stripping in middleware/auth.go).
func ExtractRawKey(r *http.Request) string {
	for _, h := range headerPrecedence {
		if v := r.Header.Get(h); v != "" {
			return stripBearer(v)
		}
	}
	if v := r.URL.Query().Get("key"); v != "" {
		return stripBearer(v)
	}
	return ""
}

func stripBearer(v string) string {
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}
