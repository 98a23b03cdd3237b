package access

import (
	"net/http"
	"strings"
)

// ExtractToken reads a bearer-style credential from the request. The X-API-Key
// header is accepted as a fallback when allowXAPIKey is set.
func ExtractToken(r *http.Request, header string, scheme string, allowXAPIKey bool) string {
	if r == nil {
		return ""
	}
	header = strings.TrimSpace(header)
	scheme = strings.TrimSpace(scheme)
	if header == "" {
		header = "Authorization"
	}
	val := strings.TrimSpace(r.Header.Get(header))
	if val != "" && scheme != "" {
		prefix := scheme + " "
		if strings.HasPrefix(val, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(val, prefix))
		}
	}
	if val != "" && scheme == "" {
		return val
	}
	if allowXAPIKey {
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v
		}
	}
	return ""
}
