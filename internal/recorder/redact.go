package recorder

import (
	"net/http"
	"strings"
)

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"cookie":              {},
	"set-cookie":          {},
}

// SanitiseHeaders returns a copy of h with sensitive header values masked,
// suitable for passing to EmitUpdate without leaking credentials into
// recorded traffic.
func SanitiseHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			out[k] = maskValues(vv)
			continue
		}
		out[k] = strings.Join(vv, ", ")
	}
	return out
}

func maskValues(values []string) string {
	masked := make([]string, len(values))
	for i, v := range values {
		masked[i] = maskToken(v)
	}
	return strings.Join(masked, ", ")
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if parts := strings.SplitN(v, " ", 2); len(parts) == 2 {
		return parts[0] + " " + maskCore(parts[1])
	}
	return maskCore(v)
}

func maskCore(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	return v[:2] + "***" + v[len(v)-2:]
}
