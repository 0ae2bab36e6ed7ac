// Package requestmeta provides normalized request metadata helpers.
package requestmeta

import (
	"net/http"
	"strings"
)

// SchemePolicy controls how request metadata resolves scheme and host.
//
// TrustForwardedHeaders must be explicitly enabled for X-Forwarded-Proto and
// X-Forwarded-Host to be considered. Keeping this explicit avoids trusting
// headers from untrusted clients.
type SchemePolicy struct {
	TrustForwardedHeaders bool
}

// Scheme resolves the effective request scheme under the provided policy.
func Scheme(r *http.Request, policy SchemePolicy) string {
	if r == nil {
		return "http"
	}
	if policy.TrustForwardedHeaders {
		if forwarded := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); forwarded == "http" || forwarded == "https" {
			return forwarded
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Host resolves the effective request host under the provided policy.
func Host(r *http.Request, policy SchemePolicy) string {
	if r == nil {
		return ""
	}
	if policy.TrustForwardedHeaders {
		if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); forwarded != "" {
			// Proxies may append hops as a comma-separated list; the first
			// entry names the host the client addressed.
			if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
				forwarded = strings.TrimSpace(forwarded[:idx])
			}
			if forwarded != "" {
				return forwarded
			}
		}
	}
	return r.Host
}

// BaseURL resolves the externally visible scheme://host prefix for a request.
func BaseURL(r *http.Request, policy SchemePolicy) string {
	host := Host(r, policy)
	if host == "" {
		return ""
	}
	return Scheme(r, policy) + "://" + host
}
