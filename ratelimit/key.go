package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ClientIP derives the originating client address from request
// provenance: the first hop of an X-Forwarded-For chain when present,
// then X-Real-IP, then the direct peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// IPKey returns the rate-limit key for a client address.
func IPKey(ip string) string { return "ip:" + ip }

// UserKey returns the rate-limit key for an authenticated student.
func UserKey(studentID int64) string {
	return "user:" + strconv.FormatInt(studentID, 10)
}
