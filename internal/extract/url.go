// Package extract holds the pluggable document-extraction backends that feed
// the parse cache.
package extract

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrInvalidURL = errors.New("invalid or private url")

// ValidatePublicURL rejects anything that is not plain http(s) to a public
// host. Link ingestion runs server-side, so private ranges and localhost are
// refused to keep the fetcher from being used as an internal proxy.
func ValidatePublicURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, ErrInvalidURL
	}
	if isPrivateHost(host) {
		return nil, fmt.Errorf("%w: host %q", ErrInvalidURL, host)
	}
	return parsed, nil
}

func isPrivateHost(host string) bool {
	lowered := strings.ToLower(host)
	if lowered == "localhost" || strings.HasSuffix(lowered, ".localhost") || strings.HasSuffix(lowered, ".local") || strings.HasSuffix(lowered, ".internal") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
	}
	return false
}
