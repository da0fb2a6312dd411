package utils

import (
	"fmt"
	"net/url"
	"strings"

	"mangafetch/internal"
)

// ValidateURL checks that rawURL is an absolute http(s) URL with a host
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return internal.NewValidationErrorWithValue("url", "URL must use http or https protocol", parsedURL.Scheme)
	}

	if parsedURL.Hostname() == "" {
		return internal.NewValidationError("url", "URL must include a host")
	}

	return nil
}

// HostMatches reports whether the host of rawURL equals one of the domains
// or is a subdomain of one. Matching is case-insensitive and ignores ports.
func HostMatches(rawURL string, domains []string) bool {
	if len(domains) == 0 {
		return false
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return hostInDomains(parsedURL.Hostname(), domains)
}

func hostInDomains(host string, domains []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// SameHost reports whether a and b share scheme-independent host and port
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}

// JoinURL appends path to base, keeping exactly one slash between them
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
