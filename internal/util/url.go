package util

import (
	"fmt"
	"net/url"
	"strings"
)

// NormaliseSiteHost removes the scheme, www. prefix and trailing slash from a
// site base URL so the same site always maps to the same rate-limit and
// proxy keys.
func NormaliseSiteHost(raw string) string {
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "www.")
	raw = strings.TrimSuffix(raw, "/")

	// Drop any path component, the host is the key
	if idx := strings.Index(raw, "/"); idx != -1 {
		raw = raw[:idx]
	}

	return raw
}

// ValidateSiteHost checks whether a host looks like a real domain.
// Returns an error describing why the host is invalid, or nil if valid.
func ValidateSiteHost(host string) error {
	host = NormaliseSiteHost(host)

	if host == "" {
		return fmt.Errorf("site host cannot be empty")
	}

	if !strings.Contains(host, ".") {
		return fmt.Errorf("site host must contain a TLD (e.g., .com, .co.uk)")
	}

	parts := strings.Split(host, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("site host contains empty segment")
		}

		for _, c := range part {
			isLower := c >= 'a' && c <= 'z'
			isUpper := c >= 'A' && c <= 'Z'
			isDigit := c >= '0' && c <= '9'
			isHyphen := c == '-'
			if !isLower && !isUpper && !isDigit && !isHyphen {
				return fmt.Errorf("site host contains invalid character: %c", c)
			}
		}

		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return fmt.Errorf("site host segment cannot start or end with a hyphen")
		}
	}

	return nil
}

// ResolveListingURL turns a possibly relative href from a listing index page
// into an absolute URL against the site's base URL.
func ResolveListingURL(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("invalid href %q: %w", href, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme == "" || resolved.Host == "" {
		return "", fmt.Errorf("unresolvable href %q against %q", href, baseURL)
	}
	resolved.Fragment = ""
	return resolved.String(), nil
}
