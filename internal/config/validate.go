package config

import (
	"fmt"
	"strings"
)

// validateDomain rejects values that are obviously not a bare domain (e.g. a
// caller accidentally including a scheme or path), so a malformed
// LIBCAFFEINE_DOMAIN fails fast at Load rather than producing a broken URL
// later.
func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain must not be empty")
	}
	if strings.ContainsAny(domain, "/: ") {
		return fmt.Errorf("domain %q must be a bare host, not a URL", domain)
	}
	return nil
}
