package session

import "strings"

const maxServiceTypeLength = 15

// ValidateServiceType checks the DNS-SD service naming rule: 1 to 15
// characters of lowercase ASCII letters, digits and hyphens, at least one
// letter, and no leading, trailing or doubled hyphen.
func ValidateServiceType(serviceType string) error {
	fail := func(reason string) error {
		return &ConfigurationError{Field: "service type", Value: serviceType, Reason: reason}
	}

	if serviceType == "" {
		return fail("must not be empty")
	}
	if len(serviceType) > maxServiceTypeLength {
		return fail("must be at most 15 characters")
	}
	if strings.HasPrefix(serviceType, "-") || strings.HasSuffix(serviceType, "-") {
		return fail("must not start or end with a hyphen")
	}
	if strings.Contains(serviceType, "--") {
		return fail("must not contain consecutive hyphens")
	}

	hasLetter := false
	for _, r := range serviceType {
		switch {
		case r >= 'a' && r <= 'z':
			hasLetter = true
		case r >= '0' && r <= '9', r == '-':
		default:
			return fail("may contain only lowercase letters, digits and hyphens")
		}
	}
	if !hasLetter {
		return fail("must contain at least one letter")
	}
	return nil
}
