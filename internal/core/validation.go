package core

import "fmt"

// MaxStateLength is the longest accepted state string.
const MaxStateLength = 255

// ValidateEntityID checks the "domain.object_id" format: both parts
// non-empty, lowercase letters, digits and underscores, and neither part
// starting or ending with an underscore.
func ValidateEntityID(entityID string) error {
	domain, object, ok := SplitEntityID(entityID)
	if !ok || !validSlug(domain) || !validSlug(object) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	return nil
}

// ValidateDomain checks a bare domain name.
func ValidateDomain(domain string) bool {
	return validSlug(domain)
}

func validSlug(s string) bool {
	if s == "" || s[0] == '_' || s[len(s)-1] == '_' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

func validateState(state string) error {
	if len(state) > MaxStateLength {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidState, len(state), MaxStateLength)
	}
	return nil
}

// Slugify lowercases s and replaces every run of other characters with a
// single underscore, producing a valid object id where possible.
func Slugify(s string) string {
	out := make([]byte, 0, len(s))
	pendingSep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
			fallthrough
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'):
			if pendingSep && len(out) > 0 {
				out = append(out, '_')
			}
			pendingSep = false
			out = append(out, c)
		default:
			pendingSep = true
		}
	}
	if len(out) == 0 {
		return "unnamed"
	}
	return string(out)
}
