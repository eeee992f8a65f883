package session

import (
	"fmt"
	"regexp"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that a session name is safe to use as a directory
// component: lowercase letters, digits, underscore and hyphen only.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: only [a-z0-9_-], max 64 chars", name)
	}
	return nil
}
