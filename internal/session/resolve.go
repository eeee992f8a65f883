package session

import (
	"fmt"

	"github.com/rfarah/trim/internal/config"
)

// Resolve picks the session to use: an explicit flag wins, then the
// configured default, then "default". The result is always validated.
func Resolve(flag string, cfg *config.Config) (string, error) {
	name := flag
	if name == "" && cfg != nil {
		name = cfg.DefaultSession
	}
	if name == "" {
		name = "default"
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return name, nil
}
