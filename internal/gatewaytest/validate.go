package gatewaytest

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrEmptyCommand   = errors.New("Empty command")
	ErrBlockedPattern = errors.New("Blocked pattern")
	ErrNotAllowed     = errors.New("Command not allowed")
)

var blockedPatterns = []string{";", "|", "&", "$", "`", ">", "<", "..", "\n"}

// ValidateCommand applies the restricted-mode rules: no shell
// metacharacters, and the first word must be allow-listed.
func ValidateCommand(command string, allowed []string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrEmptyCommand
	}
	for _, p := range blockedPatterns {
		if strings.Contains(command, p) {
			return fmt.Errorf("%w: %q", ErrBlockedPattern, p)
		}
	}
	name := strings.Fields(command)[0]
	if !slices.Contains(allowed, name) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, name)
	}
	return nil
}
