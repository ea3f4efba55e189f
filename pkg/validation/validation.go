package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxUsernameLength bounds directory keys.
	MaxUsernameLength = 32
	// MaxMessageLength bounds a single text message in runes.
	MaxMessageLength = 4096
)

var (
	// UsernameRegex validates username format
	UsernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateUsername validates username
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if strings.TrimSpace(username) != username {
		return fmt.Errorf("username must not have leading or trailing spaces")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("username is too long (max %d characters)", MaxUsernameLength)
	}
	if !UsernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, -, . allowed)")
	}
	return nil
}

// ValidateAddress validates a host:port peer address. The host must be
// present; the port must be numeric and non-zero.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	if host == "" {
		return fmt.Errorf("address must have a host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ValidateListenAddress is like ValidateAddress but allows an empty host
// (":4000") and port 0 for ephemeral listeners.
func ValidateListenAddress(address string) error {
	if address == "" {
		return fmt.Errorf("listen address is required")
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %w", err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ValidateMessage validates an outgoing text message
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid characters")
	}
	return ValidateStringLength(text, 1, MaxMessageLength, "message")
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
