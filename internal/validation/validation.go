package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// UUIDRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// SafePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// sessionIDRegex matches session-RANDOMHEX identifiers issued by the server
	sessionIDRegex = regexp.MustCompile(`^session-[0-9a-fA-F]+$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a session ID (UUID, session-*, or a safe
// caller-supplied name). Session IDs become directory names under the
// server work root, so they must be safe path components.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	if strings.HasPrefix(id, "session-") {
		if !sessionIDRegex.MatchString(id) {
			return fmt.Errorf("invalid session ID format: %s", id)
		}
		return nil
	}

	if uuidRegex.MatchString(id) {
		return nil
	}

	if !safePathRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

// ValidateExecID validates an execution ID
func ValidateExecID(id string) error {
	if id == "" {
		return fmt.Errorf("execution ID cannot be empty")
	}
	if !safePathRegex.MatchString(id) {
		return fmt.Errorf("invalid execution ID format: %s", id)
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	// Split and validate each component
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing/leading slashes
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}

// SafeBaseName returns the base name of filename. The name must already be
// a bare base name: anything whose base differs after normalization is a
// traversal attempt and is rejected.
func SafeBaseName(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}
	base := filepath.Base(filepath.Clean(filename))
	if base != filename {
		return "", fmt.Errorf("path traversal detected: %s", filename)
	}
	if base == "." || base == ".." {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}
	if !safePathRegex.MatchString(base) {
		return "", fmt.Errorf("unsafe filename: %s", filename)
	}
	return base, nil
}

// ResolveUnder joins name onto root and verifies the result stays under root
func ResolveUnder(root, name string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absResolved, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return "", err
	}
	if absResolved != absRoot && !strings.HasPrefix(absResolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes directory: %s", name)
	}
	return absResolved, nil
}

// ValidateContainerID validates a container ID (hex string)
func ValidateContainerID(id string) error {
	if id == "" {
		return fmt.Errorf("container ID cannot be empty")
	}

	// Container IDs are hex strings, typically 64 chars but can be shorter for short IDs
	if len(id) < 12 || len(id) > 64 {
		return fmt.Errorf("invalid container ID length: %s", id)
	}

	for _, c := range id {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return fmt.Errorf("invalid container ID format: %s", id)
		}
	}

	return nil
}
