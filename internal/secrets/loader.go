package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Source describes where a secret can come from.
type Source struct {
	// Name is used in error messages, e.g. "gemini api key".
	Name string
	// Value is an inline secret taken from config, environment or flags.
	Value string
	// File points to a file holding the secret. It wins over Value when set.
	File string
	// Hint is appended to "not configured" errors to tell the operator which
	// setting to fill in.
	Hint string
}

// Load resolves the secret described by src. The result is always trimmed.
func Load(src Source) (string, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = "secret"
	}

	value := src.Value
	file := strings.TrimSpace(src.File)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, file, err)
		}
		value = string(data)
	}

	secret := strings.TrimSpace(value)
	if secret != "" {
		return secret, nil
	}

	if file != "" {
		return "", fmt.Errorf("%s file %q is empty", name, file)
	}

	if hint := strings.TrimSpace(src.Hint); hint != "" {
		return "", fmt.Errorf("%s is not configured (%s)", name, hint)
	}
	return "", fmt.Errorf("%s is not configured", name)
}
