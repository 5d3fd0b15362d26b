package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits on what a configuration source may contain.
const (
	maxConfigSize = 1 << 20
	maxDepth      = 32
	maxEnvVarLen  = 4096
)

func checkConfigPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return nil
	}
	return fmt.Errorf("only JSON or YAML config files allowed: %s", path)
}

// safeReadFile reads a regular config file no larger than maxConfigSize.
func safeReadFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// safeWriteFile writes owner-only, since configs can hold credentials.
func safeWriteFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth rejects deeply nested JSON before it is decoded.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false
	for _, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{' || b == '[':
			depth++
			if depth > maxDepth {
				return fmt.Errorf("nesting too deep: > %d", maxDepth)
			}
		case b == '}' || b == ']':
			depth--
			if depth < 0 {
				return errors.New("malformed JSON: unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}

// validateMapDepth is validateJSONDepth for documents already decoded.
func validateMapDepth(v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("nesting too deep: > %d", maxDepth)
	}
	switch v := v.(type) {
	case map[string]any:
		for _, child := range v {
			if err := validateMapDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range v {
			if err := validateMapDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
