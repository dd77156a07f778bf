package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// WriteDefault writes the built-in settings to path as TOML. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if err := Encode(f, Nested(Defaults())); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close config file: %w", err)
	}
	return nil
}

// Encode writes settings as TOML. Durations are written as strings such as
// "1m30s" so the file round-trips through the loader.
func Encode(w io.Writer, settings map[string]any) error {
	if err := toml.NewEncoder(w).Encode(stringifyDurations(settings)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Nested turns flat dotted keys into nested tables.
func Nested(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range flat {
		m := out
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = val
	}
	return out
}

func stringifyDurations(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case time.Duration:
			out[k] = x.String()
		case map[string]any:
			out[k] = stringifyDurations(x)
		default:
			out[k] = v
		}
	}
	return out
}
