// Package sqlitepath resolves where the thread-history database lives.
package sqlitepath

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar overrides the default database location.
const EnvVar = "RESTYLE_DB"

// ResolveSQLitePath returns flagValue if set, then $RESTYLE_DB, then
// ~/.restyle/restyle.db. The default directory is created if missing.
func ResolveSQLitePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}

	dir := filepath.Join(home, ".restyle")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "restyle.db"), nil
}
