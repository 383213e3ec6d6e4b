package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The agent's only persistent state is the client ID the coordinator handed
// out at registration, stored as a single line in a plain text file
// (~/.notssh_id by default). Presenting it on reconnect makes the
// coordinator match the existing record instead of minting a new client.

// DefaultIDPath returns ~/.notssh_id, falling back to a relative path when
// the home directory cannot be resolved.
func DefaultIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notssh_id"
	}
	return filepath.Join(home, ".notssh_id")
}

// loadID reads the persisted client ID. Returns "" if the file does not
// exist yet.
func loadID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("agent: failed to read id file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// saveID writes the client ID atomically via temp file + rename.
func saveID(path, id string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".notssh_id.*.tmp")
	if err != nil {
		return fmt.Errorf("agent: failed to create temp id file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("agent: failed to write id file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agent: failed to close temp id file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("agent: failed to rename id file: %w", err)
	}
	ok = true
	return nil
}
