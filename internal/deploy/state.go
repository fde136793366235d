package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stateFile records what was deployed, next to the tree it describes.
const stateFile = ".camdeploy-state.json"

// State is the deployed-tree record used for update checks.
type State struct {
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}

func statePath(root string) string {
	return filepath.Join(root, stateFile)
}

// LoadState reads the deployed-tree record. A missing or unreadable file
// yields nil: the tree predates this tool or was hand-modified, and the
// caller treats it as "unknown, always update".
func LoadState(root string) *State {
	data, err := os.ReadFile(statePath(root))
	if err != nil {
		return nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

// SaveState writes the deployed-tree record.
func SaveState(root string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(statePath(root), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
