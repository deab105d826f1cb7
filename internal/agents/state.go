package agents

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	StateFile = "state.json"
	QueueFile = "queue.db"
)

// LoadState reads the persisted enrollment. It returns nil without error
// when the agent has not registered yet.
func LoadState(dataDir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, StateFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read agent state")
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "decode agent state")
	}
	return &s, nil
}

// SaveState writes the enrollment readable by the owner only. The file is
// replaced atomically so a crash never leaves a truncated credential.
func SaveState(dataDir string, s *State) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errors.Wrap(err, "create data directory")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dataDir, StateFile+".*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "restrict state file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write state file")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp.Name(), filepath.Join(dataDir, StateFile)), "replace state file")
}
