package exec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// GasStateVersion tags the on-disk layout.
const GasStateVersion = 1

// ErrCorruptGasState marks a state file that cannot be trusted.
var ErrCorruptGasState = errors.New("corrupt gas state")

// GasState is the persisted escalation record.
type GasState struct {
	Version    int     `json:"version"`
	Multiplier float64 `json:"multiplier"`
}

func freshGasState() GasState {
	return GasState{Version: GasStateVersion, Multiplier: 1}
}

func (s GasState) validate() error {
	if s.Version != GasStateVersion {
		return fmt.Errorf("%w: version %d", ErrCorruptGasState, s.Version)
	}
	if math.IsNaN(s.Multiplier) || s.Multiplier < 1 || s.Multiplier > MaxMultiplier {
		return fmt.Errorf("%w: multiplier %v", ErrCorruptGasState, s.Multiplier)
	}
	return nil
}

// readGasState loads the record; a missing file yields a fresh state.
func readGasState(path string) (GasState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return freshGasState(), nil
	}
	if err != nil {
		return GasState{}, fmt.Errorf("read gas state: %w", err)
	}

	var s GasState
	if err := json.Unmarshal(data, &s); err != nil {
		return GasState{}, fmt.Errorf("%w: %v", ErrCorruptGasState, err)
	}
	if err := s.validate(); err != nil {
		return GasState{}, err
	}
	return s, nil
}

// writeGasState replaces the file atomically: temp file, fsync, rename.
func writeGasState(path string, s GasState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
