package classify

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// SaveCheckpoint writes the model to path as msgpack. Checkpoints are
// written only after a fold's train+evaluate cycle completes; a
// cancelled fold discards its partial model instead of persisting
// inconsistent state.
func (m *Model) SaveCheckpoint(path string) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("classify: encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("classify: write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads a model written by [Model.SaveCheckpoint].
func LoadCheckpoint(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classify: read checkpoint: %w", err)
	}
	var m Model
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("classify: decode checkpoint: %w", err)
	}
	return &m, nil
}
