package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is a persisted snapshot of the global model after a completed
// round. The format allows exact reload into the same tensor shapes.
type Checkpoint struct {
	Round  int             `json:"round"`
	Layers []LayerSnapshot `json:"layers"`
}

// SaveCheckpoint writes a checkpoint atomically: the JSON artifact is
// written to a temp file in the target directory and renamed into place, so
// a concurrent reader never observes a partially-written snapshot.
func SaveCheckpoint(path string, round int, params *Parameters) error {
	ckpt := Checkpoint{Round: round, Layers: params.Snapshot()}
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint and rebuilds the parameter set.
func LoadCheckpoint(path string) (int, *Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	params, err := FromSnapshot(ckpt.Layers)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return ckpt.Round, params, nil
}

// SaveHistory writes the ordered round-history artifact.
func SaveHistory(path string, history []RoundResult) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadHistory reads a round-history artifact.
func LoadHistory(path string) ([]RoundResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var history []RoundResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return history, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
