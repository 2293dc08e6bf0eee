package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"rtar/archive"
)

// state is what an invocation that ran out of time leaves behind for the
// next one.
type state struct {
	// Read continues an extraction.
	Read *archive.ReadToken `json:"read,omitempty"`

	// Path indexes the expanded command-line paths of a creation.
	Path int `json:"path,omitempty"`

	// Tree continues the path at Path.
	Tree *archive.TreeToken `json:"tree,omitempty"`
}

func (s *state) resuming() bool {
	return s.Path > 0 || s.Tree != nil
}

// suspendedError reports that the state was saved to token.
type suspendedError struct {
	token string
}

func (e *suspendedError) Error() string {
	return "suspended, resume with -r " + e.token
}

func loadState(path string) (*state, error) {
	st := &state{}
	if path == "" {
		return st, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Error reading the resume token: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("Error decoding the resume token: %w", err)
	}
	return st, nil
}

func saveState(path string, st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("Error writing the resume token: %w", err)
	}
	return &suspendedError{token: path}
}

func clearState(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("Error removing the resume token: %w", err)
	}
	return nil
}
