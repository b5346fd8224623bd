package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend stores every project's ledger in one JSON object on disk:
// {"project": ["oldest", ..., "newest"]}.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend for path. The file is created on first Save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load returns nil for a missing file or an unknown project. A corrupt file
// reads as empty so capture keeps working; the next Save rewrites it.
func (f *FileBackend) Load(project string) ([]string, error) {
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	return all[project], nil
}

// Save replaces one project's list, keeping the others.
func (f *FileBackend) Save(project string, ids []string) error {
	all, err := f.readAll()
	if err != nil {
		return err
	}
	all[project] = ids

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

func (f *FileBackend) readAll() (map[string][]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	all := map[string][]string{}
	if err := json.Unmarshal(data, &all); err != nil {
		return map[string][]string{}, nil
	}
	return all, nil
}
