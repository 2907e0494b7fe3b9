package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type entriesFile struct {
	Entries []EntryConfig `toml:"entries"`
}

// LoadEntriesFile reads a persisted entry file. A missing file yields no
// entries and no error.
func LoadEntriesFile(path string) ([]EntryConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	var file entriesFile
	if err := loadToml(path, &file); err != nil {
		return nil, err
	}
	for i, entry := range file.Entries {
		if err := ValidateEntry(entry); err != nil {
			return nil, fmt.Errorf("%s: entries[%d] invalid: %w", path, i, err)
		}
	}
	return file.Entries, nil
}

// SaveEntriesFile replaces path with entries. The write goes through a
// temporary file in the same directory and a rename.
func SaveEntriesFile(path string, entries []EntryConfig) error {
	data, err := toml.Marshal(entriesFile{Entries: entries})
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
