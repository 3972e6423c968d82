package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/atc-api/internal/animal"
)

// FallbackFilename is the per-animal snapshot kept next to the uploaded images.
const FallbackFilename = "record.json"

// FileStore keeps one JSON snapshot per animal on local disk.
type FileStore struct {
	root string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Path returns the snapshot location for animalID.
func (f *FileStore) Path(animalID string) string {
	return filepath.Join(f.root, animalID, FallbackFilename)
}

// Load reads the snapshot for animalID.
func (f *FileStore) Load(animalID string) (*animal.Record, error) {
	data, err := os.ReadFile(f.Path(animalID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read fallback record: %w", err)
	}

	var rec animal.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode fallback record: %w", err)
	}
	if rec.AnimalID == "" {
		rec.AnimalID = animalID
	}
	return &rec, nil
}

// Write replaces the snapshot for rec.AnimalID. The file is written to a
// temporary name and renamed so readers never see a partial document.
func (f *FileStore) Write(rec *animal.Record) error {
	path := f.Path(rec.AnimalID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	data, err := json.MarshalIndent(sanitize(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("encode fallback record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), FallbackFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace fallback record: %w", err)
	}
	return nil
}

// sanitize normalizes timestamps to UTC so the file always carries RFC 3339
// UTC values. Store-internal identifiers never reach animal.Record.
func sanitize(rec *animal.Record) *animal.Record {
	out := rec.Clone()
	out.Timestamp = out.Timestamp.UTC()
	if out.Views == nil {
		out.Views = []animal.View{}
	}
	for i := range out.Views {
		out.Views[i].UploadedAt = out.Views[i].UploadedAt.UTC()
	}
	return out
}
