// Package manifest defines the export manifest: a JSON side-file enumerating
// the artifact files a job produced, with content hashes and sizes used for
// integrity verification at download time.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the manifest's name inside each namespace directory.
const FileName = "export_manifest.json"

// File describes one produced artifact.
type File struct {
	Name     string   `json:"name"`
	SHA256   string   `json:"sha256"`
	RowCount int64    `json:"row_count"`
	ByteSize int64    `json:"byte_size"`
	Sheets   []string `json:"sheets,omitempty"`
}

// Manifest is written once per successful job and immutable afterward.
type Manifest struct {
	Files       []File    `json:"files"`
	TotalRows   int64     `json:"total_rows"`
	GeneratedAt time.Time `json:"generated_at"`
	Format      string    `json:"format"`
	DeltaWindow string    `json:"delta_window,omitempty"`
}

// Lookup finds the entry whose name matches exactly.
func (m *Manifest) Lookup(name string) (File, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// Write persists the manifest into dir atomically: write to a temp sibling,
// then rename over the final name.
func Write(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: artifacts are served to clients, world-readable is intentional
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

// Load reads the manifest from dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		//nolint:wrapcheck // caller distinguishes os.IsNotExist
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
