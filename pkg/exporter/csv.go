// Package exporter provides a reference CSV exporter for the job pipeline.
// It owns the artifact write discipline: bytes go to a .part sibling first
// and are renamed into place, so the gateway's atomic-completion guard holds.
package exporter

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hamgam/exportd/pkg/manifest"
	"github.com/hamgam/exportd/pkg/orchestrator"
)

// RowProvider supplies the export content. The artifact format around it is
// opaque to the pipeline.
type RowProvider interface {
	// Rows returns the header and data rows for the given filters. A
	// *orchestrator.ValidationError marks bad filters; any I/O-kind failure
	// should be a *orchestrator.TransientIOError.
	Rows(ctx context.Context, filters map[string]string) (header []string, rows [][]string, err error)
}

// CSV writes one CSV artifact per job into {root}/{namespace}.
type CSV struct {
	root     string
	provider RowProvider
	now      func() time.Time
}

// NewCSV creates a CSV exporter rooted at the workspace directory.
func NewCSV(root string, provider RowProvider) *CSV {
	return &CSV{root: root, provider: provider, now: time.Now}
}

// Run implements orchestrator.Exporter.
func (e *CSV) Run(ctx context.Context, req orchestrator.Request) (*manifest.Manifest, error) {
	header, rows, err := e.provider.Rows(ctx, req.Filters)
	if err != nil {
		return nil, err
	}

	name := req.Options["filename"]
	if name == "" {
		name = "students.csv"
	}

	dir := filepath.Join(e.root, req.Namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &orchestrator.TransientIOError{Err: fmt.Errorf("create namespace dir: %w", err)}
	}

	entry, err := e.writeArtifact(dir, name, header, rows)
	if err != nil {
		return nil, err
	}

	m := &manifest.Manifest{
		Files:       []manifest.File{entry},
		TotalRows:   entry.RowCount,
		GeneratedAt: e.now().UTC(),
		Format:      "csv",
	}
	if err := manifest.Write(dir, m); err != nil {
		return nil, &orchestrator.TransientIOError{Err: err}
	}
	return m, nil
}

// writeArtifact streams rows into name.part, hashing as it writes, then
// renames into place.
func (e *CSV) writeArtifact(dir, name string, header []string, rows [][]string) (manifest.File, error) {
	finalPath := filepath.Join(dir, name)
	partPath := finalPath + ".part"

	f, err := os.Create(partPath)
	if err != nil {
		return manifest.File{}, &orchestrator.TransientIOError{Err: fmt.Errorf("create part file: %w", err)}
	}

	hasher := sha256.New()
	counter := &countingWriter{}
	w := csv.NewWriter(io.MultiWriter(f, hasher, counter))

	writeErr := func() error {
		if len(header) > 0 {
			if err := w.Write(header); err != nil {
				return err
			}
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	}()
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(partPath)
		return manifest.File{}, &orchestrator.TransientIOError{Err: fmt.Errorf("write artifact: %w", writeErr)}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		return manifest.File{}, &orchestrator.TransientIOError{Err: fmt.Errorf("finalize artifact: %w", err)}
	}

	return manifest.File{
		Name:     name,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		RowCount: int64(len(rows)),
		ByteSize: counter.n,
	}, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
