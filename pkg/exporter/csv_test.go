package exporter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hamgam/exportd/pkg/manifest"
	"github.com/hamgam/exportd/pkg/orchestrator"
)

type staticProvider struct {
	header []string
	rows   [][]string
	err    error
}

func (p *staticProvider) Rows(context.Context, map[string]string) ([]string, [][]string, error) {
	return p.header, p.rows, p.err
}

func TestRunWritesArtifactAndManifest(t *testing.T) {
	root := t.TempDir()
	e := NewCSV(root, &staticProvider{
		header: []string{"national_id", "name"},
		rows:   [][]string{{"001", "Sara"}, {"002", "Reza"}},
	})

	m, err := e.Run(context.Background(), orchestrator.Request{
		Namespace: "1402",
		Options:   map[string]string{"filename": "students.csv"},
	})
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
	require.EqualValues(t, 2, m.TotalRows)
	require.Equal(t, "csv", m.Format)

	entry := m.Files[0]
	require.Equal(t, "students.csv", entry.Name)

	// Artifact bytes match the manifest's hash and size.
	data, err := os.ReadFile(filepath.Join(root, "1402", "students.csv"))
	require.NoError(t, err)
	require.EqualValues(t, len(data), entry.ByteSize)
	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), entry.SHA256)
	require.Equal(t, "national_id,name\n001,Sara\n002,Reza\n", string(data))

	// Manifest side-file is in place, no .part left behind.
	loaded, err := manifest.Load(filepath.Join(root, "1402"))
	require.NoError(t, err)
	require.Equal(t, m.Files, loaded.Files)
	parts, err := filepath.Glob(filepath.Join(root, "1402", "*.part"))
	require.NoError(t, err)
	require.Empty(t, parts)
}

func TestRunPropagatesProviderErrors(t *testing.T) {
	e := NewCSV(t.TempDir(), &staticProvider{
		err: &orchestrator.ValidationError{Detail: "unknown year"},
	})

	_, err := e.Run(context.Background(), orchestrator.Request{Namespace: "1402"})
	var verr *orchestrator.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRunLargeExport(t *testing.T) {
	rows := make([][]string, 500)
	for i := range rows {
		rows[i] = []string{strconv.Itoa(i), "student-" + strconv.Itoa(i)}
	}
	root := t.TempDir()
	e := NewCSV(root, &staticProvider{header: []string{"id", "name"}, rows: rows})

	m, err := e.Run(context.Background(), orchestrator.Request{Namespace: "1403"})
	require.NoError(t, err)
	require.EqualValues(t, 500, m.TotalRows)

	info, err := os.Stat(filepath.Join(root, "1403", "students.csv"))
	require.NoError(t, err)
	require.Equal(t, info.Size(), m.Files[0].ByteSize)
}
