package exporter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/hamgam/exportd/pkg/orchestrator"
)

// FileProvider reads export rows from a CSV source file. Filter keys are
// matched against header column names; a row is kept only when every filter
// value equals the row's cell in that column exactly.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider backed by the CSV at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Rows(ctx context.Context, filters map[string]string) ([]string, [][]string, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &orchestrator.ValidationError{Detail: fmt.Sprintf("source file %s does not exist", p.path)}
		}
		return nil, nil, &orchestrator.TransientIOError{Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, &orchestrator.TransientIOError{Err: fmt.Errorf("read header: %w", err)}
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for name := range filters {
		if _, ok := col[name]; !ok {
			return nil, nil, &orchestrator.ValidationError{Detail: fmt.Sprintf("unknown filter column %q", name)}
		}
	}

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &orchestrator.TransientIOError{Err: fmt.Errorf("read row: %w", err)}
		}
		if matches(row, filters, col) {
			rows = append(rows, row)
		}
	}
	return header, rows, nil
}

func matches(row []string, filters map[string]string, col map[string]int) bool {
	for name, want := range filters {
		i := col[name]
		if i >= len(row) || row[i] != want {
			return false
		}
	}
	return true
}
