// Package ingest loads external data into tables. It sits outside the core:
// the CLI uses it to seed a session's registry from CSV files and SQLite
// queries, and to export results.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tabula/internal/frame"
	"tabula/internal/logging"
	"tabula/internal/registry"
)

// ErrBadBinding is returned for a NAME=SOURCE argument that does not parse.
var ErrBadBinding = errors.New("expected NAME=SOURCE")

// Binding names a table source.
type Binding struct {
	Name   string
	Source string
}

// ParseBinding parses NAME=SOURCE. Without a name the file stem is used.
func ParseBinding(arg string) (Binding, error) {
	name, src, ok := strings.Cut(arg, "=")
	if !ok {
		src = arg
		name = strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
	}
	name, src = strings.TrimSpace(name), strings.TrimSpace(src)
	if name == "" || src == "" {
		return Binding{}, fmt.Errorf("%w: %q", ErrBadBinding, arg)
	}
	return Binding{Name: name, Source: src}, nil
}

// ReadCSV reads a table with a header row.
func ReadCSV(r io.Reader) (*frame.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv has no header row")
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return frame.FromRecords(header, records)
}

// LoadCSV reads a CSV file.
func LoadCSV(path string) (*frame.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	t, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadCSVs registers every binding's CSV file in reg.
func LoadCSVs(reg *registry.Registry, bindings []Binding) error {
	for _, b := range bindings {
		t, err := LoadCSV(b.Source)
		if err != nil {
			return err
		}
		if err := reg.Register(b.Name, t); err != nil {
			return fmt.Errorf("failed to register %s: %w", b.Name, err)
		}
		logging.Ingest("loaded %s from %s: %d rows x %d cols", b.Name, b.Source, t.NumRows(), t.NumCols())
	}
	return nil
}

// WriteCSV writes t with a header row.
func WriteCSV(w io.Writer, t *frame.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Names()); err != nil {
		return err
	}
	rec := make([]string, t.NumCols())
	for i := 0; i < t.NumRows(); i++ {
		for j, c := range t.Columns() {
			rec[j] = frame.FormatValue(c.Value(i))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
