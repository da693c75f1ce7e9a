// Package store implements the tabular file persistence layer: CSV
// tables that preserve every physical line across writes, the atomic
// rename protocol, the append-only audit log and the editor
// coordination handshake.
package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ttslo/pkg/retry"
)

// ErrPaused is returned by every write while the editor coordination
// handshake is active. Callers keep their change in memory and retry
// on a later tick.
var ErrPaused = errors.New("persistence paused for editor coordination")

// Line is one physical line of a tabular file. Raw is written back
// verbatim unless the line's fields were explicitly modified.
type Line struct {
	Raw      string
	Fields   []string
	IsRecord bool
	dirty    bool
}

// Table is the in-memory image of one CSV file. Comment lines (first
// non-blank character '#') and blank lines survive every rewrite
// byte-for-byte; so do unmodified records.
type Table struct {
	Path   string
	Header []string

	lines     []Line
	headerIdx int
	colIndex  map[string]int
}

// ReadTable loads a CSV file preserving all lines. The first
// non-comment, non-blank line is the header.
func ReadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseTable(path, string(data))
}

// NewTable builds an empty table with the given header, for files that
// do not exist yet.
func NewTable(path string, header []string) *Table {
	t := &Table{
		Path:      path,
		Header:    header,
		headerIdx: 0,
		colIndex:  make(map[string]int, len(header)),
	}
	t.lines = []Line{{Raw: renderRecord(header), Fields: header, IsRecord: true}}
	for i, col := range header {
		t.colIndex[col] = i
	}
	return t
}

func parseTable(path, content string) (*Table, error) {
	// A trailing newline is the file's terminator, not an extra blank line.
	content = strings.TrimSuffix(content, "\n")
	raw := strings.Split(content, "\n")

	t := &Table{Path: path, headerIdx: -1}
	for _, text := range raw {
		trimmed := strings.TrimSpace(strings.TrimSuffix(text, "\r"))
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			t.lines = append(t.lines, Line{Raw: text})
			continue
		}

		fields, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, len(t.lines)+1, err)
		}
		t.lines = append(t.lines, Line{Raw: text, Fields: fields, IsRecord: true})

		if t.headerIdx < 0 {
			t.headerIdx = len(t.lines) - 1
			t.Header = fields
			t.colIndex = make(map[string]int, len(fields))
			for i, col := range fields {
				t.colIndex[col] = i
			}
		}
	}

	if t.headerIdx < 0 {
		return nil, fmt.Errorf("%s: no header row", path)
	}
	return t, nil
}

func parseRecord(text string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.TrimLeadingSpace = true
	fields, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields, nil
}

func renderRecord(fields []string) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// Col returns the index of a named column, -1 if absent.
func (t *Table) Col(name string) int {
	idx, ok := t.colIndex[name]
	if !ok {
		return -1
	}
	return idx
}

// RequireColumns verifies the header names every required column.
func (t *Table) RequireColumns(names ...string) error {
	var missing []string
	for _, name := range names {
		if t.Col(name) < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: header missing columns %s", t.Path, strings.Join(missing, ", "))
	}
	return nil
}

// Record is one data row with its physical position.
type Record struct {
	LineIdx int
	LineNo  int // 1-based, as an editor shows it
	Fields  []string
}

// Records returns the data rows after the header, in file order.
func (t *Table) Records() []Record {
	var out []Record
	for i := t.headerIdx + 1; i < len(t.lines); i++ {
		if t.lines[i].IsRecord {
			out = append(out, Record{LineIdx: i, LineNo: i + 1, Fields: t.lines[i].Fields})
		}
	}
	return out
}

// Field reads a named column from a record, "" when the row is shorter
// than the header.
func (t *Table) Field(rec Record, col string) string {
	idx := t.Col(col)
	if idx < 0 || idx >= len(rec.Fields) {
		return ""
	}
	return rec.Fields[idx]
}

// Find locates the first record whose named column equals value.
func (t *Table) Find(col, value string) (Record, bool) {
	idx := t.Col(col)
	if idx < 0 {
		return Record{}, false
	}
	for _, rec := range t.Records() {
		if idx < len(rec.Fields) && rec.Fields[idx] == value {
			return rec, true
		}
	}
	return Record{}, false
}

// SetField updates one column of a record, extending short rows with
// empty columns. A write of the current value leaves the line clean so
// its original bytes survive the next render.
func (t *Table) SetField(rec Record, col, value string) error {
	idx := t.Col(col)
	if idx < 0 {
		return fmt.Errorf("%s: no column %q", t.Path, col)
	}

	line := &t.lines[rec.LineIdx]
	for len(line.Fields) <= idx {
		line.Fields = append(line.Fields, "")
	}
	if line.Fields[idx] == value {
		return nil
	}
	line.Fields[idx] = value
	line.dirty = true
	return nil
}

// Append adds a new record at the end of the file.
func (t *Table) Append(fields []string) {
	t.lines = append(t.lines, Line{
		Raw:      renderRecord(fields),
		Fields:   fields,
		IsRecord: true,
		dirty:    true,
	})
}

// Render produces the full file image. Dirty records are re-rendered
// from their fields; everything else keeps its original bytes.
func (t *Table) Render() []byte {
	var b strings.Builder
	for _, line := range t.lines {
		if line.dirty {
			b.WriteString(renderRecord(line.Fields))
		} else {
			b.WriteString(line.Raw)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// WriteFile writes the rendered table through the atomic protocol and
// marks every line clean on success.
func (t *Table) WriteFile(ctx context.Context) error {
	if err := AtomicWrite(ctx, t.Path, t.Render()); err != nil {
		return err
	}
	for i := range t.lines {
		if t.lines[i].dirty {
			t.lines[i].Raw = renderRecord(t.lines[i].Fields)
			t.lines[i].dirty = false
		}
	}
	return nil
}

// AtomicWrite replaces path with data: temp file in the same directory,
// write, sync, rename. The whole sequence is retried on failure with a
// short backoff so a transient filesystem error does not lose the write.
func AtomicWrite(ctx context.Context, path string, data []byte) error {
	return retry.Do(ctx, retry.FilePolicy, retry.Always, func() error {
		dir := filepath.Dir(path)
		tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		tmpName := tmp.Name()

		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to write temp file: %w", err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("failed to close temp file: %w", err)
		}

		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("failed to replace %s: %w", path, err)
		}
		return nil
	})
}

// AppendRow appends one CSV row to an append-only file, writing the
// header first when the file is new or empty. The row goes out in a
// single Write call.
func AppendRow(path string, header, fields []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(renderRecord(header))
		b.WriteByte('\n')
	}
	b.WriteString(renderRecord(fields))
	b.WriteByte('\n')

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}
