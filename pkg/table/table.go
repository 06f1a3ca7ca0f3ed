// Package table parses the ASCII grid tables printed by OpenStack-style
// CLIs and queries them by column and row filters.
//
//	+----------+-------------+
//	| Field    | Value       |
//	+----------+-------------+
//	| hostname | controller-0|
//	+----------+-------------+
package table

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
)

var borderRe = regexp.MustCompile(`^\+[-=+]+\+$`)

// Table is a parsed grid: ordered unique column names and rows that each
// have exactly one cell per column.
type Table struct {
	columns []string
	rows    [][]string
}

// New builds a table from columns and rows, validating the shape.
func New(columns []string, rows [][]string) (*Table, error) {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c] {
			return nil, serrors.Newf(serrors.ErrInvalidInput, "duplicate column %q", c)
		}
		seen[c] = true
	}
	t := &Table{columns: append([]string(nil), columns...)}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, serrors.Newf(serrors.ErrInvalidInput, "row %d has %d cells, want %d", i, len(r), len(columns))
		}
		t.rows = append(t.rows, append([]string(nil), r...))
	}
	return t, nil
}

// Headers returns the column names in order.
func (t *Table) Headers() []string {
	return append([]string(nil), t.columns...)
}

// Rows returns a copy of all rows.
func (t *Table) Rows() [][]string {
	out := make([][]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.rows) }

// RowMaps returns each row keyed by column name.
func (t *Table) RowMaps() []map[string]string {
	out := make([]map[string]string, len(t.rows))
	for i, r := range t.rows {
		m := make(map[string]string, len(t.columns))
		for j, c := range t.columns {
			m[c] = r[j]
		}
		out[i] = m
	}
	return out
}

func (t *Table) index(column string) int {
	for i, c := range t.columns {
		if c == column {
			return i
		}
	}
	return -1
}

type parseConfig struct {
	mergeWrapped bool
}

// Option configures Parse.
type Option func(*parseConfig)

// MergeWrapped folds continuation rows into the row above. A continuation
// row has an empty first cell; its non-empty cells are appended to the
// cells above on a new line. Wrapped header lines are joined with a space.
func MergeWrapped() Option {
	return func(c *parseConfig) { c.mergeWrapped = true }
}

func parseError(text string, line int, format string, args ...interface{}) error {
	return &serrors.Error{
		Code:    serrors.ErrTableParse,
		Message: fmt.Sprintf(format, args...),
		Output:  text,
		Context: map[string]interface{}{"line": line},
	}
}

// Parse reads the first grid table in text. Lines before the first border,
// such as warnings, are ignored, and so is anything after the table.
func Parse(text string, opts ...Option) (*Table, error) {
	cfg := parseConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(strings.TrimRight(lines[i], "\r"))
	}

	first := -1
	for i, l := range lines {
		if borderRe.MatchString(l) {
			first = i
			break
		}
	}
	if first == -1 {
		return nil, parseError(text, 0, "no table border found")
	}

	bounds := plusPositions(lines[first])
	if len(bounds) < 2 {
		return nil, parseError(text, first+1, "border has no columns")
	}
	width := utf8.RuneCountInString(lines[first])
	ncols := len(bounds) - 1

	var (
		header        [][]string
		rows          [][]string
		borders       = 1
		lastWasBorder = true
		closed        bool
	)
	for i := first + 1; i < len(lines); i++ {
		l := lines[i]
		if borderRe.MatchString(l) {
			borders++
			lastWasBorder = true
			continue
		}
		if !strings.HasPrefix(l, "|") {
			if lastWasBorder && borders >= 2 {
				closed = true
				break
			}
			return nil, parseError(text, i+1, "unexpected line inside table: %q", l)
		}

		cells, ok := splitRow(l, bounds, width)
		if !ok {
			return nil, parseError(text, i+1, "row does not have %d cells: %q", ncols, l)
		}
		lastWasBorder = false
		if borders == 1 {
			header = append(header, cells)
		} else {
			rows = append(rows, cells)
		}
	}
	if !closed && !(lastWasBorder && borders >= 2) {
		return nil, parseError(text, len(lines), "table is not terminated by a border")
	}
	if len(header) == 0 {
		return nil, parseError(text, first+2, "table has no header row")
	}

	var columns []string
	if len(header) > 1 {
		if !cfg.mergeWrapped {
			return nil, parseError(text, first+2, "table has %d header lines", len(header))
		}
		columns = mergeCells(header, " ")
	} else {
		columns = header[0]
	}

	if cfg.mergeWrapped {
		rows = mergeContinuations(rows)
	}

	t, err := New(columns, rows)
	if err != nil {
		return nil, parseError(text, first+2, "%v", err)
	}
	return t, nil
}

// ParseTwoColumn parses a Field/Value style table.
func ParseTwoColumn(text string, opts ...Option) (*Table, error) {
	t, err := Parse(text, opts...)
	if err != nil {
		return nil, err
	}
	if len(t.columns) != 2 {
		return nil, parseError(text, 0, "expected 2 columns, got %d", len(t.columns))
	}
	return t, nil
}

func plusPositions(border string) []int {
	var pos []int
	i := 0
	for _, r := range border {
		if r == '+' {
			pos = append(pos, i)
		}
		i++
	}
	return pos
}

// splitRow cuts a row at the border's column boundaries. Rows whose width
// does not line up with the border fall back to splitting on '|'.
func splitRow(line string, bounds []int, width int) ([]string, bool) {
	ncols := len(bounds) - 1
	runes := []rune(line)
	if len(runes) == width {
		aligned := true
		for _, b := range bounds {
			if runes[b] != '|' {
				aligned = false
				break
			}
		}
		if aligned {
			cells := make([]string, ncols)
			for c := 0; c < ncols; c++ {
				cells[c] = strings.TrimSpace(string(runes[bounds[c]+1 : bounds[c+1]]))
			}
			return cells, true
		}
	}

	if !strings.HasSuffix(line, "|") {
		return nil, false
	}
	parts := strings.Split(line, "|")
	parts = parts[1 : len(parts)-1]
	if len(parts) != ncols {
		return nil, false
	}
	cells := make([]string, ncols)
	for c, p := range parts {
		cells[c] = strings.TrimSpace(p)
	}
	return cells, true
}

func mergeCells(lines [][]string, sep string) []string {
	out := make([]string, len(lines[0]))
	for c := range out {
		var parts []string
		for _, l := range lines {
			if l[c] != "" {
				parts = append(parts, l[c])
			}
		}
		out[c] = strings.Join(parts, sep)
	}
	return out
}

func mergeContinuations(rows [][]string) [][]string {
	var out [][]string
	for _, r := range rows {
		if len(out) > 0 && r[0] == "" {
			prev := out[len(out)-1]
			for c, cell := range r {
				if cell == "" {
					continue
				}
				if prev[c] == "" {
					prev[c] = cell
				} else {
					prev[c] += "\n" + cell
				}
			}
			continue
		}
		out = append(out, append([]string(nil), r...))
	}
	return out
}

// String renders the table as a grid that Parse reads back. Multi-line
// cells are rendered as continuation rows.
func (t *Table) String() string {
	widths := make([]int, len(t.columns))
	for i, c := range t.columns {
		widths[i] = utf8.RuneCountInString(c)
	}
	for _, r := range t.rows {
		for i, cell := range r {
			for _, part := range strings.Split(cell, "\n") {
				if n := utf8.RuneCountInString(part); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}

	var b strings.Builder
	border := func() {
		b.WriteByte('+')
		for _, w := range widths {
			b.WriteString(strings.Repeat("-", w+2))
			b.WriteByte('+')
		}
		b.WriteByte('\n')
	}
	line := func(cells []string) {
		b.WriteByte('|')
		for i, cell := range cells {
			b.WriteByte(' ')
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)+1))
			b.WriteByte('|')
		}
		b.WriteByte('\n')
	}
	row := func(cells []string) {
		split := make([][]string, len(cells))
		height := 1
		for i, cell := range cells {
			split[i] = strings.Split(cell, "\n")
			if len(split[i]) > height {
				height = len(split[i])
			}
		}
		for h := 0; h < height; h++ {
			out := make([]string, len(cells))
			for i := range cells {
				if h < len(split[i]) {
					out[i] = split[i][h]
				}
			}
			line(out)
		}
	}

	border()
	line(t.columns)
	border()
	for _, r := range t.rows {
		row(r)
	}
	border()
	return b.String()
}
