package table

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
)

// Match selects how filter values are compared with cells.
type Match int

const (
	// Exact requires the cell to equal the filter value.
	Exact Match = iota
	// Substring requires the cell to contain the filter value.
	Substring
	// Regex treats the filter value as a regular expression.
	Regex
)

func (m Match) String() string {
	switch m {
	case Exact:
		return "exact"
	case Substring:
		return "substring"
	case Regex:
		return "regex"
	default:
		return fmt.Sprintf("match(%d)", int(m))
	}
}

// Filters maps column names to the value each row must match. All filters
// must match for a row to be selected.
type Filters map[string]string

type compiledFilter struct {
	col   int
	value string
	re    *regexp.Regexp
}

func (t *Table) compile(match Match, filters Filters) ([]compiledFilter, error) {
	// Sorted so errors name the same column on every run.
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]compiledFilter, 0, len(filters))
	for _, name := range names {
		col := t.index(name)
		if col < 0 {
			return nil, t.missing(name)
		}
		f := compiledFilter{col: col, value: filters[name]}
		if match == Regex {
			re, err := regexp.Compile(f.value)
			if err != nil {
				return nil, serrors.Wrap(err, serrors.ErrInvalidInput, fmt.Sprintf("invalid filter pattern for column %q", name))
			}
			f.re = re
		}
		out = append(out, f)
	}
	return out, nil
}

func (t *Table) missing(column string) error {
	return &serrors.Error{
		Code:    serrors.ErrNotFound,
		Message: fmt.Sprintf("no column %q", column),
		Context: map[string]interface{}{"columns": strings.Join(t.columns, ",")},
	}
}

func matches(row []string, match Match, filters []compiledFilter) bool {
	for _, f := range filters {
		cell := row[f.col]
		switch match {
		case Substring:
			if !strings.Contains(cell, f.value) {
				return false
			}
		case Regex:
			if !f.re.MatchString(cell) {
				return false
			}
		default:
			if cell != f.value {
				return false
			}
		}
	}
	return true
}

// Column returns every value of column, in row order.
func Column(t *Table, column string) ([]string, error) {
	col := t.index(column)
	if col < 0 {
		return nil, t.missing(column)
	}
	out := make([]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = r[col]
	}
	return out, nil
}

// Get returns the values of column for the rows matching filters.
func Get(t *Table, column string, match Match, filters Filters) ([]string, error) {
	values, err := MultiValues(t, []string{column}, match, filters)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v[0]
	}
	return out, nil
}

// MultiValues returns, for each row matching filters, the cells of columns
// in the requested order.
func MultiValues(t *Table, columns []string, match Match, filters Filters) ([][]string, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.index(c)
		if idx[i] < 0 {
			return nil, t.missing(c)
		}
	}
	compiled, err := t.compile(match, filters)
	if err != nil {
		return nil, err
	}

	var out [][]string
	for _, r := range t.rows {
		if !matches(r, match, compiled) {
			continue
		}
		vals := make([]string, len(idx))
		for i, col := range idx {
			vals[i] = r[col]
		}
		out = append(out, vals)
	}
	return out, nil
}

// Filter returns a new table holding only the rows matching filters.
func Filter(t *Table, match Match, filters Filters) (*Table, error) {
	compiled, err := t.compile(match, filters)
	if err != nil {
		return nil, err
	}
	out := &Table{columns: t.Headers()}
	for _, r := range t.rows {
		if matches(r, match, compiled) {
			out.rows = append(out.rows, append([]string(nil), r...))
		}
	}
	return out, nil
}

// LookupTwoColumn returns the second cell of the row whose first cell is
// field, as in `openstack ... show` output.
func LookupTwoColumn(t *Table, field string) (string, error) {
	if len(t.columns) != 2 {
		return "", serrors.Newf(serrors.ErrInvalidInput, "expected a 2-column table, got %d columns", len(t.columns))
	}
	for _, r := range t.rows {
		if r[0] == field {
			return r[1], nil
		}
	}
	return "", &serrors.Error{
		Code:    serrors.ErrNotFound,
		Message: fmt.Sprintf("no field %q", field),
	}
}

// RemoveColumns returns a copy of t without the named columns. Unknown names
// are ignored.
func RemoveColumns(t *Table, names ...string) *Table {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var keep []int
	out := &Table{}
	for i, c := range t.columns {
		if !drop[c] {
			keep = append(keep, i)
			out.columns = append(out.columns, c)
		}
	}
	for _, r := range t.rows {
		nr := make([]string, len(keep))
		for i, k := range keep {
			nr[i] = r[k]
		}
		out.rows = append(out.rows, nr)
	}
	return out
}

// Diff compares two tables ignoring column and row order. It reports
// whether they hold the same data and, if not, a description of the
// differences.
func Diff(a, b *Table) (bool, string) {
	colsA := append([]string(nil), a.columns...)
	colsB := append([]string(nil), b.columns...)
	sort.Strings(colsA)
	sort.Strings(colsB)
	if strings.Join(colsA, "\x00") != strings.Join(colsB, "\x00") {
		return false, fmt.Sprintf("columns differ: %v vs %v", a.columns, b.columns)
	}

	key := func(t *Table, r []string) string {
		parts := make([]string, len(colsA))
		for i, c := range colsA {
			parts[i] = r[t.index(c)]
		}
		return strings.Join(parts, "\x00")
	}
	count := make(map[string]int)
	for _, r := range a.rows {
		count[key(a, r)]++
	}
	for _, r := range b.rows {
		count[key(b, r)]--
	}

	var onlyA, onlyB []string
	for k, n := range count {
		row := strings.ReplaceAll(k, "\x00", " | ")
		for ; n > 0; n-- {
			onlyA = append(onlyA, row)
		}
		for ; n < 0; n++ {
			onlyB = append(onlyB, row)
		}
	}
	if len(onlyA) == 0 && len(onlyB) == 0 {
		return true, ""
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	var out strings.Builder
	for _, r := range onlyA {
		fmt.Fprintf(&out, "- %s\n", r)
	}
	for _, r := range onlyB {
		fmt.Fprintf(&out, "+ %s\n", r)
	}
	return false, strings.TrimRight(out.String(), "\n")
}
