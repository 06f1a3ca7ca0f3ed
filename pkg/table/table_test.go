package table

import (
	"strings"
	"testing"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostList = `WARNING: Command output may be truncated
+----+--------------+-------------+----------------+-------------+--------------+
| id | hostname     | personality | administrative | operational | availability |
+----+--------------+-------------+----------------+-------------+--------------+
| 1  | controller-0 | controller  | unlocked       | enabled     | available    |
| 2  | controller-1 | controller  | unlocked       | enabled     | available    |
| 3  | compute-0    | worker      | locked         | disabled    | online       |
+----+--------------+-------------+----------------+-------------+--------------+
`

const hostShow = `+---------------------+--------------------------------------+
| Property            | Value                                |
+---------------------+--------------------------------------+
| action              | none                                 |
| administrative      | unlocked                             |
| hostname            | controller-0                         |
| uuid                | 6a1e7e4c-1b7b-4a37-a0f0-1d3b8b4b0f9e |
+---------------------+--------------------------------------+`

func TestParseHostList(t *testing.T) {
	tbl, err := Parse(hostList)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "hostname", "personality", "administrative", "operational", "availability"}, tbl.Headers())
	assert.Equal(t, 3, tbl.Len())
	for _, r := range tbl.Rows() {
		assert.Len(t, r, 6)
	}

	names, err := Column(tbl, "hostname")
	require.NoError(t, err)
	assert.Equal(t, []string{"controller-0", "controller-1", "compute-0"}, names)
}

func TestGetWithFilters(t *testing.T) {
	tbl, err := Parse(hostList)
	require.NoError(t, err)

	tests := []struct {
		name    string
		match   Match
		filters Filters
		want    []string
	}{
		{"exact", Exact, Filters{"personality": "controller"}, []string{"controller-0", "controller-1"}},
		{"two filters", Exact, Filters{"personality": "controller", "id": "2"}, []string{"controller-1"}},
		{"substring", Substring, Filters{"hostname": "controller"}, []string{"controller-0", "controller-1"}},
		{"exact needs whole cell", Exact, Filters{"hostname": "controller"}, []string{}},
		{"regex", Regex, Filters{"hostname": `-\d$`, "operational": "^dis"}, []string{"compute-0"}},
		{"no filters", Exact, nil, []string{"controller-0", "controller-1", "compute-0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Get(tbl, "hostname", tt.match, tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnknownColumn(t *testing.T) {
	tbl, err := Parse(hostList)
	require.NoError(t, err)

	_, err = Column(tbl, "uptime")
	assert.True(t, serrors.IsNotFound(err))
	_, err = Get(tbl, "hostname", Exact, Filters{"uptime": "1"})
	assert.True(t, serrors.IsNotFound(err))
	_, err = Get(tbl, "hostname", Regex, Filters{"id": "("})
	assert.Equal(t, serrors.ErrInvalidInput, serrors.GetCode(err))
}

func TestTwoColumn(t *testing.T) {
	tbl, err := ParseTwoColumn(hostShow)
	require.NoError(t, err)

	v, err := LookupTwoColumn(tbl, "administrative")
	require.NoError(t, err)
	assert.Equal(t, "unlocked", v)

	_, err = LookupTwoColumn(tbl, "missing")
	assert.True(t, serrors.IsNotFound(err))

	_, err = ParseTwoColumn(hostList)
	assert.True(t, serrors.IsTableParse(err))
}

func TestMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"no border", "ERROR: host not found\n"},
		{"unterminated", "+---+---+\n| a | b |\n+---+---+\n| 1 | 2 |\n"},
		{"wrong cell count", "+---+---+\n| a | b |\n+---+---+\n| 1 | 2 | 3 |\n+---+---+\n"},
		{"garbage inside", "+---+---+\n| a | b |\n+---+---+\n| 1 | 2 |\noops\n+---+---+\n"},
		{"duplicate column", "+---+---+\n| a | a |\n+---+---+\n| 1 | 2 |\n+---+---+\n"},
		{"no header", "+---+---+\n+---+---+\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			require.Error(t, err)
			assert.True(t, serrors.IsTableParse(err))
			assert.Equal(t, tt.text, serrors.GetOutput(err))
		})
	}
}

func TestHeaderOnlyTable(t *testing.T) {
	tbl, err := Parse("+------+-------+\n| Name | State |\n+------+-------+\n+------+-------+\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "State"}, tbl.Headers())
	assert.Equal(t, 0, tbl.Len())
}

func TestTrailingTextIsIgnored(t *testing.T) {
	tbl, err := Parse(hostShow + "\ncontroller-0:~$ ")
	require.NoError(t, err)
	assert.Equal(t, 4, tbl.Len())
}

func TestCRLFInput(t *testing.T) {
	tbl, err := Parse(strings.ReplaceAll(hostList, "\n", "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())
}

func TestCellWithPipe(t *testing.T) {
	text := "+-----+-------+\n| cmd | out   |\n+-----+-------+\n| a|b | x     |\n+-----+-------+\n"
	tbl, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a|b", "x"}}, tbl.Rows())
}

func TestMergeWrapped(t *testing.T) {
	text := `+--------------+------------------+
| Name         | Addresses        |
+--------------+------------------+
| vm-1         | net0=10.0.0.5    |
|              | net1=10.1.0.5    |
| vm-2         | net0=10.0.0.6    |
+--------------+------------------+`

	raw, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, 3, raw.Len())

	tbl, err := Parse(text, MergeWrapped())
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "net0=10.0.0.5\nnet1=10.1.0.5", tbl.RowMaps()[0]["Addresses"])

	// The rendered form parses back to the same table.
	again, err := Parse(tbl.String(), MergeWrapped())
	require.NoError(t, err)
	same, diff := Diff(tbl, again)
	assert.True(t, same, diff)
}

func TestMergeWrappedHeader(t *testing.T) {
	text := "+-------+----------+\n| Name  | Admin    |\n|       | State    |\n+-------+----------+\n| c-0   | unlocked |\n+-------+----------+\n"

	_, err := Parse(text)
	assert.True(t, serrors.IsTableParse(err))

	tbl, err := Parse(text, MergeWrapped())
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "Admin State"}, tbl.Headers())
}

func TestStringRoundTrip(t *testing.T) {
	tbl, err := Parse(hostList)
	require.NoError(t, err)

	again, err := Parse(tbl.String())
	require.NoError(t, err)
	assert.Equal(t, tbl.Headers(), again.Headers())
	assert.Equal(t, tbl.Rows(), again.Rows())
}

func TestFilterAndRemoveColumns(t *testing.T) {
	tbl, err := Parse(hostList)
	require.NoError(t, err)

	controllers, err := Filter(tbl, Exact, Filters{"personality": "controller"})
	require.NoError(t, err)
	assert.Equal(t, 2, controllers.Len())
	assert.Equal(t, 3, tbl.Len())

	slim := RemoveColumns(controllers, "id", "availability", "nope")
	assert.Equal(t, []string{"hostname", "personality", "administrative", "operational"}, slim.Headers())
	assert.Equal(t, []string{"controller-0", "controller", "unlocked", "enabled"}, slim.Rows()[0])
}

func TestMultiValues(t *testing.T) {
	tbl, err := Parse(hostList)
	require.NoError(t, err)

	got, err := MultiValues(tbl, []string{"hostname", "administrative"}, Exact, Filters{"personality": "worker"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"compute-0", "locked"}}, got)
}

func TestDiff(t *testing.T) {
	a, err := New([]string{"name", "state"}, [][]string{{"c-0", "up"}, {"c-1", "down"}})
	require.NoError(t, err)
	b, err := New([]string{"state", "name"}, [][]string{{"down", "c-1"}, {"up", "c-0"}})
	require.NoError(t, err)

	same, diff := Diff(a, b)
	assert.True(t, same)
	assert.Empty(t, diff)

	c, err := New([]string{"name", "state"}, [][]string{{"c-0", "up"}, {"c-1", "up"}})
	require.NoError(t, err)
	same, diff = Diff(a, c)
	assert.False(t, same)
	assert.Equal(t, "- c-1 | down\n+ c-1 | up", diff)

	d, err := New([]string{"name"}, nil)
	require.NoError(t, err)
	same, diff = Diff(a, d)
	assert.False(t, same)
	assert.Contains(t, diff, "columns differ")
}

func TestNewValidatesShape(t *testing.T) {
	_, err := New([]string{"a", "b"}, [][]string{{"1"}})
	assert.Error(t, err)
	_, err = New([]string{"a", "a"}, nil)
	assert.Error(t, err)
}
