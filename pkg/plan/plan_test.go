package plan

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/index"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/scope"
	"github.com/toschoo/nowdb/pkg/sql"
	"github.com/toschoo/nowdb/pkg/types"
)

// cell is one decoded wire cell.
type cell struct {
	typ types.Type
	u   uint64
	s   string
}

func (c cell) float() float64 { return types.Value{Typ: types.Float, Bits: c.u}.Float() }

// decodeRows splits a fetch buffer back into rows of cells.
func decodeRows(t *testing.T, buf []byte) [][]cell {
	t.Helper()
	var rows [][]cell
	var row []cell
	for i := 0; i < len(buf); {
		if buf[i] == EndOfRow {
			rows = append(rows, row)
			row = nil
			i++
			continue
		}
		typ := types.Type(buf[i])
		i++
		switch typ {
		case types.Nothing:
			row = append(row, cell{typ: typ})
		case types.Text:
			n := int(binary.LittleEndian.Uint32(buf[i:]))
			i += 4
			row = append(row, cell{typ: typ, s: string(buf[i : i+n])})
			i += n
		default:
			row = append(row, cell{typ: typ, u: binary.LittleEndian.Uint64(buf[i:])})
			i += 8
		}
	}
	return rows
}

// fetchAll drains a cursor.
func fetchAll(t *testing.T, c *Cursor) [][]cell {
	t.Helper()
	var all []byte
	buf := make([]byte, 512)
	for {
		n, _, err := c.Fetch(buf)
		all = append(all, buf[:n]...)
		if err != nil {
			require.Equal(t, errs.EOF, err.Kind)
			break
		}
	}
	return decodeRows(t, all)
}

func retailScope(t *testing.T) *scope.Scope {
	t.Helper()
	base := filepath.Join(t.TempDir(), "retail")
	s, err := scope.Create(base, "retail", scope.Options{Sorters: 1})
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })

	_, merr := s.Model().AddVertexType("client", model.VidNum, []model.PropDef{
		{Name: "client_key", Typ: types.UInt, PK: true},
	})
	require.Nil(t, merr)
	_, merr = s.Model().AddVertexType("product", model.VidNum, []model.PropDef{
		{Name: "prod_key", Typ: types.UInt, PK: true},
		{Name: "prod_desc", Typ: types.Text},
		{Name: "prod_price", Typ: types.Float},
	})
	require.Nil(t, merr)
	_, merr = s.Model().AddEdgeType("buys", "client", "product",
		types.Float, types.Float, types.Nothing, true)
	require.Nil(t, merr)
	require.Nil(t, s.CreateContext(scope.ContextConfig{
		Name: "buys", Sorted: true, Stamped: true,
	}))
	return s
}

func loadBuys(t *testing.T, s *scope.Scope, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.Nil(t, s.InsertEdge("buys", scope.EdgeValues{
			Origin: types.NewUInt(uint64(i%4 + 1)),
			Destin: types.NewUInt(uint64(i%7 + 100)),
			Stamp:  int64(i + 1),
			Weight: types.NewFloat(float64(i%10) + 0.5),
		}))
	}
}

func query(t *testing.T, s *scope.Scope, q string) *Plan {
	t.Helper()
	stmt, err := sql.NewParser().Parse(q)
	require.Nil(t, err)
	p, perr := FromAST(s, stmt)
	require.Nil(t, perr)
	return p
}

func run(t *testing.T, s *scope.Scope, q string) [][]cell {
	t.Helper()
	c, err := NewCursor(query(t, s, q))
	require.Nil(t, err)
	defer c.Close()
	return fetchAll(t, c)
}

func TestSelectAllEdges(t *testing.T) {
	s := retailScope(t)
	loadBuys(t, s, 100)

	rows := run(t, s, "select origin, destin, weight from buys")
	require.Len(t, rows, 100)
	assert.Equal(t, types.UInt, rows[0][0].typ)
	assert.Equal(t, types.Float, rows[0][2].typ)
}

func TestSelectWhere(t *testing.T) {
	s := retailScope(t)
	loadBuys(t, s, 100) // origins 1..4 round robin

	rows := run(t, s, "select origin from buys where origin = 2")
	require.Len(t, rows, 25)
	for _, r := range rows {
		assert.Equal(t, uint64(2), r[0].u)
	}
}

func TestCountAndSum(t *testing.T) {
	s := retailScope(t)
	const n = 100
	loadBuys(t, s, n)

	// pre-aggregate over the generator
	var want float64
	for i := 0; i < n; i++ {
		if i%4+1 == 1 {
			want += float64(i%10) + 0.5
		}
	}
	rows := run(t, s, "select count(*), sum(weight) from buys where origin = 1")
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(25), rows[0][0].u)
	assert.InDelta(t, want, rows[0][1].float(), 1e-9)
}

func TestGroupBy(t *testing.T) {
	s := retailScope(t)
	loadBuys(t, s, 100)

	rows := run(t, s, "select origin, count(*) from buys group by origin")
	require.Len(t, rows, 4)
	var total uint64
	for _, r := range rows {
		total += r[1].u
	}
	assert.Equal(t, uint64(100), total)
	// groups emit in ascending key order
	assert.Equal(t, uint64(1), rows[0][0].u)
	assert.Equal(t, uint64(4), rows[3][0].u)
}

func TestPeriodPruning(t *testing.T) {
	s := retailScope(t)
	loadBuys(t, s, 100) // stamps 1..100

	p := query(t, s, "select origin from buys where timestamp >= 1000")
	assert.Equal(t, int64(1000), p.Period.Start)

	rows := run(t, s, "select origin from buys where timestamp >= 1000")
	assert.Empty(t, rows)

	rows = run(t, s, "select origin from buys where timestamp >= 50 and timestamp < 60")
	assert.Len(t, rows, 10)
}

func TestIndexSelection(t *testing.T) {
	s := retailScope(t)
	_, err := s.Indexes().CreateIndex(index.Desc{
		Name:    "idx_buys_od",
		Context: "buys",
		Keys: types.KeyLayout{
			{Off: types.OffOrigin, Size: 8},
			{Off: types.OffDestin, Size: 8},
		},
		Content: types.ContentEdge,
	})
	require.Nil(t, err)
	loadBuys(t, s, 512) // four complete pages feed the index

	q := "select origin, destin from buys where origin = 1 and destin = 100"
	p := query(t, s, q)
	assert.Equal(t, KindSearch, p.Kind)
	assert.Equal(t, "search(idx_buys_od)", p.Explain())

	indexed := run(t, s, q)

	// a partially covered index falls back to fullscan
	p2 := query(t, s, "select origin from buys where origin = 1")
	assert.Equal(t, KindFullscan, p2.Kind)

	// same rows as the fullscan with the same where
	s2 := retailScope(t)
	loadBuys(t, s2, 512)
	full := run(t, s2, q)
	assert.Equal(t, len(full), len(indexed))
	for i := range full {
		assert.Equal(t, full[i][0].u, indexed[i][0].u)
		assert.Equal(t, full[i][1].u, indexed[i][1].u)
	}
}

func TestOrderBy(t *testing.T) {
	s := retailScope(t)
	loadBuys(t, s, 50)

	rows := run(t, s, "select destin from buys order by destin")
	require.Len(t, rows, 50)
	for i := 1; i < len(rows); i++ {
		assert.LessOrEqual(t, rows[i-1][0].u, rows[i][0].u)
	}
}

func TestVertexQuery(t *testing.T) {
	s := retailScope(t)
	for i := 1; i <= 20; i++ {
		_, err := s.InsertVertex("product", map[string]types.Value{
			"prod_key":   types.NewUInt(uint64(i)),
			"prod_desc":  {Typ: types.Text, Str: "product x"},
			"prod_price": types.NewFloat(float64(i)),
		})
		require.Nil(t, err)
	}

	rows := run(t, s, "select prod_key, prod_price from product where prod_price > 15.0")
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.Greater(t, r[1].float(), 15.0)
	}
}

func TestVertexCountWithPKOnlyFilter(t *testing.T) {
	s := retailScope(t)
	for i := 1; i <= 10; i++ {
		_, err := s.InsertVertex("product", map[string]types.Value{
			"prod_key":   types.NewUInt(uint64(i)),
			"prod_desc":  {Typ: types.Text, Str: "d"},
			"prod_price": types.NewFloat(1.0),
		})
		require.Nil(t, err)
	}
	rows := run(t, s, "select count(*) from product")
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(10), rows[0][0].u)

	rows = run(t, s, "select count(*) from product where prod_key = 3")
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0][0].u)
}

func TestSelectStarVertex(t *testing.T) {
	s := retailScope(t)
	_, err := s.InsertVertex("product", map[string]types.Value{
		"prod_key":   types.NewUInt(7),
		"prod_desc":  {Typ: types.Text, Str: "a table"},
		"prod_price": types.NewFloat(12.5),
	})
	require.Nil(t, err)

	rows := run(t, s, "select * from product")
	require.Len(t, rows, 1)
	require.Len(t, rows[0], 3)
	assert.Equal(t, uint64(7), rows[0][0].u)
	assert.Equal(t, "a table", rows[0][1].s)
	assert.Equal(t, 12.5, rows[0][2].float())
}

func TestEmptyStoreCursor(t *testing.T) {
	s := retailScope(t)

	c, err := NewCursor(query(t, s, "select origin from buys"))
	require.Nil(t, err)
	defer c.Close()

	buf := make([]byte, 256)
	n, cnt, ferr := c.Fetch(buf)
	require.NotNil(t, ferr)
	assert.Equal(t, errs.EOF, ferr.Kind)
	assert.Zero(t, n)
	assert.Zero(t, cnt)
}

func TestResultsSurviveReopen(t *testing.T) {
	base := filepath.Join(t.TempDir(), "retail")
	s, err := scope.Create(base, "retail", scope.Options{Sorters: 1})
	require.Nil(t, err)

	_, merr := s.Model().AddVertexType("client", model.VidNum, []model.PropDef{
		{Name: "client_key", Typ: types.UInt, PK: true},
	})
	require.Nil(t, merr)
	_, merr = s.Model().AddVertexType("product", model.VidNum, []model.PropDef{
		{Name: "prod_key", Typ: types.UInt, PK: true},
	})
	require.Nil(t, merr)
	_, merr = s.Model().AddEdgeType("buys", "client", "product",
		types.Float, types.Nothing, types.Nothing, true)
	require.Nil(t, merr)
	require.Nil(t, s.CreateContext(scope.ContextConfig{
		Name: "buys", Sorted: true, Stamped: true,
	}))
	const n = 300
	for i := 0; i < n; i++ {
		require.Nil(t, s.InsertEdge("buys", scope.EdgeValues{
			Origin: types.NewUInt(uint64(i%4 + 1)),
			Destin: types.NewUInt(9),
			Stamp:  int64(i + 1),
			Weight: types.NewFloat(1.0),
		}))
	}
	before := run(t, s, "select count(*), sum(weight) from buys where origin = 1")
	require.Nil(t, s.Close())

	s2, serr := scope.Open(base, scope.Options{Sorters: 1})
	require.Nil(t, serr)
	defer s2.Close()

	after := run(t, s2, "select count(*), sum(weight) from buys where origin = 1")
	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Equal(t, before[0][0].u, after[0][0].u)
	assert.Equal(t, before[0][1].u, after[0][1].u)
}

func TestInvalidAst(t *testing.T) {
	s := retailScope(t)
	_, err := FromAST(s, &sql.Statement{Kind: sql.StmtUse})
	require.NotNil(t, err)
	assert.Equal(t, errs.Invalid, err.Kind)

	stmt, perr := sql.NewParser().Parse("select x from nowhere")
	require.Nil(t, perr)
	_, err = FromAST(s, stmt)
	require.NotNil(t, err)
	assert.Equal(t, errs.NotFound, err.Kind)
}

func TestTypedLiteralRejection(t *testing.T) {
	s := retailScope(t)
	stmt, perr := sql.NewParser().Parse("select origin from buys where weight = 'high'")
	require.Nil(t, perr)
	_, err := FromAST(s, stmt)
	require.NotNil(t, err)
	assert.Equal(t, errs.Invalid, err.Kind)
}
