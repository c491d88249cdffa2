package reader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/expr"
	"github.com/toschoo/nowdb/pkg/index"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/store"
	"github.com/toschoo/nowdb/pkg/types"
)

func edgeRec(origin, destin uint64, stamp int64) []byte {
	buf := make([]byte, types.EdgeSize)
	e := types.Edge{Edge: 1, Origin: origin, Destin: destin, Stamp: stamp}
	e.Marshal(buf)
	return buf
}

func testStore(t *testing.T, n int) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), store.Config{
		Name:     "buys",
		Content:  types.ContentEdge,
		Recsize:  types.EdgeSize,
		Filesize: 2 * types.PageSize,
		Compare:  types.CompareTagEdge,
		Stamped:  true,
	})
	require.Nil(t, err)
	require.Nil(t, s.Open())
	t.Cleanup(func() { s.Close() })
	for i := 0; i < n; i++ {
		require.Nil(t, s.Insert(edgeRec(uint64(i+1), uint64(i%10), int64(i+1))))
	}
	return s
}

func scanOrigins(t *testing.T, r Reader) []uint64 {
	t.Helper()
	var out []uint64
	for {
		err := r.Move()
		if err != nil {
			require.Equal(t, errs.EOF, err.Kind)
			break
		}
		page, used := r.Page(), r.Used()
		if slots := r.Slots(); slots != nil {
			for _, s := range slots {
				off := s * types.EdgeSize
				if off+types.EdgeSize <= used {
					out = append(out, binary.LittleEndian.Uint64(page[off+types.OffOrigin:]))
				}
			}
			continue
		}
		for off := 0; off+types.EdgeSize <= used; off += types.EdgeSize {
			out = append(out, binary.LittleEndian.Uint64(page[off+types.OffOrigin:]))
		}
	}
	return out
}

func TestFullscanSeesEveryRecordOnce(t *testing.T) {
	const n = 300 // spills over one writer rollover
	s := testStore(t, n)

	fs := FullscanStore(s, store.Period{})
	defer fs.Close()

	origins := scanOrigins(t, fs)
	require.Len(t, origins, n)
	seen := make(map[uint64]int)
	for _, o := range origins {
		seen[o]++
	}
	for i := 1; i <= n; i++ {
		assert.Equal(t, 1, seen[uint64(i)], "origin %d", i)
	}
}

func TestFullscanEmptyStore(t *testing.T) {
	s := testStore(t, 0)
	fs := FullscanStore(s, store.Period{})
	defer fs.Close()

	err := fs.Move()
	require.NotNil(t, err)
	assert.Equal(t, errs.EOF, err.Kind)
}

func TestFullscanRewind(t *testing.T) {
	s := testStore(t, 10)
	fs := FullscanStore(s, store.Period{})
	defer fs.Close()

	first := scanOrigins(t, fs)
	require.Nil(t, fs.Rewind())
	second := scanOrigins(t, fs)
	assert.Equal(t, first, second)
}

func indexedStore(t *testing.T, n int) (*store.Store, *index.Manager) {
	t.Helper()
	dir := t.TempDir()
	man, err := index.OpenManager(dir)
	require.Nil(t, err)
	t.Cleanup(func() { man.Close() })

	s, serr := store.New(dir, store.Config{
		Name:     "buys",
		Content:  types.ContentEdge,
		Recsize:  types.EdgeSize,
		Filesize: 2 * types.PageSize,
		Compare:  types.CompareTagEdge,
		Stamped:  true,
	})
	require.Nil(t, serr)
	s.ConfigIndexing(man, "buys")
	require.Nil(t, s.Open())
	t.Cleanup(func() { s.Close() })

	_, err = man.CreateIndex(index.Desc{
		Name:    "idx_origin",
		Context: "buys",
		Keys:    types.KeyLayout{{Off: types.OffOrigin, Size: 8}},
		Content: types.ContentEdge,
	})
	require.Nil(t, err)

	for i := 0; i < n; i++ {
		require.Nil(t, s.Insert(edgeRec(uint64(i%5), uint64(i), int64(i+1))))
	}
	return s, man
}

func TestSearchReader(t *testing.T) {
	per := types.PageSize / types.EdgeSize
	s, man := indexedStore(t, 2*per) // two complete pages indexed

	idx, err := man.GetIndex("idx_origin")
	require.Nil(t, err)

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, 3)

	r, err := NewSearch(s, idx, key)
	require.Nil(t, err)
	defer r.Close()

	origins := scanOrigins(t, r)
	require.NotEmpty(t, origins)
	for _, o := range origins {
		assert.Equal(t, uint64(3), o)
	}
	assert.Len(t, origins, 2*per/5)
}

func TestFrangeAscending(t *testing.T) {
	per := types.PageSize / types.EdgeSize
	s, man := indexedStore(t, per)

	idx, err := man.GetIndex("idx_origin")
	require.Nil(t, err)

	r, err := NewFrange(s, idx, nil, nil)
	require.Nil(t, err)
	defer r.Close()

	var lastKey uint64
	var total int
	for {
		if err := r.Move(); err != nil {
			require.Equal(t, errs.EOF, err.Kind)
			break
		}
		k := binary.BigEndian.Uint64(r.Key())
		assert.GreaterOrEqual(t, k, lastKey)
		lastKey = k
		total += len(r.Slots())
	}
	assert.Equal(t, per, total)
}

func TestKrangeAndCrange(t *testing.T) {
	per := types.PageSize / types.EdgeSize
	_, man := indexedStore(t, per)

	idx, err := man.GetIndex("idx_origin")
	require.Nil(t, err)

	kr, err := NewKrange(idx, nil, nil)
	require.Nil(t, err)
	defer kr.Close()
	nkeys := 0
	for kr.Move() == nil {
		nkeys++
	}
	assert.Equal(t, 5, nkeys)

	cr, err := NewCrange(idx, nil, nil)
	require.Nil(t, err)
	defer cr.Close()
	var total uint64
	for cr.Move() == nil {
		total += cr.Count()
	}
	assert.Equal(t, uint64(per), total)
}

func TestBufferSortsWithBufidx(t *testing.T) {
	s := testStore(t, 50)

	files := s.GetFiles(store.Period{})
	b, err := NewBufidx(files, types.EdgeSize,
		types.KeyLayout{{Off: types.OffOrigin, Size: 8}})
	require.Nil(t, err)
	defer b.Close()

	assert.Equal(t, 50, b.Len())
	origins := scanOrigins(t, b)
	require.Len(t, origins, 50)
	for i := 1; i < len(origins); i++ {
		assert.LessOrEqual(t, origins[i-1], origins[i])
	}
}

func TestSeqConcatenates(t *testing.T) {
	s := testStore(t, 20)
	files := s.GetFiles(store.Period{})

	a, err := NewBuffer(files, types.EdgeSize)
	require.Nil(t, err)
	b, err := NewBuffer(files, types.EdgeSize)
	require.Nil(t, err)

	seq := NewSeq(a, b)
	defer seq.Close()
	origins := scanOrigins(t, seq)
	assert.Len(t, origins, 40)
}

func TestMergeOrders(t *testing.T) {
	s := testStore(t, 40)
	files := s.GetFiles(store.Period{})
	kl := types.KeyLayout{{Off: types.OffOrigin, Size: 8}}

	// the same file read through two sorted readers, merged together
	a, err := NewBufidx(files[:1], types.EdgeSize, kl)
	require.Nil(t, err)
	b, err := NewBufidx(files[:1], types.EdgeSize, kl)
	require.Nil(t, err)

	m := NewMerge(kl.CompareRecords, types.EdgeSize, a, b)
	defer m.Close()

	origins := scanOrigins(t, m)
	require.Len(t, origins, 80)
	for i := 1; i < len(origins); i++ {
		assert.LessOrEqual(t, origins[i-1], origins[i])
	}
}

func vertexType() *model.VertexType {
	return &model.VertexType{
		Name: "product", Role: 3,
		Props: []*model.Prop{
			{Name: "prod_key", ID: 10, Pos: 0, Typ: types.UInt, PK: true},
			{Name: "prod_price", ID: 11, Pos: 1, Typ: types.Float},
			{Name: "prod_stock", ID: 12, Pos: 2, Typ: types.UInt},
		},
	}
}

func triple(vid, prop types.Key, val uint64, role types.RoleID) []byte {
	buf := make([]byte, types.VertexSize)
	v := types.Vertex{Vertex: vid, Prop: prop, Value: val, Role: role}
	v.Marshal(buf)
	return buf
}

func TestVRowCompletesRows(t *testing.T) {
	vr, err := NewVRow(vertexType(), []types.Key{11, 12})
	require.Nil(t, err)

	vr.Add(triple(1, 11, types.NewFloat(9.5).Bits, 3))
	_, _, ok := vr.Next()
	assert.False(t, ok)

	vr.Add(triple(1, 12, 100, 3))
	vid, row, ok := vr.Next()
	require.True(t, ok)
	assert.Equal(t, types.Key(1), vid)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(row))
	assert.Equal(t, types.NewFloat(9.5).Bits,
		binary.LittleEndian.Uint64(row[VRowOff(0):]))
	assert.Equal(t, uint64(100),
		binary.LittleEndian.Uint64(row[VRowOff(1):]))
}

func TestVRowIgnoresOtherRolesAndProps(t *testing.T) {
	vr, err := NewVRow(vertexType(), []types.Key{11})
	require.Nil(t, err)

	vr.Add(triple(1, 11, 5, 99)) // wrong role
	vr.Add(triple(1, 77, 5, 3))  // unreferenced property
	_, _, ok := vr.Next()
	assert.False(t, ok)
	assert.Zero(t, vr.Pending())
}

func TestVRowForce(t *testing.T) {
	vr, err := NewVRow(vertexType(), []types.Key{11, 12})
	require.Nil(t, err)

	vr.Add(triple(7, 11, 1, 3))
	vr.Add(triple(8, 11, 2, 3))
	assert.Equal(t, 2, vr.Pending())

	vr.Force()
	assert.Zero(t, vr.Pending())

	vid, _, ok := vr.Next()
	require.True(t, ok)
	assert.Equal(t, types.Key(7), vid) // oldest first
	vid, _, ok = vr.Next()
	require.True(t, ok)
	assert.Equal(t, types.Key(8), vid)
}

func TestVRowFilterAndPKRewrite(t *testing.T) {
	vt := vertexType()
	vr, err := NewVRow(vt, []types.Key{11})
	require.Nil(t, err)

	// filter: prod_price > 5.0, rewritten to the row slot
	f := &expr.Field{Name: "prod_price", Target: expr.TargetVertex, PropID: 11, Typ: types.Float}
	pk := &expr.Field{Name: "prod_key", Target: expr.TargetVertex, PropID: 10, Typ: types.UInt, PK: true}
	require.Nil(t, vr.RewriteFields([]*expr.Field{f, pk}))
	assert.Equal(t, VRowOff(0), f.Off)
	assert.Equal(t, 0, pk.Off)

	flt := &expr.Compare{Op: expr.FilterGt, Off: f.Off, Size: 8,
		Typ: types.Float, Val: types.NewFloat(5.0).Bits}

	vr.Add(triple(1, 11, types.NewFloat(9.5).Bits, 3))
	vid, matched, ok := vr.Eval(flt)
	require.True(t, ok)
	assert.True(t, matched)
	assert.Equal(t, types.Key(1), vid)
	vr.Next()

	vr.Add(triple(2, 11, types.NewFloat(1.0).Bits, 3))
	_, matched, ok = vr.Eval(flt)
	require.True(t, ok)
	assert.False(t, matched)
}

func TestReadHelper(t *testing.T) {
	s := testStore(t, 10)
	fs := FullscanStore(s, store.Period{})
	defer fs.Close()

	buf := make([]byte, 4*types.PageSize)
	n, err := Read(fs, buf)
	require.Nil(t, err)
	assert.Equal(t, 10*types.EdgeSize, n)
}

func TestFullscanPeriodPrunes(t *testing.T) {
	s := testStore(t, 10) // stamps 1..10
	fs := FullscanStore(s, store.Period{Start: 100, End: 200})
	defer fs.Close()
	err := fs.Move()
	require.NotNil(t, err)
	assert.Equal(t, errs.EOF, err.Kind)
}
