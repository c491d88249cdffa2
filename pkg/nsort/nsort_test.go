package nsort

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/types"
)

func edgeRec(origin, destin uint64, stamp int64) []byte {
	buf := make([]byte, types.EdgeSize)
	e := types.Edge{Origin: origin, Destin: destin, Stamp: stamp}
	e.Marshal(buf)
	return buf
}

func TestRecordsSkipsPadding(t *testing.T) {
	// record size 48 leaves 32 padding bytes per 8K page
	recsize, pagesize := 48, types.PageSize
	per := pagesize / recsize
	buf := make([]byte, 2*pagesize)
	used := 2 * pagesize

	recs := Records(buf, used, recsize, pagesize)
	assert.Len(t, recs, 2*per)
}

func TestRecordsPartialLastPage(t *testing.T) {
	buf := make([]byte, 2*types.PageSize)
	used := types.PageSize + 3*types.EdgeSize
	recs := Records(buf, used, types.EdgeSize, types.PageSize)
	assert.Len(t, recs, types.PageSize/types.EdgeSize+3)
}

func TestSortOrdersAcrossPages(t *testing.T) {
	per := types.PageSize / types.EdgeSize
	n := 2*per + 7
	buf := make([]byte, 3*types.PageSize)

	rnd := rand.New(rand.NewSource(42))
	perm := rnd.Perm(n)
	recs := Records(buf, n*types.EdgeSize, types.EdgeSize, types.PageSize)
	require.Len(t, recs, n)
	for i, p := range perm {
		copy(recs[i], edgeRec(uint64(p), 0, int64(p)))
	}

	Sort(buf, n*types.EdgeSize, types.EdgeSize, types.PageSize, types.CompareEdge)

	recs = Records(buf, n*types.EdgeSize, types.EdgeSize, types.PageSize)
	for i, r := range recs {
		var e types.Edge
		e.Unmarshal(r)
		assert.Equal(t, uint64(i), e.Origin)
	}
}

func TestSortNilComparatorKeepsOrder(t *testing.T) {
	buf := make([]byte, types.PageSize)
	recs := Records(buf, 3*types.EdgeSize, types.EdgeSize, types.PageSize)
	copy(recs[0], edgeRec(3, 0, 0))
	copy(recs[1], edgeRec(1, 0, 0))
	copy(recs[2], edgeRec(2, 0, 0))

	Sort(buf, 3*types.EdgeSize, types.EdgeSize, types.PageSize, nil)

	var e types.Edge
	e.Unmarshal(recs[0])
	assert.Equal(t, uint64(3), e.Origin)
}

func TestMerge(t *testing.T) {
	a := [][]byte{edgeRec(1, 0, 0), edgeRec(4, 0, 0), edgeRec(9, 0, 0)}
	b := [][]byte{edgeRec(2, 0, 0), edgeRec(3, 0, 0)}
	c := [][]byte{edgeRec(5, 0, 0)}

	out := Merge([][][]byte{a, b, c}, types.CompareEdge)
	require.Len(t, out, 6)
	want := []uint64{1, 2, 3, 4, 5, 9}
	for i, r := range out {
		var e types.Edge
		e.Unmarshal(r)
		assert.Equal(t, want[i], e.Origin)
	}
}

func TestMergeTiesPreferEarlierList(t *testing.T) {
	a := [][]byte{edgeRec(1, 7, 0)}
	b := [][]byte{edgeRec(1, 7, 0)}
	// identical keys: list order decides
	out := Merge([][][]byte{a, b}, types.CompareEdge)
	require.Len(t, out, 2)
	assert.Same(t, &a[0][0], &out[0][0])
}

func TestMinMaxStamp(t *testing.T) {
	recs := [][]byte{
		edgeRec(0, 0, 300), edgeRec(0, 0, -5), edgeRec(0, 0, 77),
	}
	oldest, newest := MinMaxStamp(recs)
	assert.Equal(t, int64(-5), oldest)
	assert.Equal(t, int64(300), newest)

	oldest, newest = MinMaxStamp(nil)
	assert.Greater(t, oldest, newest)
}
