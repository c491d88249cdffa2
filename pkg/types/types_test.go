package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPromoteLattice(t *testing.T) {
	tests := []struct {
		a, b, want Type
	}{
		{UInt, UInt, UInt},
		{UInt, Int, Int},
		{Int, Float, Float},
		{UInt, Float, Float},
		{Time, Int, Int},
		{Time, UInt, Int},
		{Date, Float, Float},
		{Bool, Int, Int},
		{Nothing, Int, Nothing},
		{Text, Int, Nothing},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Promote(tt.a, tt.b), "%s/%s", tt.a, tt.b)
		assert.Equal(t, tt.want, Promote(tt.b, tt.a), "%s/%s", tt.b, tt.a)
	}
}

func TestConvert(t *testing.T) {
	assert.Equal(t, 42.0, Convert(NewInt(42), Float).Float())
	assert.Equal(t, int64(-3), Convert(NewFloat(-3.7), Int).Int())
	assert.Equal(t, uint64(7), Convert(NewInt(7), UInt).UInt())
	assert.True(t, Convert(Null, Float).IsNull())
	assert.True(t, Convert(NewText(1, "x"), Float).IsNull())
}

func TestCompareMixed(t *testing.T) {
	assert.Negative(t, Compare(NewInt(-1), NewUInt(3)))
	assert.Positive(t, Compare(NewFloat(2.5), NewInt(2)))
	assert.Zero(t, Compare(NewUInt(5), NewInt(5)))
	assert.Negative(t, Compare(NewTime(100), NewTime(200)))
}

func TestEdgeRoundTrip(t *testing.T) {
	e := Edge{
		Edge: 1, Origin: 77, Destin: 99, Label: 3,
		Stamp: time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		Weight: NewFloat(2.25).Bits, WType: Float, WType2: Nothing,
	}
	buf := make([]byte, EdgeSize)
	e.Marshal(buf)

	var d Edge
	d.Unmarshal(buf)
	assert.Equal(t, e, d)
	assert.Equal(t, e.Stamp, EdgeStamp(buf))
}

func TestVertexRoundTrip(t *testing.T) {
	v := Vertex{Vertex: 12, Prop: 2, Value: 1000, VType: UInt, Role: 9}
	buf := make([]byte, VertexSize)
	v.Marshal(buf)

	var d Vertex
	d.Unmarshal(buf)
	assert.Equal(t, v, d)
}

func TestPageGeometry(t *testing.T) {
	assert.Equal(t, 128, RecordsPerPage(EdgeSize))
	assert.Equal(t, 256, RecordsPerPage(VertexSize))
	assert.Equal(t, 0, PagePadding(EdgeSize))
	assert.Equal(t, 2, PagePadding(90))

	pid := MakePageID(7, 8192)
	fid, pos := SplitPageID(pid)
	assert.Equal(t, uint32(7), fid)
	assert.Equal(t, uint32(8192), pos)
}

func TestKeyLayout(t *testing.T) {
	kl := KeyLayout{{Off: OffOrigin, Size: 8}, {Off: OffRole, Size: 4}}
	assert.Equal(t, 12, kl.Size())

	a := make([]byte, EdgeSize)
	b := make([]byte, EdgeSize)
	ea := Edge{Origin: 5}
	eb := Edge{Origin: 6}
	ea.Marshal(a)
	eb.Marshal(b)
	assert.Negative(t, kl.CompareRecords(a, b))

	key := make([]byte, kl.Size())
	kl.Extract(a, key)
	// big-endian keys sort bytewise in value order
	assert.Equal(t, byte(5), key[7])
}

func TestCompareByTag(t *testing.T) {
	c, ok := CompareByTag(CompareTagEdge)
	assert.True(t, ok)
	assert.NotNil(t, c)

	c, ok = CompareByTag(CompareTagNone)
	assert.True(t, ok)
	assert.Nil(t, c)

	_, ok = CompareByTag("bogus")
	assert.False(t, ok)
}

func TestParseStamp(t *testing.T) {
	ns, ok := ParseStamp("2021-07-01T10:30:00")
	assert.True(t, ok)
	assert.Equal(t, time.Date(2021, 7, 1, 10, 30, 0, 0, time.UTC).UnixNano(), ns)

	ns, ok = ParseStamp("2021-07-01")
	assert.True(t, ok)
	assert.Equal(t, DateOf(ns), ns)

	_, ok = ParseStamp("not a date")
	assert.False(t, ok)
}
