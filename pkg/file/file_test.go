package file

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/comp"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

func record(n int, recsize uint32) []byte {
	rec := make([]byte, recsize)
	binary.LittleEndian.PutUint64(rec, uint64(n))
	return rec
}

func newWriter(t *testing.T) *File {
	t.Helper()
	f := New(1, filepath.Join(t.TempDir(), "1"), types.WriterCap, 0,
		CtrlWriter, CompFlat, types.EdgeSize)
	require.Nil(t, f.Create())
	require.Nil(t, f.Open())
	require.Nil(t, f.Map())
	return f
}

func TestWriterAppendAndReopen(t *testing.T) {
	f := newWriter(t)

	const n = 300 // crosses a page boundary at 128 records
	for i := 0; i < n; i++ {
		require.Nil(t, f.WriteRecord(record(i, types.EdgeSize)))
	}
	assert.True(t, f.Dirty())
	assert.Equal(t, uint32(n*types.EdgeSize), f.Size)

	require.Nil(t, f.Sync())
	assert.False(t, f.Dirty())
	require.Nil(t, f.Close())
	assert.Equal(t, StateClosed, f.State())

	// every record inserted before close is readable exactly once
	require.Nil(t, f.Open())
	seen := 0
	for {
		if err := f.Move(); err != nil {
			require.Equal(t, errs.EOF, err.Kind)
			break
		}
		page := f.Page()
		per := int(f.Blocksize / f.Recordsize)
		for s := 0; s < per; s++ {
			off := uint32(s) * f.Recordsize
			if f.PagePos()+off >= f.Size {
				break
			}
			got := binary.LittleEndian.Uint64(page[off:])
			assert.Equal(t, uint64(seen), got)
			seen++
		}
	}
	assert.Equal(t, n, seen)
	require.Nil(t, f.Close())
}

func TestWriterExactFill(t *testing.T) {
	f := New(2, filepath.Join(t.TempDir(), "2"), 2*types.PageSize, 0,
		CtrlWriter, CompFlat, types.EdgeSize)
	require.Nil(t, f.Create())
	require.Nil(t, f.Open())
	require.Nil(t, f.Map())
	defer f.Close()

	per := 2 * types.PageSize / types.EdgeSize
	for i := 0; i < per; i++ {
		require.Nil(t, f.WriteRecord(record(i, types.EdgeSize)))
	}
	assert.Equal(t, f.Capacity, f.Size)

	err := f.WriteRecord(record(per, types.EdgeSize))
	require.NotNil(t, err)
	assert.Equal(t, errs.TooBig, err.Kind)
}

func TestMappedPageAccess(t *testing.T) {
	f := newWriter(t)
	defer f.Close()

	require.Nil(t, f.WriteRecord(record(42, types.EdgeSize)))
	page, err := f.Mapped(0)
	require.Nil(t, err)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(page))

	_, err = f.Mapped(f.Capacity)
	require.NotNil(t, err)
}

func TestCompressedRoundTrip(t *testing.T) {
	pool, perr := comp.NewPool(2, nil)
	require.Nil(t, perr)
	defer pool.Close()

	f := New(3, filepath.Join(t.TempDir(), "3"), types.ReaderCap, 0,
		CtrlReader, CompZstd, types.EdgeSize)
	f.SetPool(pool)
	require.Nil(t, f.Create())
	require.Nil(t, f.Open())

	pages := make([][]byte, 4)
	for p := range pages {
		page := make([]byte, types.PageSize)
		for s := 0; s < types.PageSize/types.EdgeSize; s++ {
			copy(page[s*types.EdgeSize:], record(p*1000+s, types.EdgeSize))
		}
		pages[p] = page
		require.Nil(t, f.WriteBuf(page, [2]uint64{^uint64(0), ^uint64(0)}))
	}
	assert.Less(t, f.Size, uint32(4*types.PageSize))

	require.Nil(t, f.Rewind())
	for p := range pages {
		require.Nil(t, f.Move())
		assert.True(t, bytes.Equal(pages[p], f.Page()), "page %d", p)
		assert.Equal(t, ^uint64(0), f.Header().Set[0])
	}
	err := f.Move()
	require.NotNil(t, err)
	assert.Equal(t, errs.EOF, err.Kind)

	// positioning behind the cursor rewinds and rescans
	require.Nil(t, f.Position(uint32(types.PageSize)))
	require.Nil(t, f.Move())
	assert.True(t, bytes.Equal(pages[1], f.Page()))
	require.Nil(t, f.Close())
}

func TestFlatReaderPosition(t *testing.T) {
	f := New(4, filepath.Join(t.TempDir(), "4"), types.ReaderCap, 0,
		CtrlReader, CompFlat, types.EdgeSize)
	require.Nil(t, f.Create())
	require.Nil(t, f.Open())
	defer f.Close()

	for p := 0; p < 3; p++ {
		page := make([]byte, types.PageSize)
		binary.LittleEndian.PutUint64(page, uint64(p))
		require.Nil(t, f.WriteBuf(page, [2]uint64{}))
	}

	require.Nil(t, f.Position(2*types.PageSize))
	require.Nil(t, f.Move())
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(f.Page()))
	assert.Equal(t, uint32(2*types.PageSize), f.PagePos())
}

func TestEraseForSpare(t *testing.T) {
	f := newWriter(t)
	require.Nil(t, f.WriteRecord(record(1, types.EdgeSize)))
	f.UpdateRange(1000)
	require.Nil(t, f.Umap())

	require.Nil(t, f.Erase())
	assert.Zero(t, f.Size)
	assert.True(t, f.IsSpare())
	assert.False(t, f.Stamped())
	require.Nil(t, f.Close())
}

func TestStateTransitions(t *testing.T) {
	f := New(5, filepath.Join(t.TempDir(), "5"), types.WriterCap, 0,
		CtrlWriter, CompFlat, types.EdgeSize)
	require.Nil(t, f.Create())

	assert.Equal(t, StateClosed, f.State())
	require.Nil(t, f.Open())
	assert.Equal(t, StateOpen, f.State())
	require.Nil(t, f.Map())
	assert.Equal(t, StateMapped, f.State())
	require.Nil(t, f.Umap())
	assert.Equal(t, StateOpen, f.State())
	require.Nil(t, f.Close())
	assert.Equal(t, StateClosed, f.State())

	err := f.WriteRecord(record(0, types.EdgeSize))
	require.NotNil(t, err)
	assert.Equal(t, errs.Invalid, err.Kind)
}

func TestBlockHdrEncode(t *testing.T) {
	h := BlockHdr{Set: [2]uint64{0xDEAD, 0xBEEF}, Size: 512}
	var buf [types.BlockHdrSize]byte
	h.encode(buf[:])

	var d BlockHdr
	d.decode(buf[:])
	assert.Equal(t, h, d)
}
