// Buffered readers.
//
// Buffer loads a file list fully into memory and serves it back as
// synthetic pages; Bufidx additionally sorts the records by a key
// layout first. Both are used where a small amount of unsorted data
// (the writer, waiting files) must join an ordered scan.
package reader

import (
	"slices"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/file"
	"github.com/toschoo/nowdb/pkg/types"
)

// Buffer serves pre-loaded records as synthetic pages.
type Buffer struct {
	recs  [][]byte
	recsz int
	per   int
	pageN int
	page  []byte
	used  int
}

// NewBuffer loads the files into memory, keeping record order.
func NewBuffer(files []*file.File, recsize uint32) (*Buffer, *errs.Error) {
	return newBuffer(files, recsize, nil)
}

// NewBufidx loads the files and sorts the records by the key layout.
func NewBufidx(files []*file.File, recsize uint32, keys types.KeyLayout) (*Buffer, *errs.Error) {
	return newBuffer(files, recsize, keys.CompareRecords)
}

// NewBufcmp loads the files and sorts with an explicit comparator.
func NewBufcmp(files []*file.File, recsize uint32, cmp types.RecordCompare) (*Buffer, *errs.Error) {
	return newBuffer(files, recsize, cmp)
}

func newBuffer(files []*file.File, recsize uint32, cmp types.RecordCompare) (*Buffer, *errs.Error) {
	fs := NewFullscan(files, recsize)
	defer fs.Close()

	b := &Buffer{
		recsz: int(recsize),
		per:   types.PageSize / int(recsize),
		pageN: -1,
		page:  make([]byte, types.PageSize),
	}
	for {
		if err := fs.Move(); err != nil {
			if err.Kind == errs.EOF {
				break
			}
			return nil, err
		}
		page := fs.Page()
		for off := 0; off+b.recsz <= fs.Used(); off += b.recsz {
			rec := make([]byte, b.recsz)
			copy(rec, page[off:])
			b.recs = append(b.recs, rec)
		}
	}
	if cmp != nil {
		slices.SortStableFunc(b.recs, cmp)
	}
	return b, nil
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int { return len(b.recs) }

// Move assembles the next synthetic page.
func (b *Buffer) Move() *errs.Error {
	b.pageN++
	lo := b.pageN * b.per
	if lo >= len(b.recs) {
		return eofErr("buffer")
	}
	hi := lo + b.per
	if hi > len(b.recs) {
		hi = len(b.recs)
	}
	for i := range b.page {
		b.page[i] = 0
	}
	for i, rec := range b.recs[lo:hi] {
		copy(b.page[i*b.recsz:], rec)
	}
	b.used = (hi - lo) * b.recsz
	return nil
}

// Page returns the current synthetic page.
func (b *Buffer) Page() []byte { return b.page }

// PageID returns zero: buffered pages are synthetic.
func (b *Buffer) PageID() types.PageID { return 0 }

// Used returns the valid bytes of the current page.
func (b *Buffer) Used() int { return b.used }

// Slots returns nil.
func (b *Buffer) Slots() []int { return nil }

// Key returns nil.
func (b *Buffer) Key() []byte { return nil }

// SkipKey is not meaningful for a buffer.
func (b *Buffer) SkipKey() *errs.Error { return eofErr("buffer") }

// Rewind restarts at the first page.
func (b *Buffer) Rewind() *errs.Error {
	b.pageN = -1
	return nil
}

// Close drops the buffered records.
func (b *Buffer) Close() *errs.Error {
	b.recs = nil
	return nil
}
