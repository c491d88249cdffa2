// Readers: uniform page iterators over a store.
//
// Every reader yields a sequence of pages via Move until eof. A page
// comes with the number of valid bytes (the trailing page of a writer
// is partial) and, for index-backed readers, the set of slots that
// satisfy the current key. Readers own cloned file descriptors, so
// concurrent cursors never share a read position.
package reader

import (
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/file"
	"github.com/toschoo/nowdb/pkg/store"
	"github.com/toschoo/nowdb/pkg/types"
)

// Reader is the uniform iterator.
type Reader interface {
	// Move advances to the next page; eof when exhausted.
	Move() *errs.Error
	// Page returns the current page.
	Page() []byte
	// PageID names the current page; zero for synthetic pages.
	PageID() types.PageID
	// Used returns the valid byte count of the current page.
	Used() int
	// Slots returns the matching slots of the current page; nil
	// means every slot is a candidate.
	Slots() []int
	// Key returns the current index key, nil for unkeyed readers.
	Key() []byte
	// SkipKey jumps to the next index key.
	SkipKey() *errs.Error
	// Rewind restarts the iteration.
	Rewind() *errs.Error
	// Close releases the reader's resources.
	Close() *errs.Error
}

// eofErr is the shared end marker.
func eofErr(obj string) *errs.Error { return errs.New(errs.EOF, obj, "") }

// liveBytes turns a block live mask into the contiguous used byte
// count of a page. Sorted pages are filled front to back, so the
// highest set bit bounds the page.
func liveBytes(set [2]uint64, recsize, blocksize int) int {
	per := blocksize / recsize
	// cap the slot space at what one page can hold
	if per > 128 {
		per = 128
	}
	last := -1
	for slot := 0; slot < per; slot++ {
		if set[slot/64]&(1<<uint(slot%64)) != 0 {
			last = slot
		}
	}
	if last+1 == per {
		// mask saturated: the page is full, including any slots
		// beyond the mask's 128 bits
		return blocksize
	}
	return (last + 1) * recsize
}

// Fullscan iterates the pages of a file list in order.
type Fullscan struct {
	files []*file.File // clones owned by the reader
	cur   int
	page  []byte
	pid   types.PageID
	used  int
	recsz uint32
}

// NewFullscan builds a fullscan over the given files. The files are
// cloned; the caller's descriptors stay untouched.
func NewFullscan(files []*file.File, recsize uint32) *Fullscan {
	clones := make([]*file.File, len(files))
	for i, f := range files {
		clones[i] = f.Clone()
	}
	return &Fullscan{files: clones, cur: -1, recsz: recsize}
}

// FullscanStore builds a fullscan over every file of the store that
// intersects the period.
func FullscanStore(s *store.Store, p store.Period) *Fullscan {
	return NewFullscan(s.GetFiles(p), s.Recsize())
}

// Move loads the next page, advancing to the next file on exhaustion.
func (r *Fullscan) Move() *errs.Error {
	for {
		if r.cur >= len(r.files) {
			return eofErr("fullscan")
		}
		if r.cur < 0 {
			r.cur = 0
			if err := r.openCur(); err != nil {
				return err
			}
		}
		f := r.files[r.cur]
		if f.State() == file.StateClosed { // empty file never opened
			r.cur++
			if r.cur < len(r.files) {
				if err := r.openCur(); err != nil {
					return err
				}
			}
			continue
		}
		err := f.Move()
		if err == nil {
			r.page = f.Page()
			r.pid = types.MakePageID(f.ID, f.PagePos())
			if f.Comp == file.CompZstd {
				// size is physical on compressed files; the
				// block header's live mask bounds the page
				r.used = liveBytes(f.Header().Set, int(f.Recordsize), int(f.Blocksize))
			} else {
				r.used = int(f.Size - f.PagePos())
				if r.used > int(f.Blocksize) {
					r.used = int(f.Blocksize)
				}
			}
			return nil
		}
		if err.Kind != errs.EOF {
			return err
		}
		if cerr := f.Close(); cerr != nil {
			return cerr
		}
		r.cur++
		if r.cur < len(r.files) {
			if err := r.openCur(); err != nil {
				return err
			}
		}
	}
}

func (r *Fullscan) openCur() *errs.Error {
	f := r.files[r.cur]
	if f.Size == 0 {
		return nil // Move yields eof immediately and advances
	}
	return f.Open()
}

// Page returns the current page.
func (r *Fullscan) Page() []byte { return r.page }

// PageID names the current page.
func (r *Fullscan) PageID() types.PageID { return r.pid }

// Used returns the valid bytes of the current page.
func (r *Fullscan) Used() int { return r.used }

// Slots returns nil: a fullscan considers every slot.
func (r *Fullscan) Slots() []int { return nil }

// Key returns nil: fullscans are unkeyed.
func (r *Fullscan) Key() []byte { return nil }

// SkipKey is not meaningful for a fullscan.
func (r *Fullscan) SkipKey() *errs.Error { return eofErr("fullscan") }

// Rewind restarts at the first file.
func (r *Fullscan) Rewind() *errs.Error {
	if err := r.Close(); err != nil {
		return err
	}
	r.cur = -1
	r.page = nil
	return nil
}

// Close closes any open clone.
func (r *Fullscan) Close() *errs.Error {
	for _, f := range r.files {
		if f.State() != file.StateClosed {
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read fills buf with matching pages, a convenience used by bulk
// exports. Returns the number of bytes copied; eof ends the fill.
func Read(r Reader, buf []byte) (int, *errs.Error) {
	o := 0
	for o+types.PageSize <= len(buf) {
		if err := r.Move(); err != nil {
			if err.Kind == errs.EOF {
				return o, nil
			}
			return o, err
		}
		copy(buf[o:], r.Page()[:r.Used()])
		o += r.Used()
	}
	return o, nil
}
