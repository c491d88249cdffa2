// Index-backed readers: point search and range scans.
//
// Search positions on the pages of one key; the range readers walk
// the host tree ascending and visit every page of every key. Range
// readers keep a small positive cache of recently loaded pages and a
// black-list of page ids that failed to load (dropped files), so
// overlapping keys do not reread or retry.
package reader

import (
	"container/list"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/index"
	"github.com/toschoo/nowdb/pkg/store"
	"github.com/toschoo/nowdb/pkg/types"
)

// pageCache is the positive LRU of range readers.
type pageCache struct {
	cap  int
	ll   *list.List
	byID map[types.PageID]*list.Element
}

type cachedPage struct {
	pid  types.PageID
	page []byte
}

func newPageCache(cap int) *pageCache {
	if cap < 1 {
		cap = 32
	}
	return &pageCache{
		cap:  cap,
		ll:   list.New(),
		byID: make(map[types.PageID]*list.Element, cap),
	}
}

func (c *pageCache) get(pid types.PageID) []byte {
	if e, ok := c.byID[pid]; ok {
		c.ll.MoveToFront(e)
		return e.Value.(*cachedPage).page
	}
	return nil
}

func (c *pageCache) put(pid types.PageID, page []byte) {
	cp := make([]byte, len(page))
	copy(cp, page)
	e := c.ll.PushFront(&cachedPage{pid: pid, page: cp})
	c.byID[pid] = e
	if c.ll.Len() > c.cap {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.byID, last.Value.(*cachedPage).pid)
	}
}

// Search is a point lookup: the pages of exactly one key.
type Search struct {
	st   *store.Store
	idx  *index.Index
	key  []byte
	hits []index.PageHit
	i    int
	page []byte
	used int
}

// NewSearch positions a point search on key. The index read lock is
// held until Close.
func NewSearch(s *store.Store, idx *index.Index, key []byte) (*Search, *errs.Error) {
	idx.Use()
	hits, err := idx.Search(key)
	if err != nil {
		idx.Enduse()
		return nil, err
	}
	return &Search{
		st:   s,
		idx:  idx,
		key:  key,
		hits: hits,
		i:    -1,
		page: make([]byte, types.PageSize),
	}, nil
}

// Move walks the embedded tree's page ids.
func (r *Search) Move() *errs.Error {
	r.i++
	if r.i >= len(r.hits) {
		return eofErr("search")
	}
	if err := r.st.LoadPage(r.hits[r.i].Page, r.page); err != nil {
		return err
	}
	r.used = types.PageSize
	return nil
}

// Page returns the current page.
func (r *Search) Page() []byte { return r.page }

// PageID names the current page.
func (r *Search) PageID() types.PageID {
	if r.i < 0 || r.i >= len(r.hits) {
		return 0
	}
	return r.hits[r.i].Page
}

// Used returns the valid bytes of the current page.
func (r *Search) Used() int { return r.used }

// Slots returns the slots matching the key.
func (r *Search) Slots() []int {
	if r.i < 0 || r.i >= len(r.hits) {
		return nil
	}
	return r.hits[r.i].Slots()
}

// Key returns the search key.
func (r *Search) Key() []byte { return r.key }

// SkipKey exhausts the single key.
func (r *Search) SkipKey() *errs.Error {
	r.i = len(r.hits)
	return eofErr("search")
}

// Rewind restarts at the first page.
func (r *Search) Rewind() *errs.Error {
	r.i = -1
	return nil
}

// Close releases the index lock.
func (r *Search) Close() *errs.Error {
	if r.idx != nil {
		r.idx.Enduse()
		r.idx = nil
	}
	return nil
}

// Frange walks every page of every key in [start, end].
type Frange struct {
	st    *store.Store
	idx   *index.Index
	keys  [][]byte
	ki    int
	hits  []index.PageHit
	hi    int
	page  []byte
	used  int
	cache *pageCache
	black map[types.PageID]bool
}

// NewFrange builds a full range scan; nil bounds are open.
func NewFrange(s *store.Store, idx *index.Index, start, end []byte) (*Frange, *errs.Error) {
	idx.Use()
	keys, err := idx.Keys(start, end)
	if err != nil {
		idx.Enduse()
		return nil, err
	}
	return &Frange{
		st:    s,
		idx:   idx,
		keys:  keys,
		ki:    0,
		hi:    -1,
		page:  make([]byte, types.PageSize),
		cache: newPageCache(32),
		black: make(map[types.PageID]bool),
	}, nil
}

// Move advances to the next page, stepping to the next key when the
// current key's pages are done.
func (r *Frange) Move() *errs.Error {
	for {
		if r.ki >= len(r.keys) {
			return eofErr("frange")
		}
		if r.hits == nil {
			hits, err := r.idx.Search(r.keys[r.ki])
			if err != nil {
				return err
			}
			r.hits = hits
			r.hi = -1
		}
		r.hi++
		if r.hi >= len(r.hits) {
			r.hits = nil
			r.ki++
			continue
		}
		pid := r.hits[r.hi].Page
		if r.black[pid] {
			continue
		}
		if cached := r.cache.get(pid); cached != nil {
			copy(r.page, cached)
			r.used = types.PageSize
			return nil
		}
		if err := r.st.LoadPage(pid, r.page); err != nil {
			if err.Kind == errs.NotFound {
				r.black[pid] = true
				continue
			}
			return err
		}
		r.cache.put(pid, r.page)
		r.used = types.PageSize
		return nil
	}
}

// Page returns the current page.
func (r *Frange) Page() []byte { return r.page }

// PageID names the current page.
func (r *Frange) PageID() types.PageID {
	if r.hi < 0 || r.hi >= len(r.hits) {
		return 0
	}
	return r.hits[r.hi].Page
}

// Used returns the valid bytes of the current page.
func (r *Frange) Used() int { return r.used }

// Slots returns the slots matching the current key.
func (r *Frange) Slots() []int {
	if r.hi < 0 || r.hi >= len(r.hits) {
		return nil
	}
	return r.hits[r.hi].Slots()
}

// Key returns the current host key.
func (r *Frange) Key() []byte {
	if r.ki >= len(r.keys) {
		return nil
	}
	return r.keys[r.ki]
}

// SkipKey jumps to the next host key.
func (r *Frange) SkipKey() *errs.Error {
	r.hits = nil
	r.ki++
	if r.ki >= len(r.keys) {
		return eofErr("frange")
	}
	return nil
}

// Rewind restarts at the first key.
func (r *Frange) Rewind() *errs.Error {
	r.ki, r.hi, r.hits = 0, -1, nil
	return nil
}

// Close releases the index lock.
func (r *Frange) Close() *errs.Error {
	if r.idx != nil {
		r.idx.Enduse()
		r.idx = nil
	}
	return nil
}

// Krange yields the keys of a range without touching pages.
type Krange struct {
	idx  *index.Index
	keys [][]byte
	ki   int
}

// NewKrange builds a keys-only range scan.
func NewKrange(idx *index.Index, start, end []byte) (*Krange, *errs.Error) {
	idx.Use()
	keys, err := idx.Keys(start, end)
	if err != nil {
		idx.Enduse()
		return nil, err
	}
	return &Krange{idx: idx, keys: keys, ki: -1}, nil
}

// Move advances to the next key.
func (r *Krange) Move() *errs.Error {
	r.ki++
	if r.ki >= len(r.keys) {
		return eofErr("krange")
	}
	return nil
}

// Page returns nil: key ranges carry no pages.
func (r *Krange) Page() []byte { return nil }

// PageID returns zero.
func (r *Krange) PageID() types.PageID { return 0 }

// Used returns zero.
func (r *Krange) Used() int { return 0 }

// Slots returns nil.
func (r *Krange) Slots() []int { return nil }

// Key returns the current key.
func (r *Krange) Key() []byte {
	if r.ki < 0 || r.ki >= len(r.keys) {
		return nil
	}
	return r.keys[r.ki]
}

// SkipKey is Move for a key range.
func (r *Krange) SkipKey() *errs.Error { return r.Move() }

// Rewind restarts at the first key.
func (r *Krange) Rewind() *errs.Error {
	r.ki = -1
	return nil
}

// Close releases the index lock.
func (r *Krange) Close() *errs.Error {
	if r.idx != nil {
		r.idx.Enduse()
		r.idx = nil
	}
	return nil
}

// Crange yields (key, count) pairs of a range.
type Crange struct {
	Krange
	count uint64
}

// NewCrange builds a count-only range scan.
func NewCrange(idx *index.Index, start, end []byte) (*Crange, *errs.Error) {
	kr, err := NewKrange(idx, start, end)
	if err != nil {
		return nil, err
	}
	return &Crange{Krange: *kr}, nil
}

// Move advances to the next key and counts its slots.
func (r *Crange) Move() *errs.Error {
	if err := r.Krange.Move(); err != nil {
		return err
	}
	n, err := r.idx.CountKey(r.Key())
	if err != nil {
		return err
	}
	r.count = n
	return nil
}

// Count returns the slot count of the current key.
func (r *Crange) Count() uint64 { return r.count }
