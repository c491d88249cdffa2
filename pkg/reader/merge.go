// Composite readers.
//
// Seq concatenates subreaders; Merge interleaves the records of
// sorted subreaders into globally ordered synthetic pages. Merge
// tracks which subreaders advanced in a small moved bitmap, so a
// subreader is pulled again only after its head record was consumed.
package reader

import (
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Seq consumes subreaders in order.
type Seq struct {
	subs []Reader
	cur  int
}

// NewSeq concatenates the given readers.
func NewSeq(subs ...Reader) *Seq {
	return &Seq{subs: subs}
}

// Move advances within the current subreader, then to the next.
func (s *Seq) Move() *errs.Error {
	for s.cur < len(s.subs) {
		err := s.subs[s.cur].Move()
		if err == nil {
			return nil
		}
		if err.Kind != errs.EOF {
			return err
		}
		s.cur++
	}
	return eofErr("seq")
}

func (s *Seq) active() Reader {
	if s.cur < len(s.subs) {
		return s.subs[s.cur]
	}
	return nil
}

// Page returns the current subreader's page.
func (s *Seq) Page() []byte {
	if r := s.active(); r != nil {
		return r.Page()
	}
	return nil
}

// PageID returns the current subreader's page id.
func (s *Seq) PageID() types.PageID {
	if r := s.active(); r != nil {
		return r.PageID()
	}
	return 0
}

// Used returns the current subreader's used bytes.
func (s *Seq) Used() int {
	if r := s.active(); r != nil {
		return r.Used()
	}
	return 0
}

// Slots returns the current subreader's slots.
func (s *Seq) Slots() []int {
	if r := s.active(); r != nil {
		return r.Slots()
	}
	return nil
}

// Key returns the current subreader's key.
func (s *Seq) Key() []byte {
	if r := s.active(); r != nil {
		return r.Key()
	}
	return nil
}

// SkipKey delegates to the current subreader.
func (s *Seq) SkipKey() *errs.Error {
	if r := s.active(); r != nil {
		return r.SkipKey()
	}
	return eofErr("seq")
}

// Rewind restarts every subreader.
func (s *Seq) Rewind() *errs.Error {
	for _, r := range s.subs {
		if err := r.Rewind(); err != nil {
			return err
		}
	}
	s.cur = 0
	return nil
}

// Close closes every subreader.
func (s *Seq) Close() *errs.Error {
	var first *errs.Error
	for _, r := range s.subs {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// stream pulls records one by one out of a page reader.
type stream struct {
	r     Reader
	page  []byte
	used  int
	slots []int
	si    int // index into slots, or slot number when slots is nil
	done  bool
	recsz int
	head  []byte
}

// pull loads the stream's next record into head.
func (st *stream) pull() *errs.Error {
	for {
		if st.page != nil {
			if st.slots != nil {
				if st.si < len(st.slots) {
					off := st.slots[st.si] * st.recsz
					st.si++
					if off+st.recsz <= st.used {
						st.head = st.page[off : off+st.recsz]
						return nil
					}
					continue
				}
			} else {
				off := st.si * st.recsz
				if off+st.recsz <= st.used {
					st.si++
					st.head = st.page[off : off+st.recsz]
					return nil
				}
			}
			st.page = nil
		}
		if err := st.r.Move(); err != nil {
			if err.Kind == errs.EOF {
				st.done = true
				st.head = nil
				return nil
			}
			return err
		}
		st.page = st.r.Page()
		st.used = st.r.Used()
		st.slots = st.r.Slots()
		st.si = 0
	}
}

// Merge interleaves sorted subreaders into ordered synthetic pages.
type Merge struct {
	streams []*stream
	cmp     types.RecordCompare
	moved   uint64 // bitmap: stream heads that must be refilled
	page    []byte
	used    int
	recsz   int
	per     int
	started bool
}

// NewMerge merges the given sorted readers by the comparator.
func NewMerge(cmp types.RecordCompare, recsize uint32, subs ...Reader) *Merge {
	m := &Merge{
		cmp:   cmp,
		page:  make([]byte, types.PageSize),
		recsz: int(recsize),
		per:   types.PageSize / int(recsize),
	}
	for _, r := range subs {
		m.streams = append(m.streams, &stream{r: r, recsz: m.recsz})
	}
	m.moved = (uint64(1) << uint(len(m.streams))) - 1
	return m
}

// Move assembles the next merged page.
func (m *Merge) Move() *errs.Error {
	for i := range m.page {
		m.page[i] = 0
	}
	n := 0
	for n < m.per {
		// refill the heads of every stream that advanced
		for i, st := range m.streams {
			if m.moved&(1<<uint(i)) == 0 || st.done {
				continue
			}
			if err := st.pull(); err != nil {
				return err
			}
			m.moved &^= 1 << uint(i)
		}
		best := -1
		for i, st := range m.streams {
			if st.done || st.head == nil {
				continue
			}
			if best < 0 || m.cmp(st.head, m.streams[best].head) < 0 {
				best = i
			}
		}
		if best < 0 {
			break
		}
		copy(m.page[n*m.recsz:], m.streams[best].head)
		m.moved |= 1 << uint(best)
		n++
	}
	if n == 0 {
		return eofErr("merge")
	}
	m.used = n * m.recsz
	return nil
}

// Page returns the current merged page.
func (m *Merge) Page() []byte { return m.page }

// PageID returns zero: merged pages are synthetic.
func (m *Merge) PageID() types.PageID { return 0 }

// Used returns the valid bytes of the current page.
func (m *Merge) Used() int { return m.used }

// Slots returns nil.
func (m *Merge) Slots() []int { return nil }

// Key returns nil.
func (m *Merge) Key() []byte { return nil }

// SkipKey is not meaningful for a merge.
func (m *Merge) SkipKey() *errs.Error { return eofErr("merge") }

// Rewind restarts every subreader.
func (m *Merge) Rewind() *errs.Error {
	for i, st := range m.streams {
		if err := st.r.Rewind(); err != nil {
			return err
		}
		st.page, st.head, st.done, st.si = nil, nil, false, 0
		m.moved |= 1 << uint(i)
	}
	return nil
}

// Close closes every subreader.
func (m *Merge) Close() *errs.Error {
	var first *errs.Error
	for _, st := range m.streams {
		if err := st.r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
