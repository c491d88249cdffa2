// Sorting and merging of record pages.
//
// The sorter works on whole file images: records are collected from
// the used part of every page, sorted with the store's comparator and
// written back densely page by page. Records never straddle a page
// boundary, so the trailing bytes of each page stay padding.
//
// Merge performs a k-way merge of already sorted buffers via a small
// binary heap; ties preserve the order of the input lists.
package nsort

import (
	"container/heap"
	"slices"

	"github.com/toschoo/nowdb/pkg/types"
)

// Records returns the record slices inside the used part of a file
// image, page by page, skipping padding.
func Records(buf []byte, used, recsize, pagesize int) [][]byte {
	per := pagesize / recsize
	recs := make([][]byte, 0, used/recsize)
	for pageOff := 0; pageOff < used; pageOff += pagesize {
		for s := 0; s < per; s++ {
			off := pageOff + s*recsize
			if off+recsize > used {
				return recs
			}
			recs = append(recs, buf[off:off+recsize])
		}
	}
	return recs
}

// Sort sorts the used part of a file image in place. A nil comparator
// keeps insertion order.
func Sort(buf []byte, used, recsize, pagesize int, cmp types.RecordCompare) {
	if cmp == nil {
		return
	}
	recs := Records(buf, used, recsize, pagesize)
	sorted := make([][]byte, len(recs))
	for i, r := range recs {
		c := make([]byte, recsize)
		copy(c, r)
		sorted[i] = c
	}
	slices.SortStableFunc(sorted, cmp)
	for i, r := range recs {
		copy(r, sorted[i])
	}
}

// mergeItem is one head-of-list element in the merge heap.
type mergeItem struct {
	rec  []byte
	list int
	pos  int
}

type mergeHeap struct {
	items []mergeItem
	cmp   types.RecordCompare
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	c := h.cmp(h.items[i].rec, h.items[j].rec)
	if c != 0 {
		return c < 0
	}
	return h.items[i].list < h.items[j].list
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// Merge merges sorted record lists into one sorted list.
func Merge(lists [][][]byte, cmp types.RecordCompare) [][]byte {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make([][]byte, 0, total)

	h := &mergeHeap{cmp: cmp}
	for i, l := range lists {
		if len(l) > 0 {
			h.items = append(h.items, mergeItem{rec: l[0], list: i, pos: 0})
		}
	}
	heap.Init(h)
	for h.Len() > 0 {
		it := heap.Pop(h).(mergeItem)
		out = append(out, it.rec)
		if next := it.pos + 1; next < len(lists[it.list]) {
			heap.Push(h, mergeItem{rec: lists[it.list][next], list: it.list, pos: next})
		}
	}
	return out
}

// MinMaxStamp scans edge records for the oldest and newest timestamp.
func MinMaxStamp(recs [][]byte) (oldest, newest int64) {
	oldest, newest = types.MaxStamp, types.MinStamp
	for _, r := range recs {
		ts := types.EdgeStamp(r)
		if ts < oldest {
			oldest = ts
		}
		if ts > newest {
			newest = ts
		}
	}
	return oldest, newest
}
