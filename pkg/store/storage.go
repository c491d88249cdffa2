// Storage: background workers shared by a group of stores.
//
// Two worker kinds run behind the stores. The sync worker flushes
// dirty writer maps on a short period. The sorter workers drain one
// queue of sort messages: each message names a store with waiting
// files; the worker takes one waiting file, sorts it, writes it into
// a reader and promotes it. Sorting and compression happen outside
// the store lock; only the structural updates take it.
package store

import (
	"os"
	"sync"
	"time"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/file"
	"github.com/toschoo/nowdb/pkg/log"
	"github.com/toschoo/nowdb/pkg/nsort"
	"github.com/toschoo/nowdb/pkg/task"
	"github.com/toschoo/nowdb/pkg/types"
)

const (
	syncPeriod = 500 * time.Millisecond
	sortPeriod = 5 * time.Second

	msgSort uint32 = 1
)

// Storage runs the background workers for its registered stores.
type Storage struct {
	name    string
	sorters int

	mu     sync.Mutex
	stores []*Store

	queue   *task.Queue[*task.Message]
	sortWrk *task.Worker
	syncWrk *task.Worker
	syncQ   *task.Queue[*task.Message]

	running bool
	idle    sync.WaitGroup // tracks in-flight sort jobs
}

// NewStorage creates a storage running the given number of sorter
// workers.
func NewStorage(name string, sorters int) *Storage {
	if sorters < 1 {
		sorters = 1
	}
	return &Storage{
		name:    name,
		sorters: sorters,
		queue:   task.NewQueue[*task.Message](0, nil),
		syncQ:   task.NewQueue[*task.Message](0, nil),
	}
}

func (g *Storage) register(s *Store) {
	g.mu.Lock()
	g.stores = append(g.stores, s)
	g.mu.Unlock()
}

// Start launches the workers.
func (g *Storage) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.sortWrk = task.NewWorker(g.name+".sort", g.sorters, sortPeriod,
		g.queue, g.sortJob, nil)
	g.syncWrk = task.NewWorker(g.name+".sync", 1, syncPeriod,
		g.syncQ, g.syncJob, nil)
	g.running = true
}

// Stop waits for in-flight sorts and stops the workers.
func (g *Storage) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	g.idle.Wait()
	g.sortWrk.Stop()
	g.syncWrk.Stop()
}

// SortNow asks the sorters to process a store's waiting files.
func (g *Storage) SortNow(s *Store) {
	g.queue.Enqueue(&task.Message{Type: msgSort, Cont: s})
}

// syncJob flushes dirty writers on every tick.
func (g *Storage) syncJob(*task.Message) *errs.Error {
	g.mu.Lock()
	stores := make([]*Store, len(g.stores))
	copy(stores, g.stores)
	g.mu.Unlock()
	for _, s := range stores {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// sortJob sorts one waiting file per invocation. The periodic tick
// sweeps every store so nothing starves when messages are lost.
func (g *Storage) sortJob(msg *task.Message) *errs.Error {
	g.idle.Add(1)
	defer g.idle.Done()

	if msg != nil {
		return g.sortOne(msg.Cont.(*Store))
	}
	g.mu.Lock()
	stores := make([]*Store, len(g.stores))
	copy(stores, g.stores)
	g.mu.Unlock()
	for _, s := range stores {
		if err := g.sortOne(s); err != nil {
			return err
		}
	}
	return nil
}

// sortOne processes at most one waiting file of the store.
func (g *Storage) sortOne(s *Store) *errs.Error {
	w := s.GetWaiting()
	if w == nil {
		return nil
	}
	if err := g.sortFile(s, w); err != nil {
		s.ReleaseWaiting(w)
		return errs.Wrap(errs.Worker, s.Name(), err)
	}
	return nil
}

// sortFile reads, sorts, compresses and promotes one waiting file.
func (g *Storage) sortFile(s *Store, w *file.File) *errs.Error {
	raw, oserr := os.ReadFile(w.Path)
	if oserr != nil {
		return errs.OS(errs.Read, w.Path, oserr)
	}
	used := int(w.Size)
	if used > len(raw) {
		return errs.New(errs.BadFilesize, w.Path, "catalog size beyond file")
	}
	if used == 0 { // nothing to sort
		return s.Promote(w, nil)
	}

	recsize := int(s.Recsize())
	nsort.Sort(raw, used, recsize, types.PageSize, s.Compare())
	recs := nsort.Records(raw, used, recsize, types.PageSize)

	oldest, newest := w.Oldest, w.Newest
	if s.stamped {
		oldest, newest = nsort.MinMaxStamp(recs)
	}

	// pack densely into pages and append to a reader
	per := types.PageSize / recsize
	npages := (len(recs) + per - 1) / per
	need := uint32(npages * types.PageSize)

	r := s.FindFreeReader(need)
	if r == nil {
		var err *errs.Error
		if r, err = s.CreateReader(); err != nil {
			return err
		}
	}
	wasClosed := r.State() == file.StateClosed
	if wasClosed {
		if err := r.Open(); err != nil {
			return err
		}
	}
	base := r.Size // flat readers only grow; zstd readers start fresh
	page := make([]byte, types.PageSize)
	for p := 0; p < npages; p++ {
		for i := range page {
			page[i] = 0
		}
		var set [2]uint64
		for slot := 0; slot < per; slot++ {
			ri := p*per + slot
			if ri >= len(recs) {
				break
			}
			copy(page[slot*recsize:], recs[ri])
			if slot < 128 { // the live mask carries 128 bits
				set[slot/64] |= 1 << uint(slot%64)
			}
		}
		if err := r.WriteBuf(page, set); err != nil {
			return err
		}
		if s.iman != nil {
			used := per * recsize
			if rest := len(recs) - p*per; rest < per {
				used = rest * recsize
			}
			pid := types.MakePageID(r.ID, base+uint32(p*types.PageSize))
			if err := s.iman.OnPage(s.ictx, pid, page, used); err != nil {
				return err
			}
		}
	}
	if s.stamped {
		r.UpdateRange(oldest)
		r.UpdateRange(newest)
	}
	if wasClosed {
		if err := r.Close(); err != nil {
			return err
		}
	}
	log.WithComponent("storage."+g.name).Debug().
		Uint32("file", w.ID).Uint32("reader", r.ID).
		Int("records", len(recs)).Msg("sorted")
	return s.Promote(w, r)
}

// WaitIdle blocks until no sort job is in flight and no waiting file
// is pending in any registered store.
func (g *Storage) WaitIdle() {
	for {
		g.idle.Wait()
		pending := 0
		g.mu.Lock()
		stores := make([]*Store, len(g.stores))
		copy(stores, g.stores)
		g.mu.Unlock()
		for _, s := range stores {
			if n := s.PendingSorts(); n > 0 {
				pending += n
				g.SortNow(s)
			}
		}
		if pending == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
