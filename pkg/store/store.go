// Store: the per-table controller of files.
//
// A store owns exactly one writer, an ordered list of waiting files
// (full, not yet sorted), a set of reader files and a FIFO of spares.
// Inserts append to the memory-mapped writer; when the writer fills up
// it moves to waiting and a spare (or a fresh file) takes its place.
// Background sorters turn waiting files into sorted, optionally
// compressed readers and donate the waiting file back as a spare.
//
// All structural changes happen under the store lock and persist the
// catalog before returning.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/toschoo/nowdb/pkg/comp"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/file"
	"github.com/toschoo/nowdb/pkg/metrics"
	"github.com/toschoo/nowdb/pkg/types"
)

// Indexer receives completed pages from the write path. The index
// manager implements it; the context is the store's table name, empty
// for the vertex table.
type Indexer interface {
	OnPage(context string, pid types.PageID, page []byte, used int) *errs.Error
	DropFilePages(context string, fileid uint32) *errs.Error
}

// Config fixes the geometry and policies of a store.
type Config struct {
	Name      string // table name; "vertex" for the vertex table
	Content   types.Content
	Recsize   uint32
	Filesize  uint32    // writer capacity; defaults to types.WriterCap
	Largesize uint32    // reader capacity; defaults to types.ReaderCap
	Comp      file.Comp // compression of sorted readers
	Compare   string    // comparator tag; empty keeps insertion order
	Stamped   bool      // edge store carrying timestamps
}

// Store is an open per-table file controller.
type Store struct {
	mu sync.RWMutex

	name    string
	path    string
	catpath string
	cont    types.Content
	stamped bool

	recsize    uint32
	filesize   uint32
	largesize  uint32
	comp       file.Comp
	compareTag string
	compare    types.RecordCompare

	writer  *file.File
	spares  []*file.File
	waiting []*file.File
	readers []*file.File
	nextID  uint32

	inSort map[uint32]bool // waiting files handed to a sorter

	pool    *comp.Pool
	iman    Indexer
	ictx    string
	storage *Storage
	open    bool
}

// New creates the store controller; no I/O happens until Open.
func New(base string, cfg Config) (*Store, *errs.Error) {
	if cfg.Recsize == 0 || cfg.Recsize > types.PageSize {
		return nil, errs.Newf(errs.Invalid, cfg.Name, "record size %d", cfg.Recsize)
	}
	cmp, ok := types.CompareByTag(cfg.Compare)
	if !ok {
		return nil, errs.New(errs.Invalid, cfg.Name, "unknown comparator "+cfg.Compare)
	}
	if cfg.Filesize == 0 {
		cfg.Filesize = types.WriterCap
	}
	if cfg.Largesize == 0 {
		cfg.Largesize = types.ReaderCap
	}
	s := &Store{
		name:       cfg.Name,
		path:       filepath.Join(base, cfg.Name),
		cont:       cfg.Content,
		stamped:    cfg.Stamped,
		recsize:    cfg.Recsize,
		filesize:   cfg.Filesize,
		largesize:  cfg.Largesize,
		comp:       cfg.Comp,
		compareTag: cfg.Compare,
		compare:    cmp,
		nextID:     1,
		inSort:     make(map[uint32]bool),
	}
	s.catpath = filepath.Join(s.path, "catalog")
	return s, nil
}

// Name returns the table name.
func (s *Store) Name() string { return s.name }

// Content returns the record shape of the store.
func (s *Store) Content() types.Content { return s.cont }

// Recsize returns the record size.
func (s *Store) Recsize() uint32 { return s.recsize }

// Compare returns the store comparator, nil for insertion order.
func (s *Store) Compare() types.RecordCompare { return s.compare }

// Path returns the store directory.
func (s *Store) Path() string { return s.path }

// ConfigIndexing attaches the index manager hook.
func (s *Store) ConfigIndexing(iman Indexer, ictx string) {
	s.mu.Lock()
	s.iman = iman
	s.ictx = ictx
	s.mu.Unlock()
}

// ConfigStorage attaches the store to its background storage.
func (s *Store) ConfigStorage(stg *Storage) {
	s.storage = stg
	stg.register(s)
}

// Open reads the catalog, reconstructs the file lists and rewinds the
// writer map to its persisted size.
func (s *Store) Open() *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := os.MkdirAll(s.path, 0755); err != nil {
		return errs.OS(errs.Create, s.path, err)
	}
	if s.comp == file.CompZstd {
		dict, err := s.loadDict()
		if err != nil {
			return err
		}
		pool, perr := comp.NewPool(8, dict)
		if perr != nil {
			return perr
		}
		s.pool = pool
	}
	entries, err := s.readCatalog()
	if err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		f := file.New(e.id, s.filePath(e.id), e.capacity, e.size,
			e.ctrl, file.Comp(e.comp), e.recordsize)
		f.Order = e.order
		f.Encp = e.encp
		f.Grain = e.grain
		f.Oldest = e.oldest
		f.Newest = e.newest
		if f.Comp == file.CompZstd {
			f.SetPool(s.pool)
		}
		switch {
		case f.Ctrl&file.CtrlWriter != 0:
			if s.writer != nil {
				return errs.New(errs.Catalog, s.name, "two writers in catalog")
			}
			s.writer = f
		case f.Ctrl&CtrlWaiting != 0:
			s.waiting = append(s.waiting, f)
		case f.Ctrl&file.CtrlReader != 0:
			s.readers = append(s.readers, f)
		default:
			s.spares = append(s.spares, f)
		}
	}
	sort.Slice(s.waiting, func(i, j int) bool {
		return s.waiting[i].Order < s.waiting[j].Order
	})
	sort.Slice(s.readers, func(i, j int) bool {
		return s.readers[i].Order < s.readers[j].Order
	})
	if s.writer == nil {
		if err := s.newWriter(); err != nil {
			return err
		}
	} else {
		if err := s.writer.Open(); err != nil {
			return err
		}
		if err := s.writer.MakeWriter(); err != nil {
			return err
		}
	}
	s.open = true
	return s.writeCatalog()
}

// CtrlWaiting marks a full writer queued for sorting. It extends the
// file ctrl bits; the file package owns the lower four.
const CtrlWaiting uint8 = 16

func (s *Store) filePath(id uint32) string {
	return filepath.Join(s.path, strconv.FormatUint(uint64(id), 10))
}

func (s *Store) loadDict() ([]byte, *errs.Error) {
	raw, err := os.ReadFile(filepath.Join(s.path, "zdict"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.OS(errs.Read, "zdict", err)
	}
	return raw, nil
}

// newWriter installs a fresh or spare file as the writer; caller
// holds the store lock.
func (s *Store) newWriter() *errs.Error {
	var w *file.File
	if len(s.spares) > 0 {
		w = s.spares[0]
		s.spares = s.spares[1:]
		w.Ctrl = file.CtrlWriter
	} else {
		w = file.New(s.nextID, s.filePath(s.nextID), s.filesize, 0,
			file.CtrlWriter, file.CompFlat, s.recsize)
		s.nextID++
		if err := w.Create(); err != nil {
			return err
		}
	}
	if err := w.Open(); err != nil {
		return err
	}
	if err := w.MakeWriter(); err != nil {
		return err
	}
	s.writer = w
	return nil
}

// Close flushes the writer and persists the catalog. Background
// sorters must be stopped first (Storage.Stop waits for them).
func (s *Store) Close() *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	if err := s.writeCatalog(); err != nil {
		return err
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			return err
		}
	}
	for _, lst := range [][]*file.File{s.spares, s.waiting, s.readers} {
		for _, f := range lst {
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.open = false
	return nil
}

// allFiles snapshots every file of the store; caller holds the lock.
func (s *Store) allFiles() []*file.File {
	out := make([]*file.File, 0, 1+len(s.spares)+len(s.waiting)+len(s.readers))
	if s.writer != nil {
		out = append(out, s.writer)
	}
	out = append(out, s.waiting...)
	out = append(out, s.readers...)
	out = append(out, s.spares...)
	return out
}

// Insert appends one record to the writer.
func (s *Store) Insert(rec []byte) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(rec)
}

// InsertBulk appends records under one lock acquisition.
func (s *Store) InsertBulk(recs [][]byte) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if err := s.insert(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insert(rec []byte) *errs.Error {
	if !s.open {
		return errs.New(errs.Store, s.name, "store closed")
	}
	if uint32(len(rec)) != s.recsize {
		return errs.Newf(errs.Invalid, s.name, "record size %d", len(rec))
	}
	w := s.writer

	// records never straddle pages: skip padding if the record would
	rem := w.Size % w.Blocksize
	if rem+s.recsize > w.Blocksize {
		w.Size += w.Blocksize - rem
	}

	if err := w.WriteRecord(rec); err != nil {
		return err
	}
	if s.stamped {
		w.UpdateRange(types.EdgeStamp(rec))
	}

	// page complete: feed it to the indexes
	rem = w.Size % w.Blocksize
	if rem == 0 || rem+s.recsize > w.Blocksize {
		if err := s.indexLastPage(w); err != nil {
			return err
		}
	}

	// rollover when no further record fits
	rem = w.Size % w.Blocksize
	pad := uint32(0)
	if rem+s.recsize > w.Blocksize {
		pad = w.Blocksize - rem
	}
	if w.Size+pad+s.recsize > w.Capacity {
		if err := s.rollover(); err != nil {
			return err
		}
	}
	metrics.Inserts.WithLabelValues(s.name).Inc()
	return nil
}

// indexLastPage applies all indexes to the just-completed page.
func (s *Store) indexLastPage(w *file.File) *errs.Error {
	if s.iman == nil {
		return nil
	}
	pos := (w.Size - 1) / w.Blocksize * w.Blocksize
	page, err := w.Mapped(pos)
	if err != nil {
		return err
	}
	used := int(w.Size - pos)
	if used > int(w.Blocksize) {
		used = int(w.Blocksize)
	}
	return s.iman.OnPage(s.ictx, types.MakePageID(w.ID, pos), page, used)
}

// rollover moves the full writer to waiting and installs a new one;
// caller holds the store lock.
func (s *Store) rollover() *errs.Error {
	w := s.writer

	// index the trailing partial page before the writer retires
	if w.Size%w.Blocksize != 0 {
		if err := s.indexLastPage(w); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	w.Ctrl = CtrlWaiting
	w.Order = w.ID
	s.waiting = append(s.waiting, w)
	s.writer = nil

	if err := s.newWriter(); err != nil {
		return err
	}
	if err := s.writeCatalog(); err != nil {
		return err
	}
	if s.storage != nil {
		s.storage.SortNow(s)
	}
	return nil
}

// Writer exposes the current writer file (for scans).
func (s *Store) Writer() *file.File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writer
}

// Period restricts file selection to files whose timestamp range
// intersects [Start, End). The zero period selects everything.
type Period struct {
	Start int64
	End   int64
}

// All is the unbounded period.
var All = Period{Start: types.MinStamp, End: types.MaxStamp}

func (p Period) zero() bool { return p == Period{} }

func (p Period) covers(f *file.File) bool {
	if p.zero() {
		return true
	}
	if !f.Stamped() {
		return true // no range recorded: cannot prune
	}
	return f.Oldest < p.End && f.Newest >= p.Start
}

// GetFiles returns every file carrying data whose range intersects
// the period: readers, waiting and the current writer.
func (s *Store) GetFiles(p Period) []*file.File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*file.File
	for _, f := range s.readers {
		if p.covers(f) {
			out = append(out, f)
		}
	}
	for _, f := range s.waiting {
		if p.covers(f) {
			out = append(out, f)
		}
	}
	if s.writer != nil && s.writer.Size > 0 && p.covers(s.writer) {
		out = append(out, s.writer)
	}
	return out
}

// GetReaders returns the sorted readers intersecting the period.
func (s *Store) GetReaders(p Period) []*file.File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*file.File
	for _, f := range s.readers {
		if p.covers(f) {
			out = append(out, f)
		}
	}
	return out
}

// GetAllWaiting returns the waiting files in order.
func (s *Store) GetAllWaiting() []*file.File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*file.File, len(s.waiting))
	copy(out, s.waiting)
	return out
}

// GetWaiting hands the oldest waiting file not yet being sorted to a
// sorter. Returns nil when there is nothing to sort.
func (s *Store) GetWaiting() *file.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.waiting {
		if !s.inSort[f.ID] {
			s.inSort[f.ID] = true
			return f
		}
	}
	return nil
}

// ReleaseWaiting returns a waiting file a sorter could not process.
func (s *Store) ReleaseWaiting(f *file.File) {
	s.mu.Lock()
	delete(s.inSort, f.ID)
	s.mu.Unlock()
}

// FindFreeReader returns a reader with room for need more bytes, or
// nil. Compressed readers are never appended to: their page ids are
// logical offsets, which only stay dense within one fresh file.
func (s *Store) FindFreeReader(need uint32) *file.File {
	if s.comp == file.CompZstd {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.readers {
		if f.Comp == s.comp && f.Size+need <= f.Capacity {
			return f
		}
	}
	return nil
}

// CreateReader creates and registers a new reader file.
func (s *Store) CreateReader() (*file.File, *errs.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl := file.CtrlReader
	if s.compare != nil {
		ctrl |= file.CtrlSorted
	}
	f := file.New(s.nextID, s.filePath(s.nextID), s.largesize, 0,
		ctrl, s.comp, s.recsize)
	f.Order = f.ID
	s.nextID++
	if f.Comp == file.CompZstd {
		f.SetPool(s.pool)
	}
	if err := f.Create(); err != nil {
		return nil, err
	}
	s.readers = append(s.readers, f)
	if err := s.writeCatalog(); err != nil {
		return nil, err
	}
	return f, nil
}

// Promote completes a sort: the waiting file leaves the waiting list
// and is donated back as a spare; the reader keeps the sorted data.
func (s *Store) Promote(w, r *file.File) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.waiting {
		if f.ID == w.ID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	delete(s.inSort, w.ID)

	if s.iman != nil {
		if err := s.iman.DropFilePages(s.ictx, w.ID); err != nil {
			return err
		}
	}
	if err := w.Erase(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	s.spares = append(s.spares, w)
	metrics.Sorts.WithLabelValues(s.name).Inc()
	return s.writeCatalog()
}

// Donate adds an erased file to the spare FIFO.
func (s *Store) Donate(f *file.File) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Ctrl = file.CtrlSpare
	s.spares = append(s.spares, f)
	return s.writeCatalog()
}

// AddFile registers an externally built reader file.
func (s *Store) AddFile(f *file.File) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers = append(s.readers, f)
	return s.writeCatalog()
}

// RemoveFile removes a reader from catalog and disk.
func (s *Store) RemoveFile(f *file.File) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeReader(f)
}

func (s *Store) removeReader(f *file.File) *errs.Error {
	for i, r := range s.readers {
		if r.ID == f.ID {
			s.readers = append(s.readers[:i], s.readers[i+1:]...)
			if err := f.Close(); err != nil {
				return err
			}
			if s.iman != nil {
				if err := s.iman.DropFilePages(s.ictx, f.ID); err != nil {
					return err
				}
			}
			if err := f.Remove(); err != nil {
				return err
			}
			return s.writeCatalog()
		}
	}
	return errs.Newf(errs.NotFound, s.name, "file %d", f.ID)
}

// DropFiles removes every reader whose newest stamp lies before the
// given bound (retention).
func (s *Store) DropFiles(before int64) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []*file.File
	for _, f := range s.readers {
		if f.Stamped() && f.Newest < before {
			victims = append(victims, f)
		}
	}
	for _, f := range victims {
		if err := s.removeReader(f); err != nil {
			return err
		}
	}
	return nil
}

// LoadPage copies the page named by pid out of whatever file holds
// it. The store lock serializes access to the shared file cursors.
func (s *Store) LoadPage(pid types.PageID, dst []byte) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fid, pos := types.SplitPageID(pid)

	if s.writer != nil && s.writer.ID == fid {
		page, err := s.writer.Mapped(pos)
		if err != nil {
			return err
		}
		copy(dst, page)
		return nil
	}
	var target *file.File
	for _, f := range s.waiting {
		if f.ID == fid {
			target = f
			break
		}
	}
	if target == nil {
		for _, f := range s.readers {
			if f.ID == fid {
				target = f
				break
			}
		}
	}
	if target == nil {
		return errs.Newf(errs.NotFound, s.name, "file %d", fid)
	}
	wasClosed := target.State() == file.StateClosed
	if wasClosed {
		if err := target.Open(); err != nil {
			return err
		}
	}
	if err := target.Position(pos); err != nil {
		return err
	}
	if err := target.Move(); err != nil {
		return err
	}
	copy(dst, target.Page())
	if wasClosed {
		return target.Close()
	}
	return nil
}

// Sync flushes a dirty writer map; the sync worker calls this
// periodically.
func (s *Store) Sync() *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.writer == nil || !s.writer.Dirty() {
		return nil
	}
	return s.writer.Sync()
}

// PendingSorts reports how many waiting files still queue for sorting.
func (s *Store) PendingSorts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waiting)
}
