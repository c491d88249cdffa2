// File abstraction.
//
// A File is a fixed-capacity on-disk unit storing records in 8 KiB
// pages. It operates in one of two modes: a writer is memory-mapped at
// its current position and appended to in place; a reader is read
// page by page through a buffer, optionally decompressing one zstd
// block per page. The mode is carried in the ctrl bits together with
// the spare and sorted flags.
//
// States are closed -> open -> mapped. Opening acquires the fd,
// mapping establishes an mmap window of at most MapSize bytes starting
// at the current position. Unmapping flushes a dirty window.
package file

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/toschoo/nowdb/pkg/comp"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// State of the file descriptor.
type State int

const (
	StateClosed State = 0
	StateOpen   State = 1
	StateMapped State = 2
)

// Ctrl bits.
const (
	CtrlWriter uint8 = 1
	CtrlSpare  uint8 = 2
	CtrlReader uint8 = 4
	CtrlSorted uint8 = 8
)

// Compression algorithms.
type Comp uint32

const (
	CompFlat Comp = 0
	CompZstd Comp = 1
)

// BlockHdr precedes every block of a compressed reader.
type BlockHdr struct {
	Set  [2]uint64 // live mask, one bit per record slot
	Size uint32    // compressed size of the block

	reserve4 uint32
	reserve8 uint64
}

func (h *BlockHdr) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], h.Set[0])
	binary.LittleEndian.PutUint64(buf[8:], h.Set[1])
	binary.LittleEndian.PutUint32(buf[16:], h.Size)
	binary.LittleEndian.PutUint32(buf[20:], h.reserve4)
	binary.LittleEndian.PutUint64(buf[24:], h.reserve8)
}

func (h *BlockHdr) decode(buf []byte) {
	h.Set[0] = binary.LittleEndian.Uint64(buf[0:])
	h.Set[1] = binary.LittleEndian.Uint64(buf[8:])
	h.Size = binary.LittleEndian.Uint32(buf[16:])
	h.reserve4 = binary.LittleEndian.Uint32(buf[20:])
	h.reserve8 = binary.LittleEndian.Uint64(buf[24:])
}

// File is the on-disk unit.
type File struct {
	ID         uint32
	Order      uint32
	Path       string
	Size       uint32 // used (stored) size
	Capacity   uint32
	Blocksize  uint32 // page size
	Recordsize uint32
	Ctrl       uint8
	Comp       Comp
	Encp       uint32 // reserved, persisted but never interpreted
	Grain      int64
	Oldest     int64
	Newest     int64

	state State
	osf   *os.File
	mptr  []byte // mmap window
	pos   uint32 // start of the mmap window / physical read position
	logp  uint32 // logical read position (multiple of Blocksize)
	tmp   []byte // current page for buffered reading
	hdr   BlockHdr
	dirty bool
	pool  *comp.Pool // contexts for zstd files
}

// New creates a file descriptor; no I/O happens until Create or Open.
func New(id uint32, path string, capacity, size uint32, ctrl uint8,
	cmp Comp, recordsize uint32) *File {

	return &File{
		ID:         id,
		Path:       path,
		Size:       size,
		Capacity:   capacity,
		Blocksize:  types.PageSize,
		Recordsize: recordsize,
		Ctrl:       ctrl,
		Comp:       cmp,
		Oldest:     types.MaxStamp,
		Newest:     types.MinStamp,
	}
}

// SetPool attaches the compression context pool; required before any
// I/O on a zstd file.
func (f *File) SetPool(p *comp.Pool) { f.pool = p }

// Clone returns a closed descriptor of the same on-disk file with its
// own read cursor. Readers clone files so that concurrent scans do
// not fight over one cursor.
func (f *File) Clone() *File {
	c := New(f.ID, f.Path, f.Capacity, f.Size, f.Ctrl, f.Comp, f.Recordsize)
	c.Order = f.Order
	c.Blocksize = f.Blocksize
	c.Encp = f.Encp
	c.Grain = f.Grain
	c.Oldest = f.Oldest
	c.Newest = f.Newest
	c.pool = f.pool
	return c
}

// State returns the descriptor state.
func (f *File) State() State { return f.state }

// IsWriter reports whether the writer bit is set.
func (f *File) IsWriter() bool { return f.Ctrl&CtrlWriter != 0 }

// IsReader reports whether the reader bit is set.
func (f *File) IsReader() bool { return f.Ctrl&CtrlReader != 0 }

// IsSpare reports whether the spare bit is set.
func (f *File) IsSpare() bool { return f.Ctrl&CtrlSpare != 0 }

// IsSorted reports whether the sorted bit is set.
func (f *File) IsSorted() bool { return f.Ctrl&CtrlSorted != 0 }

// Stamped reports whether oldest/newest carry real timestamps.
func (f *File) Stamped() bool { return f.Oldest <= f.Newest }

// UpdateRange widens the timestamp range to include the given stamp.
func (f *File) UpdateRange(stamp int64) {
	if stamp < f.Oldest {
		f.Oldest = stamp
	}
	if stamp > f.Newest {
		f.Newest = stamp
	}
}

// Create creates the file on disk. Writers and spares are
// pre-allocated to their capacity so they can be mapped; readers grow
// through WriteBuf.
func (f *File) Create() *errs.Error {
	osf, err := os.OpenFile(f.Path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return errs.OS(errs.Create, f.Path, err)
	}
	if !f.IsReader() {
		if err := osf.Truncate(int64(f.Capacity)); err != nil {
			osf.Close()
			os.Remove(f.Path)
			return errs.OS(errs.Trunc, f.Path, err)
		}
	}
	if err := osf.Close(); err != nil {
		return errs.OS(errs.Close, f.Path, err)
	}
	return nil
}

// Remove deletes the file from disk. The descriptor must be closed.
func (f *File) Remove() *errs.Error {
	if f.state != StateClosed {
		return errs.New(errs.Invalid, f.Path, "remove on open file")
	}
	if err := os.Remove(f.Path); err != nil {
		return errs.OS(errs.Remove, f.Path, err)
	}
	return nil
}

// Open acquires the file descriptor and resets the read position.
func (f *File) Open() *errs.Error {
	if f.state != StateClosed {
		return nil
	}
	osf, err := os.OpenFile(f.Path, os.O_RDWR, 0644)
	if err != nil {
		return errs.OS(errs.Open, f.Path, err)
	}
	f.osf = osf
	f.state = StateOpen
	f.pos, f.logp = 0, 0
	f.tmp = nil
	return nil
}

// Close unmaps if necessary and releases the fd.
func (f *File) Close() *errs.Error {
	if f.state == StateMapped {
		if err := f.Umap(); err != nil {
			return err
		}
	}
	if f.state == StateOpen {
		if err := f.osf.Close(); err != nil {
			return errs.OS(errs.Close, f.Path, err)
		}
		f.osf = nil
		f.state = StateClosed
	}
	return nil
}

// Map establishes the mmap window at position 0.
func (f *File) Map() *errs.Error { return f.MapAt(0) }

// MapAt establishes the mmap window starting at pos, which must be
// page-aligned. Only writers and spares are mapped.
func (f *File) MapAt(pos uint32) *errs.Error {
	if f.state == StateClosed {
		return errs.New(errs.Invalid, f.Path, "map on closed file")
	}
	if f.state == StateMapped {
		if err := f.Umap(); err != nil {
			return err
		}
	}
	length := f.Capacity - pos
	if length > types.MapSize {
		length = types.MapSize
	}
	m, err := mmap(f.osf, int64(pos), int(length))
	if err != nil {
		return errs.OS(errs.Map, f.Path, err)
	}
	f.mptr = m
	f.pos = pos
	f.state = StateMapped
	return nil
}

// Umap flushes a dirty window and removes the mapping.
func (f *File) Umap() *errs.Error {
	if f.state != StateMapped {
		return nil
	}
	if f.dirty {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	if err := munmap(f.mptr); err != nil {
		return errs.OS(errs.Umap, f.Path, err)
	}
	f.mptr = nil
	f.state = StateOpen
	return nil
}

// Sync msyncs the active window and clears the dirty flag.
func (f *File) Sync() *errs.Error {
	if f.state != StateMapped {
		return errs.New(errs.Invalid, f.Path, "sync on unmapped file")
	}
	if err := msync(f.mptr); err != nil {
		return errs.OS(errs.Sync, f.Path, err)
	}
	f.dirty = false
	return nil
}

// Dirty reports whether the window has unsynced writes.
func (f *File) Dirty() bool { return f.dirty }

// WriteRecord appends one record at the used size of a mapped writer.
func (f *File) WriteRecord(rec []byte) *errs.Error {
	if f.state != StateMapped {
		return errs.New(errs.Invalid, f.Path, "write on unmapped file")
	}
	if f.Size+f.Recordsize > f.Capacity {
		return errs.New(errs.TooBig, f.Path, "writer full")
	}
	off := f.Size - f.pos
	copy(f.mptr[off:], rec)
	f.Size += f.Recordsize
	f.dirty = true
	return nil
}

// Mapped exposes one page of the mapped window. at is the file offset
// of the page.
func (f *File) Mapped(at uint32) ([]byte, *errs.Error) {
	if f.state != StateMapped {
		return nil, errs.New(errs.Invalid, f.Path, "page access on unmapped file")
	}
	if at < f.pos || at+f.Blocksize > f.pos+uint32(len(f.mptr)) {
		return nil, errs.New(errs.Invalid, f.Path, "page outside mapped window")
	}
	off := at - f.pos
	return f.mptr[off : off+f.Blocksize], nil
}

// Rewind resets the logical read position to the start and discards
// temporary state.
func (f *File) Rewind() *errs.Error {
	if f.state != StateOpen {
		return errs.New(errs.Invalid, f.Path, "rewind on unopened file")
	}
	f.pos, f.logp = 0, 0
	f.tmp = nil
	return nil
}

// Move advances the read cursor by one page, decompressing the next
// block on a compressed reader. Fails with eof past the used size.
func (f *File) Move() *errs.Error {
	if f.state != StateOpen {
		return errs.New(errs.Invalid, f.Path, "move on unopened file")
	}
	if f.pos >= f.Size {
		return errs.New(errs.EOF, f.Path, "")
	}
	if f.Comp == CompZstd {
		return f.loadBlock()
	}
	if f.tmp == nil {
		f.tmp = make([]byte, f.Blocksize)
	}
	if _, err := f.osf.ReadAt(f.tmp, int64(f.pos)); err != nil && err != io.EOF {
		return errs.OS(errs.Read, f.Path, err)
	}
	f.logp = f.pos
	f.pos += f.Blocksize
	return nil
}

// loadBlock reads the header and compressed payload at the physical
// position and inflates it into the page buffer.
func (f *File) loadBlock() *errs.Error {
	if err := f.loadHeader(); err != nil {
		return err
	}
	if f.hdr.Size == 0 || f.hdr.Size > f.Blocksize {
		return errs.Newf(errs.BadBlock, f.Path, "compressed size %d", f.hdr.Size)
	}
	raw := make([]byte, f.hdr.Size)
	if _, err := f.osf.ReadAt(raw, int64(f.pos)+types.BlockHdrSize); err != nil {
		return errs.OS(errs.Read, f.Path, err)
	}
	if f.pool == nil {
		return errs.New(errs.Decomp, f.Path, "no compression contexts")
	}
	dec, di, cerr := f.pool.GetDCtx()
	if cerr != nil {
		return cerr
	}
	out, err := dec.DecodeAll(raw, nil)
	f.pool.ReleaseDCtx(di, dec)
	if err != nil {
		return errs.Wrap(errs.Decomp, f.Path, err)
	}
	if uint32(len(out)) != f.Blocksize {
		return errs.Newf(errs.BadBlock, f.Path, "inflated to %d bytes", len(out))
	}
	f.tmp = out
	f.pos += types.BlockHdrSize + f.hdr.Size
	f.logp += f.Blocksize
	return nil
}

// loadHeader reads the block header at the physical position.
func (f *File) loadHeader() *errs.Error {
	var buf [types.BlockHdrSize]byte
	if _, err := f.osf.ReadAt(buf[:], int64(f.pos)); err != nil {
		return errs.OS(errs.Read, f.Path, err)
	}
	f.hdr.decode(buf[:])
	return nil
}

// Header returns the block header of the current page.
func (f *File) Header() BlockHdr { return f.hdr }

// Page returns the page loaded by the last Move.
func (f *File) Page() []byte { return f.tmp }

// PagePos returns the logical offset of the current page.
func (f *File) PagePos() uint32 {
	if f.Comp == CompZstd {
		return f.logp - f.Blocksize
	}
	return f.logp
}

// Position sets the read cursor so that the next Move loads the page
// at the given logical offset. On a compressed reader positions behind
// the cursor require a rewind and a forward scan.
func (f *File) Position(pos uint32) *errs.Error {
	if pos%f.Blocksize != 0 {
		return errs.New(errs.Invalid, f.Path, "position not page aligned")
	}
	if f.Comp != CompZstd {
		f.pos = pos
		f.logp = pos
		return nil
	}
	if pos < f.logp {
		if err := f.Rewind(); err != nil {
			return err
		}
	}
	for f.logp < pos {
		if err := f.Move(); err != nil {
			return err
		}
	}
	return nil
}

// WriteBuf appends one page to an open reader. With zstd the page is
// compressed and prefixed with a block header; the used size advances
// by the stored length.
func (f *File) WriteBuf(page []byte, set [2]uint64) *errs.Error {
	if f.state != StateOpen {
		return errs.New(errs.Invalid, f.Path, "writeBuf on unopened file")
	}
	if !f.IsReader() {
		return errs.New(errs.Invalid, f.Path, "writeBuf on non-reader")
	}
	if f.Comp == CompZstd {
		return f.writeCompressed(page, set)
	}
	if _, err := f.osf.WriteAt(page, int64(f.Size)); err != nil {
		return errs.OS(errs.Write, f.Path, err)
	}
	f.Size += uint32(len(page))
	return nil
}

func (f *File) writeCompressed(page []byte, set [2]uint64) *errs.Error {
	if f.pool == nil {
		return errs.New(errs.Comp, f.Path, "no compression contexts")
	}
	enc, ci, cerr := f.pool.GetCCtx()
	if cerr != nil {
		return cerr
	}
	buf := make([]byte, types.BlockHdrSize, types.BlockHdrSize+len(page))
	buf = enc.EncodeAll(page, buf)
	f.pool.ReleaseCCtx(ci)

	hdr := BlockHdr{Set: set, Size: uint32(len(buf) - types.BlockHdrSize)}
	hdr.encode(buf[:types.BlockHdrSize])

	if _, err := f.osf.WriteAt(buf, int64(f.Size)); err != nil {
		return errs.OS(errs.Write, f.Path, err)
	}
	f.Size += uint32(len(buf))
	return nil
}

// Erase truncates the file and resets it for reuse as a spare.
func (f *File) Erase() *errs.Error {
	wasOpen := f.state != StateClosed
	if !wasOpen {
		if err := f.Open(); err != nil {
			return err
		}
	}
	if err := f.osf.Truncate(0); err != nil {
		return errs.OS(errs.Trunc, f.Path, err)
	}
	if err := f.osf.Truncate(int64(f.Capacity)); err != nil {
		return errs.OS(errs.Trunc, f.Path, err)
	}
	f.Size = 0
	f.Oldest, f.Newest = types.MaxStamp, types.MinStamp
	f.Ctrl = CtrlSpare
	f.Comp = CompFlat
	if !wasOpen {
		return f.Close()
	}
	return f.Rewind()
}

// MakeReader turns the file into a buffered reader.
func (f *File) MakeReader() *errs.Error {
	if f.state == StateMapped {
		if err := f.Umap(); err != nil {
			return err
		}
	}
	f.Ctrl = CtrlReader
	return nil
}

// MakeWriter turns the file into a mapped writer.
func (f *File) MakeWriter() *errs.Error {
	f.Ctrl = CtrlWriter
	if f.state == StateOpen {
		return f.MapAt(mapStart(f.Size, f.Capacity))
	}
	return nil
}

// MakeSpare marks the file as spare.
func (f *File) MakeSpare() *errs.Error {
	if f.state == StateMapped {
		if err := f.Umap(); err != nil {
			return err
		}
	}
	f.Ctrl = CtrlSpare
	return nil
}

// mapStart picks the window start covering the append position.
func mapStart(size, capacity uint32) uint32 {
	if capacity <= types.MapSize {
		return 0
	}
	start := size - size%types.MapSize
	if start > capacity-types.MapSize {
		start = capacity - types.MapSize
	}
	return start
}
