// Store catalog.
//
// The catalog is a fixed-width binary file listing every file of the
// store together with the store's own geometry. It is rewritten as a
// whole on every structural change (rollover, promote, drop) with a
// write-to-temp-then-rename, so a crash leaves either the old or the
// new catalog, never a torn one. A missing catalog is an empty store.
package store

import (
	"encoding/binary"
	"os"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/file"
)

const (
	catMagic   uint32 = 0x4e575354 // "NWST"
	catVersion uint32 = 1

	catHdrSize   = 40
	catEntrySize = 57
)

// catHeader carries the store attributes.
type catHeader struct {
	magic     uint32
	version   uint32
	nextID    uint32
	count     uint32
	recsize   uint32
	filesize  uint32
	largesize uint32
	comp      uint32
	compare   [8]byte // comparator tag, NUL padded
}

// catEntry is one file of the store.
type catEntry struct {
	id         uint32
	order      uint32
	capacity   uint32
	size       uint32
	blocksize  uint32
	recordsize uint32
	ctrl       uint8
	comp       uint32
	encp       uint32
	grain      int64
	oldest     int64
	newest     int64
}

func entryFromFile(f *file.File) catEntry {
	return catEntry{
		id:         f.ID,
		order:      f.Order,
		capacity:   f.Capacity,
		size:       f.Size,
		blocksize:  f.Blocksize,
		recordsize: f.Recordsize,
		ctrl:       f.Ctrl,
		comp:       uint32(f.Comp),
		encp:       f.Encp,
		grain:      f.Grain,
		oldest:     f.Oldest,
		newest:     f.Newest,
	}
}

func (e *catEntry) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], e.id)
	binary.LittleEndian.PutUint32(buf[4:], e.order)
	binary.LittleEndian.PutUint32(buf[8:], e.capacity)
	binary.LittleEndian.PutUint32(buf[12:], e.size)
	binary.LittleEndian.PutUint32(buf[16:], e.blocksize)
	binary.LittleEndian.PutUint32(buf[20:], e.recordsize)
	buf[24] = e.ctrl
	binary.LittleEndian.PutUint32(buf[25:], e.comp)
	binary.LittleEndian.PutUint32(buf[29:], e.encp)
	binary.LittleEndian.PutUint64(buf[33:], uint64(e.grain))
	binary.LittleEndian.PutUint64(buf[41:], uint64(e.oldest))
	binary.LittleEndian.PutUint64(buf[49:], uint64(e.newest))
}

func (e *catEntry) decode(buf []byte) {
	e.id = binary.LittleEndian.Uint32(buf[0:])
	e.order = binary.LittleEndian.Uint32(buf[4:])
	e.capacity = binary.LittleEndian.Uint32(buf[8:])
	e.size = binary.LittleEndian.Uint32(buf[12:])
	e.blocksize = binary.LittleEndian.Uint32(buf[16:])
	e.recordsize = binary.LittleEndian.Uint32(buf[20:])
	e.ctrl = buf[24]
	e.comp = binary.LittleEndian.Uint32(buf[25:])
	e.encp = binary.LittleEndian.Uint32(buf[29:])
	e.grain = int64(binary.LittleEndian.Uint64(buf[33:]))
	e.oldest = int64(binary.LittleEndian.Uint64(buf[41:]))
	e.newest = int64(binary.LittleEndian.Uint64(buf[49:]))
}

// writeCatalog persists the catalog; caller holds the store lock.
func (s *Store) writeCatalog() *errs.Error {
	files := s.allFiles()
	buf := make([]byte, catHdrSize+len(files)*catEntrySize)

	binary.LittleEndian.PutUint32(buf[0:], catMagic)
	binary.LittleEndian.PutUint32(buf[4:], catVersion)
	binary.LittleEndian.PutUint32(buf[8:], s.nextID)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(files)))
	binary.LittleEndian.PutUint32(buf[16:], s.recsize)
	binary.LittleEndian.PutUint32(buf[20:], s.filesize)
	binary.LittleEndian.PutUint32(buf[24:], s.largesize)
	binary.LittleEndian.PutUint32(buf[28:], uint32(s.comp))
	copy(buf[32:40], s.compareTag)

	for i, f := range files {
		e := entryFromFile(f)
		e.encode(buf[catHdrSize+i*catEntrySize:])
	}

	tmp := s.catpath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errs.OS(errs.Write, tmp, err)
	}
	if err := os.Rename(tmp, s.catpath); err != nil {
		return errs.OS(errs.Move, s.catpath, err)
	}
	return nil
}

// readCatalog loads the catalog; a missing file yields (nil, ok).
func (s *Store) readCatalog() ([]catEntry, *errs.Error) {
	raw, err := os.ReadFile(s.catpath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.OS(errs.Read, s.catpath, err)
	}
	if len(raw) < catHdrSize {
		return nil, errs.New(errs.Catalog, s.catpath, "short header")
	}
	if binary.LittleEndian.Uint32(raw[0:]) != catMagic {
		return nil, errs.New(errs.Magic, s.catpath, "")
	}
	if binary.LittleEndian.Uint32(raw[4:]) != catVersion {
		return nil, errs.New(errs.Version, s.catpath, "")
	}
	s.nextID = binary.LittleEndian.Uint32(raw[8:])
	count := binary.LittleEndian.Uint32(raw[12:])
	s.recsize = binary.LittleEndian.Uint32(raw[16:])
	s.filesize = binary.LittleEndian.Uint32(raw[20:])
	s.largesize = binary.LittleEndian.Uint32(raw[24:])
	s.comp = file.Comp(binary.LittleEndian.Uint32(raw[28:]))
	s.compareTag = tagString(raw[32:40])

	if len(raw) != catHdrSize+int(count)*catEntrySize {
		return nil, errs.New(errs.BadFilesize, s.catpath, "entry area truncated")
	}
	entries := make([]catEntry, count)
	for i := range entries {
		entries[i].decode(raw[catHdrSize+i*catEntrySize:])
	}
	return entries, nil
}

func tagString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
