// Keyed indexes over stores.
//
// An index is two nested B+trees, both backed by bbolt. The host tree
// maps a composite key (the indexed record fields concatenated
// big-endian in declared order) to the id of an embedded tree; the
// embedded tree maps page id to a small bitmap of the slots within
// that page whose records carry the key. Host and embedded trees live
// in separate database files under index/<name>/.
//
// Inserts are idempotent: re-inserting a (key, page, slot) leaves the
// bitmap unchanged. A read-write lock guards swapping the underlying
// trees; readers hold it via Use/Enduse for the lifetime of a scan.
package index

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Sizing picks node and page parameters at creation time.
type Sizing int

const (
	SizingTiny Sizing = iota
	SizingSmall
	SizingMedium
	SizingBig
	SizingLarge
	SizingHuge
)

// mmapSize maps a sizing to the initial mmap of the underlying trees.
func (s Sizing) mmapSize() int {
	switch s {
	case SizingTiny:
		return 1 << 16
	case SizingSmall:
		return 1 << 20
	case SizingMedium:
		return 1 << 23
	case SizingBig:
		return 1 << 25
	case SizingLarge:
		return 1 << 27
	default:
		return 1 << 30
	}
}

var (
	bucketHost = []byte("host")
	bucketMeta = []byte("meta")
	keyNextEmb = []byte("nextemb")
)

// Desc identifies an index: its name, the context it indexes (empty
// for the vertex table) and the key layout.
type Desc struct {
	Name    string          `json:"name"`
	Context string          `json:"context,omitempty"`
	Keys    types.KeyLayout `json:"keys"`
	Sizing  Sizing          `json:"sizing"`
	Content types.Content   `json:"content"`
	Recsize int             `json:"recsize"`
}

// PageHit is one embedded tree entry: a page and the slots within it
// that satisfy the key.
type PageHit struct {
	Page types.PageID
	Bits []byte
}

// Slots returns the slot numbers set in the hit's bitmap.
func (h PageHit) Slots() []int {
	var out []int
	for i, b := range h.Bits {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				out = append(out, i*8+bit)
			}
		}
	}
	return out
}

// Index is one open index.
type Index struct {
	desc Desc
	host *bolt.DB
	emb  *bolt.DB
	mu   sync.RWMutex
}

// Create creates the index directories and trees.
func Create(dir string, desc Desc) (*Index, *errs.Error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.OS(errs.Create, dir, err)
	}
	return open(dir, desc)
}

// OpenIndex opens an existing index.
func OpenIndex(dir string, desc Desc) (*Index, *errs.Error) {
	return open(dir, desc)
}

func open(dir string, desc Desc) (*Index, *errs.Error) {
	opts := &bolt.Options{InitialMmapSize: desc.Sizing.mmapSize()}
	host, err := bolt.Open(filepath.Join(dir, "host"), 0644, opts)
	if err != nil {
		return nil, errs.Wrap(errs.Tree, desc.Name, err)
	}
	emb, err := bolt.Open(filepath.Join(dir, "emb"), 0644, opts)
	if err != nil {
		host.Close()
		return nil, errs.Wrap(errs.Tree, desc.Name, err)
	}
	err = host.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketHost); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		host.Close()
		emb.Close()
		return nil, errs.Wrap(errs.Tree, desc.Name, err)
	}
	return &Index{desc: desc, host: host, emb: emb}, nil
}

// Close closes both trees. All cursors using the index must be done.
func (i *Index) Close() *errs.Error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.host.Close(); err != nil {
		return errs.Wrap(errs.Close, i.desc.Name, err)
	}
	if err := i.emb.Close(); err != nil {
		return errs.Wrap(errs.Close, i.desc.Name, err)
	}
	return nil
}

// Desc returns the index descriptor.
func (i *Index) Desc() Desc { return i.desc }

// Use takes the read lock for the duration of a scan.
func (i *Index) Use() { i.mu.RLock() }

// Enduse releases the read lock.
func (i *Index) Enduse() { i.mu.RUnlock() }

// bitmapSize returns the bitmap bytes covering one page of records.
func (i *Index) bitmapSize() int {
	return (types.RecordsPerPage(i.desc.Recsize) + 7) / 8
}

func embName(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func pageKey(pid types.PageID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], pid)
	return b[:]
}

// InsertPage indexes every used record of one page. used is the
// number of valid bytes in the page (the last page of a writer may be
// partially filled).
func (i *Index) InsertPage(pid types.PageID, page []byte, used int) *errs.Error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	ksize := i.desc.Keys.Size()
	recsize := i.desc.Recsize
	bsize := i.bitmapSize()

	// group slots by key so each key is one embedded-tree update
	bits := make(map[string][]byte)
	key := make([]byte, ksize)
	for slot := 0; slot*recsize+recsize <= used; slot++ {
		rec := page[slot*recsize : (slot+1)*recsize]
		i.desc.Keys.Extract(rec, key)
		b, ok := bits[string(key)]
		if !ok {
			b = make([]byte, bsize)
			bits[string(key)] = b
		}
		b[slot/8] |= 1 << uint(slot%8)
	}

	for k, b := range bits {
		if err := i.insert([]byte(k), pid, b); err != nil {
			return err
		}
	}
	return nil
}

// insert merges a slot bitmap into the embedded tree of one key,
// creating the embedded tree when the key is new.
func (i *Index) insert(key []byte, pid types.PageID, bits []byte) *errs.Error {
	var embID uint64
	err := i.host.Update(func(tx *bolt.Tx) error {
		hb := tx.Bucket(bucketHost)
		if v := hb.Get(key); v != nil {
			embID = binary.BigEndian.Uint64(v)
			return nil
		}
		mb := tx.Bucket(bucketMeta)
		if v := mb.Get(keyNextEmb); v != nil {
			embID = binary.BigEndian.Uint64(v)
		} else {
			embID = 1
		}
		if err := mb.Put(keyNextEmb, embName(embID+1)); err != nil {
			return err
		}
		return hb.Put(key, embName(embID))
	})
	if err != nil {
		return errs.Wrap(errs.Tree, i.desc.Name, err)
	}

	err = i.emb.Update(func(tx *bolt.Tx) error {
		eb, err := tx.CreateBucketIfNotExists(embName(embID))
		if err != nil {
			return err
		}
		pk := pageKey(pid)
		merged := make([]byte, len(bits))
		copy(merged, bits)
		if old := eb.Get(pk); old != nil {
			for n := range merged {
				if n < len(old) {
					merged[n] |= old[n]
				}
			}
		}
		return eb.Put(pk, merged)
	})
	if err != nil {
		return errs.Wrap(errs.Tree, i.desc.Name, err)
	}
	return nil
}

// Search returns the page hits of one key in ascending page order.
// A missing key yields an empty result, not an error.
func (i *Index) Search(key []byte) ([]PageHit, *errs.Error) {
	var embID uint64
	found := false
	err := i.host.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHost).Get(key); v != nil {
			embID = binary.BigEndian.Uint64(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Tree, i.desc.Name, err)
	}
	if !found {
		return nil, nil
	}
	return i.hits(embID)
}

func (i *Index) hits(embID uint64) ([]PageHit, *errs.Error) {
	var out []PageHit
	err := i.emb.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(embName(embID))
		if eb == nil {
			return nil
		}
		return eb.ForEach(func(k, v []byte) error {
			bits := make([]byte, len(v))
			copy(bits, v)
			out = append(out, PageHit{
				Page: binary.BigEndian.Uint64(k),
				Bits: bits,
			})
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Tree, i.desc.Name, err)
	}
	return out, nil
}

// DropFilePages removes every embedded entry referencing pages of
// the given file. Called when a waiting file is erased after sorting
// or a reader is dropped, so the trees never point at dead pages.
func (i *Index) DropFilePages(fileid uint32) *errs.Error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	lo := pageKey(types.MakePageID(fileid, 0))
	hi := pageKey(types.MakePageID(fileid+1, 0))
	err := i.emb.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, eb *bolt.Bucket) error {
			c := eb.Cursor()
			for k, _ := c.Seek(lo); k != nil && bytes.Compare(k, hi) < 0; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return errs.Wrap(errs.Tree, i.desc.Name, err)
	}
	return nil
}

// Keys returns all host keys within [start, end] in ascending order.
// A nil start begins at the first key, a nil end stops at the last.
func (i *Index) Keys(start, end []byte) ([][]byte, *errs.Error) {
	var out [][]byte
	err := i.host.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHost).Cursor()
		var k []byte
		if start == nil {
			k, _ = c.First()
		} else {
			k, _ = c.Seek(start)
		}
		for ; k != nil; k, _ = c.Next() {
			if end != nil && bytes.Compare(k, end) > 0 {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			out = append(out, kc)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Tree, i.desc.Name, err)
	}
	return out, nil
}

// CountKey returns how many slots carry the key.
func (i *Index) CountKey(key []byte) (uint64, *errs.Error) {
	hits, err := i.Search(key)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, h := range hits {
		n += uint64(len(h.Slots()))
	}
	return n, nil
}
