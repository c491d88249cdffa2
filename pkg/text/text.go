// String dictionary.
//
// Strings are interned into 64-bit keys. The mapping is bidirectional,
// append-only within a scope and persisted in a bbolt database with
// two buckets: s2k (string -> key) and k2s (key -> string). Keys are
// derived by hashing the string, so re-opening a scope reproduces the
// same keys; collisions are resolved by linear probing on the key.
//
// Two hash algorithms are supported. xxh3 is the default; blake2b
// trades speed for distribution.
package text

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Hash algorithms for key derivation.
const (
	AlgXXHash3 = 1 // default, fastest
	AlgBlake2b = 2 // best distribution
)

var (
	bucketS2K = []byte("s2k")
	bucketK2S = []byte("k2s")
)

// Dict is an open dictionary.
type Dict struct {
	db  *bolt.DB
	alg int
}

// Open opens or creates the dictionary file.
func Open(path string, alg int) (*Dict, *errs.Error) {
	if alg == 0 {
		alg = AlgXXHash3
	}
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Open, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketS2K); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketK2S)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Create, path, err)
	}
	return &Dict{db: db, alg: alg}, nil
}

// Close closes the dictionary.
func (d *Dict) Close() *errs.Error {
	if err := d.db.Close(); err != nil {
		return errs.Wrap(errs.Close, "text", err)
	}
	return nil
}

func (d *Dict) hash(s string) uint64 {
	switch d.alg {
	case AlgBlake2b:
		h := blake2b.Sum256([]byte(s))
		return binary.BigEndian.Uint64(h[:8])
	default:
		return xxh3.HashString(s)
	}
}

func keyBytes(k types.Key) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}

// Insert interns a string and returns its key. Inserting a string
// that is already present returns the existing key.
func (d *Dict) Insert(s string) (types.Key, *errs.Error) {
	var key types.Key
	err := d.db.Update(func(tx *bolt.Tx) error {
		s2k, k2s := tx.Bucket(bucketS2K), tx.Bucket(bucketK2S)
		if v := s2k.Get([]byte(s)); v != nil {
			key = binary.BigEndian.Uint64(v)
			return nil
		}
		key = d.hash(s)
		for {
			if k2s.Get(keyBytes(key)) == nil {
				break
			}
			key++ // occupied by a colliding string
		}
		if err := s2k.Put([]byte(s), keyBytes(key)); err != nil {
			return err
		}
		return k2s.Put(keyBytes(key), []byte(s))
	})
	if err != nil {
		return 0, errs.Wrap(errs.Write, "text", err)
	}
	return key, nil
}

// GetKey looks up the key of a string.
func (d *Dict) GetKey(s string) (types.Key, *errs.Error) {
	var key types.Key
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketS2K).Get([]byte(s)); v != nil {
			key = binary.BigEndian.Uint64(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.Read, "text", err)
	}
	if !found {
		return 0, errs.New(errs.KeyNotFound, "text", s)
	}
	return key, nil
}

// GetText looks up the string behind a key.
func (d *Dict) GetText(key types.Key) (string, *errs.Error) {
	var s string
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketK2S).Get(keyBytes(key)); v != nil {
			s = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.Read, "text", err)
	}
	if !found {
		return "", errs.New(errs.KeyNotFound, "text", "")
	}
	return s, nil
}
