// Per-query lookup cache.
//
// A Cache sits in front of the dictionary for the duration of one
// query. It is not shared between sessions and needs no locking.
package text

import (
	"container/list"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Cache is a small LRU over key -> string lookups.
type Cache struct {
	dict *Dict
	cap  int
	ll   *list.List
	byK  map[types.Key]*list.Element
}

type centry struct {
	key types.Key
	s   string
}

// NewCache creates a cache over the dictionary holding at most cap
// entries.
func NewCache(dict *Dict, cap int) *Cache {
	if cap < 1 {
		cap = 128
	}
	return &Cache{
		dict: dict,
		cap:  cap,
		ll:   list.New(),
		byK:  make(map[types.Key]*list.Element, cap),
	}
}

// GetText resolves a key, serving repeats from the cache.
func (c *Cache) GetText(key types.Key) (string, *errs.Error) {
	if e, ok := c.byK[key]; ok {
		c.ll.MoveToFront(e)
		return e.Value.(*centry).s, nil
	}
	s, err := c.dict.GetText(key)
	if err != nil {
		return "", err
	}
	e := c.ll.PushFront(&centry{key: key, s: s})
	c.byK[key] = e
	if c.ll.Len() > c.cap {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.byK, last.Value.(*centry).key)
	}
	return s, nil
}
