package text

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
)

func openDict(t *testing.T, alg int) *Dict {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "strings"), alg)
	require.Nil(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestInsertRoundTrip(t *testing.T) {
	d := openDict(t, 0)

	key, err := d.Insert("article")
	require.Nil(t, err)

	got, err := d.GetKey("article")
	require.Nil(t, err)
	assert.Equal(t, key, got)

	s, err := d.GetText(key)
	require.Nil(t, err)
	assert.Equal(t, "article", s)
}

func TestInsertIdempotent(t *testing.T) {
	d := openDict(t, 0)

	k1, err := d.Insert("client")
	require.Nil(t, err)
	k2, err := d.Insert("client")
	require.Nil(t, err)
	assert.Equal(t, k1, k2)
}

func TestNotFound(t *testing.T) {
	d := openDict(t, 0)

	_, err := d.GetKey("absent")
	require.NotNil(t, err)
	assert.Equal(t, errs.KeyNotFound, err.Kind)

	_, err = d.GetText(12345)
	require.NotNil(t, err)
	assert.Equal(t, errs.KeyNotFound, err.Kind)
}

func TestKeysStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strings")

	d, err := Open(path, AlgXXHash3)
	require.Nil(t, err)
	key, err := d.Insert("product")
	require.Nil(t, err)
	require.Nil(t, d.Close())

	d, err = Open(path, AlgXXHash3)
	require.Nil(t, err)
	defer d.Close()

	got, err := d.GetKey("product")
	require.Nil(t, err)
	assert.Equal(t, key, got)
}

func TestBlake2bAlgorithm(t *testing.T) {
	d := openDict(t, AlgBlake2b)

	key, err := d.Insert("blake")
	require.Nil(t, err)
	s, err := d.GetText(key)
	require.Nil(t, err)
	assert.Equal(t, "blake", s)
}

func TestManyStringsBidirectional(t *testing.T) {
	d := openDict(t, 0)

	keys := make(map[string]uint64)
	for i := 0; i < 500; i++ {
		s := fmt.Sprintf("label-%04d", i)
		k, err := d.Insert(s)
		require.Nil(t, err)
		keys[s] = k
	}
	// all keys distinct
	seen := make(map[uint64]bool)
	for s, k := range keys {
		assert.False(t, seen[k], "duplicate key for %s", s)
		seen[k] = true
		got, err := d.GetText(k)
		require.Nil(t, err)
		assert.Equal(t, s, got)
	}
}

func TestCache(t *testing.T) {
	d := openDict(t, 0)
	k, err := d.Insert("cached")
	require.Nil(t, err)

	c := NewCache(d, 2)
	for i := 0; i < 3; i++ {
		s, err := c.GetText(k)
		require.Nil(t, err)
		assert.Equal(t, "cached", s)
	}

	_, cerr := c.GetText(999999)
	require.NotNil(t, cerr)
	assert.Equal(t, errs.KeyNotFound, cerr.Kind)
}
