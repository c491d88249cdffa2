package errs

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "no-rsc", NoRsc.String())
	assert.Equal(t, "key-not-found", KeyNotFound.String())
	assert.Equal(t, "kind(-1)", Kind(-1).String())
}

func TestWrapKeepsCauseKind(t *testing.T) {
	leaf := OS(Open, "file 17", fs.ErrPermission)
	mid := Wrap(Store, "buys", leaf)
	top := Wrap(Scope, "retail", mid)

	assert.True(t, Is(top, Scope))
	assert.True(t, Is(top, Store))
	assert.True(t, Is(top, Open))
	assert.False(t, Is(top, Close))
	assert.True(t, errors.Is(top, fs.ErrPermission))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Timeout, KindOf(New(Timeout, "queue", "")))
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
	assert.Equal(t, KindNone, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := Newf(Invalid, "expr", "unknown operator %q", "&&")
	assert.Equal(t, `invalid [expr]: unknown operator "&&"`, err.Error())
}
