package comp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
)

func TestPoolRoundTrip(t *testing.T) {
	p, err := NewPool(2, nil)
	require.Nil(t, err)
	defer p.Close()

	data := bytes.Repeat([]byte("nowdb page payload "), 400)

	enc, ci, err := p.GetCCtx()
	require.Nil(t, err)
	compressed := enc.EncodeAll(data, nil)
	p.ReleaseCCtx(ci)
	assert.Less(t, len(compressed), len(data))

	dec, di, err := p.GetDCtx()
	require.Nil(t, err)
	out, derr := dec.DecodeAll(compressed, nil)
	p.ReleaseDCtx(di, dec)
	require.NoError(t, derr)
	assert.Equal(t, data, out)
}

func TestPoolExhaustion(t *testing.T) {
	p, err := NewPool(1, nil)
	require.Nil(t, err)
	defer p.Close()

	_, ci, err := p.GetCCtx()
	require.Nil(t, err)

	_, _, err = p.GetCCtx()
	require.NotNil(t, err)
	assert.Equal(t, errs.NoRsc, err.Kind)

	p.ReleaseCCtx(ci)
	_, ci2, err := p.GetCCtx()
	require.Nil(t, err)
	p.ReleaseCCtx(ci2)
}

func TestDCtxFallback(t *testing.T) {
	p, err := NewPool(1, nil)
	require.Nil(t, err)
	defer p.Close()

	dec1, i1, err := p.GetDCtx()
	require.Nil(t, err)
	assert.Equal(t, 0, i1)

	// exhausted: falls back to an ad-hoc context instead of failing
	dec2, i2, err := p.GetDCtx()
	require.Nil(t, err)
	assert.Equal(t, -1, i2)
	assert.NotSame(t, dec1, dec2)

	p.ReleaseDCtx(i2, dec2)
	p.ReleaseDCtx(i1, dec1)

	c, d := p.Busy()
	assert.Zero(t, c)
	assert.Zero(t, d)
}

func TestPoolSizeBounds(t *testing.T) {
	_, err := NewPool(0, nil)
	require.NotNil(t, err)
	assert.Equal(t, errs.Invalid, err.Kind)

	_, err = NewPool(MaxContexts+1, nil)
	require.NotNil(t, err)
}
