// Compression contexts.
//
// A Pool holds a bounded set of zstd compression and decompression
// contexts plus the store's trained dictionary. Context construction
// is expensive (internal state tables, dictionaries), so contexts are
// acquired and released around each block rather than created per
// call. Busy contexts are tracked in two bitmaps under one mutex.
//
// Acquiring a compression context when all are busy fails with no-rsc:
// the sorter backs off and retries. Decompression serves the query
// path, so exhaustion there falls back to an ad-hoc context instead of
// failing the read.
package comp

import (
	"math/bits"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/toschoo/nowdb/pkg/errs"
)

// MaxContexts bounds the pool; busy tracking is one 64-bit bitmap per
// direction.
const MaxContexts = 64

// ZstdLevel is the compression level used for reader blocks.
var ZstdLevel = zstd.SpeedDefault

// Pool is a bounded set of (de)compression contexts sharing one
// trained dictionary.
type Pool struct {
	mu    sync.Mutex
	cbusy uint64
	dbusy uint64
	encs  []*zstd.Encoder
	decs  []*zstd.Decoder
	dict  []byte
}

// NewPool creates a pool of n contexts per direction. dict is the
// store's trained dictionary; nil means plain zstd.
func NewPool(n int, dict []byte) (*Pool, *errs.Error) {
	if n < 1 || n > MaxContexts {
		return nil, errs.Newf(errs.Invalid, "comp", "pool size %d out of range", n)
	}
	p := &Pool{dict: dict}
	for i := 0; i < n; i++ {
		enc, err := newEncoder(dict)
		if err != nil {
			p.Close()
			return nil, err
		}
		dec, err := newDecoder(dict)
		if err != nil {
			enc.Close()
			p.Close()
			return nil, err
		}
		p.encs = append(p.encs, enc)
		p.decs = append(p.decs, dec)
	}
	return p, nil
}

func newEncoder(dict []byte) (*zstd.Encoder, *errs.Error) {
	opts := []zstd.EOption{zstd.WithEncoderLevel(ZstdLevel)}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithEncoderDict(dict))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Comp, "comp", err)
	}
	return enc, nil
}

func newDecoder(dict []byte) (*zstd.Decoder, *errs.Error) {
	var opts []zstd.DOption
	if len(dict) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Decomp, "comp", err)
	}
	return dec, nil
}

// GetCCtx acquires a compression context. Fails with no-rsc when all
// contexts are busy.
func (p *Pool) GetCCtx() (*zstd.Encoder, int, *errs.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.encs {
		if p.cbusy&(1<<uint(i)) == 0 {
			p.cbusy |= 1 << uint(i)
			return p.encs[i], i, nil
		}
	}
	return nil, 0, errs.New(errs.NoRsc, "comp", "all compression contexts busy")
}

// ReleaseCCtx returns a compression context to the pool.
func (p *Pool) ReleaseCCtx(i int) {
	p.mu.Lock()
	p.cbusy &^= 1 << uint(i)
	p.mu.Unlock()
}

// GetDCtx acquires a decompression context. When the pool is
// exhausted, an ad-hoc context is allocated; its index is -1 and
// ReleaseDCtx closes it.
func (p *Pool) GetDCtx() (*zstd.Decoder, int, *errs.Error) {
	p.mu.Lock()
	for i := range p.decs {
		if p.dbusy&(1<<uint(i)) == 0 {
			p.dbusy |= 1 << uint(i)
			p.mu.Unlock()
			return p.decs[i], i, nil
		}
	}
	p.mu.Unlock()
	dec, err := newDecoder(p.dict)
	if err != nil {
		return nil, 0, err
	}
	return dec, -1, nil
}

// ReleaseDCtx returns a decompression context; ad-hoc contexts are
// closed.
func (p *Pool) ReleaseDCtx(i int, dec *zstd.Decoder) {
	if i < 0 {
		dec.Close()
		return
	}
	p.mu.Lock()
	p.dbusy &^= 1 << uint(i)
	p.mu.Unlock()
}

// Busy returns how many contexts are currently acquired.
func (p *Pool) Busy() (cctx, dctx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bits.OnesCount64(p.cbusy), bits.OnesCount64(p.dbusy)
}

// Dict returns the trained dictionary, nil when none is set.
func (p *Pool) Dict() []byte { return p.dict }

// Close releases every context. Outstanding acquisitions must have
// been returned.
func (p *Pool) Close() {
	for _, e := range p.encs {
		e.Close()
	}
	for _, d := range p.decs {
		d.Close()
	}
	p.encs, p.decs = nil, nil
}
