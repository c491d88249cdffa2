// Cursor: driving the pipeline.
//
// A cursor owns the plan's reader tree plus the record filter, the
// vertex row reconstructor (for vertex targets), the aggregation
// state and the projection list. Fetch pulls pages, filters records,
// evaluates the projections and encodes result rows into the caller's
// buffer. Rows that do not fit are split across fetches; callers
// reassemble at the frame layer.
package plan

import (
	"encoding/binary"
	"sort"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/expr"
	"github.com/toschoo/nowdb/pkg/reader"
	"github.com/toschoo/nowdb/pkg/text"
	"github.com/toschoo/nowdb/pkg/types"
)

// EndOfRow terminates each encoded row.
const EndOfRow byte = 0x0A

// Cursor executes one plan.
type Cursor struct {
	plan *Plan
	rdr  reader.Reader
	vrow *reader.VRow
	tc   *text.Cache

	recsize int
	aggs    []*expr.Agg
	grouped bool
	groups  map[string]*group
	gorder  []string

	// iteration state
	page    []byte
	used    int
	slots   []int
	si      int
	pending []byte // encoded bytes that did not fit the last buffer
	phase   int    // 0 scanning, 1 emitting aggregates, 2 done
	emitIdx int
	stop    chan struct{}
	rows    uint64
}

type group struct {
	key   []byte
	row   []byte // representative row for the non-aggregate columns
	projs []expr.Expr
	aggs  []*expr.Agg
}

// NewCursor opens a cursor over the plan.
func NewCursor(p *Plan) (*Cursor, *errs.Error) {
	rdr, err := p.buildReader()
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		plan: p,
		rdr:  rdr,
		tc:   text.NewCache(p.scope.Text(), 256),
		stop: make(chan struct{}),
	}
	if p.Cont == types.ContentVertex {
		c.recsize = types.VertexSize
		vr, verr := reader.NewVRow(p.VType, p.vrowProps)
		if verr != nil {
			rdr.Close()
			return nil, verr
		}
		c.vrow = vr
	} else {
		c.recsize = types.EdgeSize
	}
	for _, pe := range p.Projs {
		c.aggs = append(c.aggs, expr.Aggs(pe)...)
	}
	if len(c.aggs) > 0 || len(p.Groups) > 0 {
		c.grouped = true
		c.groups = make(map[string]*group)
	}
	return c, nil
}

// Stop cancels the cursor cooperatively; the next page fetch ends
// with eof.
func (c *Cursor) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Cursor) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Close releases the reader. Safe after exhaustion or Stop.
func (c *Cursor) Close() *errs.Error {
	return c.rdr.Close()
}

// Rows returns the number of rows emitted so far.
func (c *Cursor) Rows() uint64 { return c.rows }

// nextRecord pulls the next filtered record out of the page stream.
func (c *Cursor) nextRecord() ([]byte, *errs.Error) {
	for {
		if c.page != nil {
			var rec []byte
			if c.slots != nil {
				if c.si >= len(c.slots) {
					c.page = nil
					continue
				}
				off := c.slots[c.si] * c.recsize
				c.si++
				if off+c.recsize > c.used {
					continue
				}
				rec = c.page[off : off+c.recsize]
			} else {
				off := c.si * c.recsize
				if off+c.recsize > c.used {
					c.page = nil
					continue
				}
				c.si++
				rec = c.page[off : off+c.recsize]
			}
			if c.vrow == nil && c.plan.Filter != nil && !c.plan.Filter.Eval(rec) {
				continue
			}
			return rec, nil
		}
		if c.stopped() {
			return nil, errs.New(errs.EOF, "cursor", "stopped")
		}
		if err := c.rdr.Move(); err != nil {
			return nil, err
		}
		c.page = c.rdr.Page()
		c.used = c.rdr.Used()
		c.slots = c.rdr.Slots()
		c.si = 0
	}
}

// nextRow produces the next logical row: the raw record for edges,
// the reconstructed row for vertex targets.
func (c *Cursor) nextRow() ([]byte, *errs.Error) {
	if c.vrow == nil {
		return c.nextRecord()
	}
	for {
		if _, row, ok := c.vrow.Next(); ok {
			if c.plan.Filter != nil && !c.plan.Filter.Eval(row) {
				continue
			}
			return row, nil
		}
		rec, err := c.nextRecord()
		if err != nil {
			if err.Kind == errs.EOF && c.vrow.Pending() > 0 {
				c.vrow.Force()
				continue
			}
			return nil, err
		}
		c.vrow.Add(rec)
	}
}

// groupKey encodes the group-by fields of one row.
func (c *Cursor) groupKey(row []byte) ([]byte, *errs.Error) {
	key := make([]byte, 0, 8*len(c.plan.Groups))
	for _, g := range c.plan.Groups {
		v, err := g.Eval(row)
		if err != nil {
			return nil, err
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Bits)
		key = append(key, b[:]...)
	}
	return key, nil
}

// groupFor finds or creates the group of a row. Ungrouped
// aggregation uses the empty key.
func (c *Cursor) groupFor(row []byte) (*group, *errs.Error) {
	key, err := c.groupKey(row)
	if err != nil {
		return nil, err
	}
	g, ok := c.groups[string(key)]
	if !ok {
		g = &group{key: key, row: append([]byte(nil), row...)}
		// clone the projection tree's aggregates per group
		for _, pe := range c.plan.Projs {
			cp, aggs := cloneProj(pe)
			g.projs = append(g.projs, cp)
			g.aggs = append(g.aggs, aggs...)
		}
		c.groups[string(key)] = g
		c.gorder = append(c.gorder, string(key))
	}
	return g, nil
}

// cloneProj copies an expression tree, giving aggregates fresh state.
func cloneProj(e expr.Expr) (expr.Expr, []*expr.Agg) {
	switch n := e.(type) {
	case *expr.Agg:
		cp := n.Clone()
		return cp, []*expr.Agg{cp}
	case *expr.Op:
		op := &expr.Op{Fun: n.Fun, Text: n.Text}
		var aggs []*expr.Agg
		for _, a := range n.Args {
			ca, sub := cloneProj(a)
			op.Args = append(op.Args, ca)
			aggs = append(aggs, sub...)
		}
		return op, aggs
	case *expr.Ref:
		ce, aggs := cloneProj(n.E)
		return &expr.Ref{E: ce}, aggs
	default:
		return e, nil
	}
}

// Fetch fills buf with encoded rows. cnt returns the rows completed
// in this call; eof is reported once the pipeline is exhausted and
// everything was emitted.
func (c *Cursor) Fetch(buf []byte) (osize int, cnt int, err *errs.Error) {
	// leftover bytes of a row split at the last buffer boundary
	if len(c.pending) > 0 {
		n := copy(buf, c.pending)
		c.pending = c.pending[n:]
		osize = n
		if len(c.pending) > 0 {
			return osize, 0, nil
		}
		cnt++
		c.rows++
	}
	for {
		row, rerr := c.nextEncoded()
		if rerr != nil {
			if rerr.Kind == errs.EOF && osize > 0 {
				return osize, cnt, nil
			}
			return osize, cnt, rerr
		}
		n := copy(buf[osize:], row)
		osize += n
		if n < len(row) {
			c.pending = row[n:]
			return osize, cnt, nil
		}
		cnt++
		c.rows++
		if osize >= len(buf) {
			return osize, cnt, nil
		}
	}
}

// nextEncoded produces the next encoded result row.
func (c *Cursor) nextEncoded() ([]byte, *errs.Error) {
	if !c.grouped {
		row, err := c.nextRow()
		if err != nil {
			return nil, err
		}
		return c.encodeRow(c.plan.Projs, row)
	}
	switch c.phase {
	case 0:
		for {
			row, err := c.nextRow()
			if err != nil {
				if err.Kind != errs.EOF {
					return nil, err
				}
				c.phase = 1
				break
			}
			g, gerr := c.groupFor(row)
			if gerr != nil {
				return nil, gerr
			}
			for _, a := range g.aggs {
				if err := a.Update(row); err != nil {
					return nil, err
				}
			}
		}
		fallthrough
	case 1:
		if len(c.plan.Groups) > 0 {
			sort.Strings(c.gorder)
		}
		c.phase = 2
		fallthrough
	default:
		if c.emitIdx >= len(c.gorder) {
			if c.emitIdx == 0 && len(c.plan.Groups) == 0 && len(c.aggs) > 0 {
				// aggregate over empty input: one row of zero counts
				c.emitIdx++
				return c.encodeRow(c.plan.Projs, nil)
			}
			return nil, errs.New(errs.EOF, "cursor", "")
		}
		g := c.groups[c.gorder[c.emitIdx]]
		c.emitIdx++
		return c.encodeRow(g.projs, g.row)
	}
}

// encodeRow evaluates the projections and encodes one wire row:
// (type tag, value) cells terminated by the end-of-row byte.
func (c *Cursor) encodeRow(projs []expr.Expr, row []byte) ([]byte, *errs.Error) {
	out := make([]byte, 0, 64)
	for _, pe := range projs {
		v, err := pe.Eval(row)
		if err != nil {
			return nil, err
		}
		out = appendCell(out, v, c.tc)
	}
	return append(out, EndOfRow), nil
}

// appendCell encodes one value cell. Text resolves through the
// per-query cache and travels as length-prefixed bytes.
func appendCell(out []byte, v types.Value, tc *text.Cache) []byte {
	out = append(out, byte(v.Typ))
	switch v.Typ {
	case types.Nothing:
		return out
	case types.Text:
		s := v.Str
		if s == "" && v.Bits != 0 && tc != nil {
			if r, err := tc.GetText(v.Bits); err == nil {
				s = r
			}
		}
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
		out = append(out, l[:]...)
		return append(out, s...)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v.Bits)
		return append(out, b[:]...)
	}
}
