// Vertex row reconstruction.
//
// A logical vertex row is stored as one property triple per declared
// property. VRow joins the triples of one role back into flat rows:
// a row buffer holds the vertex id followed by one 8-byte slot per
// referenced property. Expressions over vertex fields are rewritten
// to read these slots, with the synthesized vertex id at offset 0.
//
// Rows complete when all required properties arrived; rows still
// partial at the end of input are flushed via Force. A change of
// vertex id in the input stream does not flush partial rows.
package reader

import (
	"encoding/binary"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/expr"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/types"
)

// VRowOff returns the row-buffer offset of the property slot with
// the given position. Offset 0 is the vertex id.
func VRowOff(slot int) int { return 8 + 8*slot }

// VRow reconstructs logical rows from property triples.
type VRow struct {
	role    types.RoleID
	props   []types.Key // property ids in slot order
	slotOf  map[types.Key]int
	need    uint64 // bitmap of required slots
	rowSize int

	partial map[types.Key]*partialRow
	order   []types.Key // insertion order of partials
	ready   []*partialRow
}

type partialRow struct {
	vid  types.Key
	row  []byte
	have uint64
}

// NewVRow builds a reconstructor for the given vertex type over the
// referenced property ids. An empty list means all declared
// properties.
func NewVRow(vt *model.VertexType, propIDs []types.Key) (*VRow, *errs.Error) {
	if len(propIDs) == 0 {
		for _, p := range vt.Props {
			propIDs = append(propIDs, p.ID)
		}
	}
	if len(propIDs) > 64 {
		return nil, errs.New(errs.TooBig, vt.Name, "more than 64 properties referenced")
	}
	v := &VRow{
		role:    vt.Role,
		props:   propIDs,
		slotOf:  make(map[types.Key]int, len(propIDs)),
		rowSize: 8 + 8*len(propIDs),
		partial: make(map[types.Key]*partialRow),
	}
	for i, id := range propIDs {
		v.slotOf[id] = i
		v.need |= 1 << uint(i)
	}
	return v, nil
}

// RowSize returns the byte size of a reconstructed row.
func (v *VRow) RowSize() int { return v.rowSize }

// SlotOf returns the row slot of a property id.
func (v *VRow) SlotOf(id types.Key) (int, bool) {
	s, ok := v.slotOf[id]
	return s, ok
}

// Add feeds one triple. Triples of other roles or unreferenced
// properties are ignored. Completed rows move to the ready list.
func (v *VRow) Add(rec []byte) {
	var t types.Vertex
	t.Unmarshal(rec)
	if t.Role != v.role {
		return
	}
	slot, ok := v.slotOf[t.Prop]
	if !ok {
		return
	}
	p, ok := v.partial[t.Vertex]
	if !ok {
		p = &partialRow{vid: t.Vertex, row: make([]byte, v.rowSize)}
		putU64(p.row, 0, t.Vertex)
		v.partial[t.Vertex] = p
		v.order = append(v.order, t.Vertex)
	}
	putU64(p.row, VRowOff(slot), t.Value)
	p.have |= 1 << uint(slot)
	if p.have == v.need {
		delete(v.partial, t.Vertex)
		v.dropOrder(t.Vertex)
		v.ready = append(v.ready, p)
	}
}

func (v *VRow) dropOrder(vid types.Key) {
	for i, id := range v.order {
		if id == vid {
			v.order = append(v.order[:i], v.order[i+1:]...)
			return
		}
	}
}

// Force flushes every partial row to the ready list; missing slots
// stay zero. The cursor calls it at end of input.
func (v *VRow) Force() {
	for _, vid := range v.order {
		if p, ok := v.partial[vid]; ok {
			v.ready = append(v.ready, p)
			delete(v.partial, vid)
		}
	}
	v.order = v.order[:0]
}

// Pending reports how many incomplete rows are held back.
func (v *VRow) Pending() int { return len(v.partial) }

// Next pops the oldest ready row. The returned buffer is owned by
// the caller until the next call.
func (v *VRow) Next() (types.Key, []byte, bool) {
	if len(v.ready) == 0 {
		return 0, nil, false
	}
	p := v.ready[0]
	v.ready = v.ready[1:]
	return p.vid, p.row, true
}

// Eval evaluates a filter against the head of the ready list without
// popping it.
func (v *VRow) Eval(f expr.Filter) (types.Key, bool, bool) {
	if len(v.ready) == 0 {
		return 0, false, false
	}
	p := v.ready[0]
	if f == nil {
		return p.vid, true, true
	}
	return p.vid, f.Eval(p.row), true
}

// RewriteFields redirects vertex field expressions to row-buffer
// offsets. A primary key field reads the synthesized vertex id at
// offset 0, so a PK-only filter matches every vertex.
func (v *VRow) RewriteFields(fields []*expr.Field) *errs.Error {
	for _, f := range fields {
		if f.Target != expr.TargetVertex {
			continue
		}
		if f.PK {
			f.Off = 0
			f.Size = 8
			continue
		}
		slot, ok := v.slotOf[f.PropID]
		if !ok {
			return errs.Newf(errs.NotFound, "vrow", "property %d", f.PropID)
		}
		f.Off = VRowOff(slot)
		f.Size = 8
	}
	return nil
}

func putU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:], v)
}
