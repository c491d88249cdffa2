// Typed record construction.
//
// The statement layer hands in literal values; here they are coerced
// to the declared model types, text is interned through the
// dictionary and the fixed-width records are built and inserted.
package scope

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/types"
)

// coerce converts a literal to the declared type, interning text.
func (s *Scope) coerce(v types.Value, to types.Type) (types.Value, *errs.Error) {
	if to == types.Text {
		if v.Typ != types.Text {
			return types.Null, errs.New(errs.Invalid, s.name, "text value expected")
		}
		if v.Bits == 0 && v.Str != "" {
			key, err := s.text.Insert(v.Str)
			if err != nil {
				return types.Null, err
			}
			v.Bits = key
		}
		return v, nil
	}
	out := types.Convert(v, to)
	if out.IsNull() && !v.IsNull() {
		return types.Null, errs.Newf(errs.Invalid, s.name,
			"cannot convert %s to %s", v.Typ, to)
	}
	return out, nil
}

// vertexID derives the vertex id from the primary key value per the
// type's vid policy.
func (s *Scope) vertexID(vt *model.VertexType, vals map[string]types.Value) (types.Key, *errs.Error) {
	if vt.Vid == model.VidAuto {
		u := uuid.New()
		return binary.BigEndian.Uint64(u[:8]), nil
	}
	pk := vt.PK()
	if pk == nil {
		return 0, errs.New(errs.Invalid, vt.Name, "no primary key declared")
	}
	v, ok := vals[pk.Name]
	if !ok {
		return 0, errs.New(errs.Invalid, vt.Name, "primary key value missing")
	}
	if vt.Vid == model.VidText {
		if v.Typ != types.Text {
			return 0, errs.New(errs.Invalid, vt.Name, "text vertex id expected")
		}
		return s.text.Insert(v.Str)
	}
	cv := types.Convert(v, types.UInt)
	if cv.IsNull() {
		return 0, errs.New(errs.Invalid, vt.Name, "numeric vertex id expected")
	}
	return cv.UInt(), nil
}

// InsertVertex stores one logical vertex row as property triples.
func (s *Scope) InsertVertex(typeName string, vals map[string]types.Value) (types.Key, *errs.Error) {
	vt, err := s.model.VertexByName(typeName)
	if err != nil {
		return 0, err
	}
	vid, err := s.vertexID(vt, vals)
	if err != nil {
		return 0, err
	}
	st, err := s.StoreOf(VertexStore)
	if err != nil {
		return 0, err
	}
	recs := make([][]byte, 0, len(vt.Props))
	for _, p := range vt.Props {
		v, ok := vals[p.Name]
		if !ok {
			continue
		}
		cv, err := s.coerce(v, p.Typ)
		if err != nil {
			return 0, errs.Wrap(errs.Invalid, p.Name, err)
		}
		rec := make([]byte, types.VertexSize)
		t := types.Vertex{
			Vertex: vid,
			Prop:   p.ID,
			Value:  cv.Bits,
			VType:  p.Typ,
			Role:   vt.Role,
		}
		t.Marshal(rec)
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return 0, errs.New(errs.Invalid, typeName, "no property values")
	}
	return vid, st.InsertBulk(recs)
}

// EdgeValues carries the literal values of one edge insert.
type EdgeValues struct {
	Origin  types.Value
	Destin  types.Value
	Label   types.Value
	Stamp   int64
	Weight  types.Value
	Weight2 types.Value
}

// vidOf resolves an endpoint literal against the endpoint's type.
func (s *Scope) vidOf(typeName string, v types.Value) (types.Key, *errs.Error) {
	vt, err := s.model.VertexByName(typeName)
	if err != nil {
		return 0, err
	}
	if vt.Vid == model.VidText {
		if v.Typ != types.Text {
			return 0, errs.New(errs.Invalid, typeName, "text vertex id expected")
		}
		return s.text.Insert(v.Str)
	}
	cv := types.Convert(v, types.UInt)
	if cv.IsNull() {
		return 0, errs.New(errs.Invalid, typeName, "numeric vertex id expected")
	}
	return cv.UInt(), nil
}

// InsertEdge stores one edge record into the edge type's context.
func (s *Scope) InsertEdge(edgeName string, ev EdgeValues) *errs.Error {
	et, err := s.model.EdgeByName(edgeName)
	if err != nil {
		return err
	}
	st, err := s.StoreOf(edgeName)
	if err != nil {
		return err
	}
	origin, err := s.vidOf(et.Origin, ev.Origin)
	if err != nil {
		return err
	}
	destin, err := s.vidOf(et.Destin, ev.Destin)
	if err != nil {
		return err
	}
	var label types.Key
	if et.Label != types.Nothing && !ev.Label.IsNull() {
		lv, err := s.coerce(ev.Label, et.Label)
		if err != nil {
			return err
		}
		label = lv.Bits
	}
	e := types.Edge{
		Edge:   et.ID,
		Origin: origin,
		Destin: destin,
		Label:  label,
		Stamp:  ev.Stamp,
	}
	if et.Weight != types.Nothing && !ev.Weight.IsNull() {
		wv, err := s.coerce(ev.Weight, et.Weight)
		if err != nil {
			return err
		}
		e.Weight, e.WType = wv.Bits, et.Weight
	}
	if et.Weight2 != types.Nothing && !ev.Weight2.IsNull() {
		wv, err := s.coerce(ev.Weight2, et.Weight2)
		if err != nil {
			return err
		}
		e.Weight2, e.WType2 = wv.Bits, et.Weight2
	}
	rec := make([]byte, types.EdgeSize)
	e.Marshal(rec)
	return st.Insert(rec)
}
