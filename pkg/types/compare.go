// Record comparators and composite key layouts.
//
// Stores sort records with a comparator selected by content type;
// indexes extract composite keys from records using a layout of
// (offset, size) fields in declared order. Comparators are registered
// in a static table under a stable tag; catalogs persist the tag, never
// a symbol name.
package types

import "encoding/binary"

// RecordCompare orders two encoded records.
type RecordCompare func(a, b []byte) int

// KeyField addresses one field inside a record. Size is 4 or 8.
type KeyField struct {
	Off  int `json:"off"`
	Size int `json:"size"`
}

// KeyLayout is an ordered list of record fields forming a composite
// key. Ties between equal fields are broken by the next field in
// declared order.
type KeyLayout []KeyField

// Size returns the byte size of the composite key.
func (kl KeyLayout) Size() int {
	s := 0
	for _, f := range kl {
		s += f.Size
	}
	return s
}

// Extract copies the key fields of rec into dst in declared order.
// Fields are stored big-endian so that byte order equals value order
// inside the host tree.
func (kl KeyLayout) Extract(rec, dst []byte) {
	p := 0
	for _, f := range kl {
		switch f.Size {
		case 4:
			binary.BigEndian.PutUint32(dst[p:], binary.LittleEndian.Uint32(rec[f.Off:]))
		default:
			binary.BigEndian.PutUint64(dst[p:], binary.LittleEndian.Uint64(rec[f.Off:]))
		}
		p += f.Size
	}
}

// CompareRecords orders two records by the layout's fields.
func (kl KeyLayout) CompareRecords(a, b []byte) int {
	for _, f := range kl {
		var av, bv uint64
		switch f.Size {
		case 4:
			av = uint64(binary.LittleEndian.Uint32(a[f.Off:]))
			bv = uint64(binary.LittleEndian.Uint32(b[f.Off:]))
		default:
			av = binary.LittleEndian.Uint64(a[f.Off:])
			bv = binary.LittleEndian.Uint64(b[f.Off:])
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

// CompareEdge orders edge records by origin, destination, timestamp,
// edge id.
func CompareEdge(a, b []byte) int {
	return edgeKeys.CompareRecords(a, b)
}

// CompareVertex orders vertex triples by role, vertex id, property id.
func CompareVertex(a, b []byte) int {
	return vertexKeys.CompareRecords(a, b)
}

var edgeKeys = KeyLayout{
	{Off: OffOrigin, Size: 8},
	{Off: OffDestin, Size: 8},
	{Off: OffStamp, Size: 8},
	{Off: OffEdge, Size: 8},
}

var vertexKeys = KeyLayout{
	{Off: OffRole, Size: 4},
	{Off: OffVertex, Size: 8},
	{Off: OffProp, Size: 8},
}

// Comparator tags persisted in catalogs.
const (
	CompareTagNone   = ""
	CompareTagEdge   = "edge"
	CompareTagVertex = "vertex"
)

var compareTable = map[string]RecordCompare{
	CompareTagEdge:   CompareEdge,
	CompareTagVertex: CompareVertex,
}

// CompareByTag resolves a persisted comparator tag. The empty tag
// resolves to nil: no sorting, insertion order preserved.
func CompareByTag(tag string) (RecordCompare, bool) {
	if tag == CompareTagNone {
		return nil, true
	}
	c, ok := compareTable[tag]
	return c, ok
}

// CompareFor selects the default comparator for a content type.
func CompareFor(c Content) RecordCompare {
	if c == ContentVertex {
		return CompareVertex
	}
	return CompareEdge
}
