// Record layouts.
//
// Two record shapes exist. The edge record is the historical 64-byte
// layout; the vertex record is a 32-byte property triple. A logical
// vertex row is the join of all triples sharing a vertex id within one
// role; that join happens in the reader layer, not here.
//
// All multi-byte fields are little-endian. Offsets are part of the
// on-disk format.
package types

import "encoding/binary"

// Edge record offsets and size.
const (
	EdgeSize = 64

	OffEdge    = 0  // edge id (u64)
	OffOrigin  = 8  // origin vertex id (u64)
	OffDestin  = 16 // destination vertex id (u64)
	OffLabel   = 24 // label key (u64)
	OffStamp   = 32 // timestamp, ns since epoch (i64)
	OffWeight  = 40 // weight payload (u64 bits)
	OffWeight2 = 48 // second weight payload (u64 bits)
	OffWType   = 56 // weight type tag (u32)
	OffWType2  = 60 // second weight type tag (u32)
)

// Vertex triple offsets and size.
const (
	VertexSize = 32

	OffVertex = 0  // vertex id (u64)
	OffProp   = 8  // property id (u64)
	OffValue  = 16 // value payload (u64 bits)
	OffVType  = 24 // value type tag (u32)
	OffRole   = 28 // role id (u32)
)

// Edge is the decoded form of an edge record.
type Edge struct {
	Edge    Key
	Origin  Key
	Destin  Key
	Label   Key
	Stamp   int64
	Weight  uint64
	Weight2 uint64
	WType   Type
	WType2  Type
}

// Marshal encodes the edge into buf, which must hold EdgeSize bytes.
func (e *Edge) Marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[OffEdge:], e.Edge)
	binary.LittleEndian.PutUint64(buf[OffOrigin:], e.Origin)
	binary.LittleEndian.PutUint64(buf[OffDestin:], e.Destin)
	binary.LittleEndian.PutUint64(buf[OffLabel:], e.Label)
	binary.LittleEndian.PutUint64(buf[OffStamp:], uint64(e.Stamp))
	binary.LittleEndian.PutUint64(buf[OffWeight:], e.Weight)
	binary.LittleEndian.PutUint64(buf[OffWeight2:], e.Weight2)
	binary.LittleEndian.PutUint32(buf[OffWType:], uint32(e.WType))
	binary.LittleEndian.PutUint32(buf[OffWType2:], uint32(e.WType2))
}

// Unmarshal decodes an edge record from buf.
func (e *Edge) Unmarshal(buf []byte) {
	e.Edge = binary.LittleEndian.Uint64(buf[OffEdge:])
	e.Origin = binary.LittleEndian.Uint64(buf[OffOrigin:])
	e.Destin = binary.LittleEndian.Uint64(buf[OffDestin:])
	e.Label = binary.LittleEndian.Uint64(buf[OffLabel:])
	e.Stamp = int64(binary.LittleEndian.Uint64(buf[OffStamp:]))
	e.Weight = binary.LittleEndian.Uint64(buf[OffWeight:])
	e.Weight2 = binary.LittleEndian.Uint64(buf[OffWeight2:])
	e.WType = Type(binary.LittleEndian.Uint32(buf[OffWType:]))
	e.WType2 = Type(binary.LittleEndian.Uint32(buf[OffWType2:]))
}

// Vertex is the decoded form of a property triple.
type Vertex struct {
	Vertex Key
	Prop   Key
	Value  uint64
	VType  Type
	Role   RoleID
}

// Marshal encodes the triple into buf, which must hold VertexSize bytes.
func (v *Vertex) Marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[OffVertex:], v.Vertex)
	binary.LittleEndian.PutUint64(buf[OffProp:], v.Prop)
	binary.LittleEndian.PutUint64(buf[OffValue:], v.Value)
	binary.LittleEndian.PutUint32(buf[OffVType:], uint32(v.VType))
	binary.LittleEndian.PutUint32(buf[OffRole:], v.Role)
}

// Unmarshal decodes a triple from buf.
func (v *Vertex) Unmarshal(buf []byte) {
	v.Vertex = binary.LittleEndian.Uint64(buf[OffVertex:])
	v.Prop = binary.LittleEndian.Uint64(buf[OffProp:])
	v.Value = binary.LittleEndian.Uint64(buf[OffValue:])
	v.VType = Type(binary.LittleEndian.Uint32(buf[OffVType:]))
	v.Role = binary.LittleEndian.Uint32(buf[OffRole:])
}

// EdgeStamp reads the timestamp straight off an encoded edge record.
func EdgeStamp(rec []byte) int64 {
	return int64(binary.LittleEndian.Uint64(rec[OffStamp:]))
}

// FieldUInt reads a 64-bit field at the given record offset.
func FieldUInt(rec []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(rec[off:])
}

// FieldUInt32 reads a 32-bit field at the given record offset.
func FieldUInt32(rec []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(rec[off:])
}
