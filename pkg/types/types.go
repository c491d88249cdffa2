// Core value types shared by every component.
//
// Values travel through the engine as a tagged union of a type tag and
// 64 bits of payload. Integral and float payloads live in Bits; text
// payloads are 64-bit dictionary keys, with the resolved string carried
// alongside once a component has been through the dictionary. The tag
// numbering is part of the on-disk and wire format and must not change.
package types

import (
	"fmt"
	"math"
)

// Type tags. Persisted in records, catalogs and wire frames.
type Type uint32

const (
	Nothing  Type = 0
	Text     Type = 1
	Date     Type = 2
	Time     Type = 3
	Float    Type = 4
	Int      Type = 5
	UInt     Type = 6
	Complex  Type = 7
	LongText Type = 8
	Bool     Type = 9
)

func (t Type) String() string {
	switch t {
	case Nothing:
		return "nothing"
	case Text:
		return "text"
	case Date:
		return "date"
	case Time:
		return "time"
	case Float:
		return "float"
	case Int:
		return "int"
	case UInt:
		return "uint"
	case Complex:
		return "complex"
	case LongText:
		return "longtext"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Numeric reports whether a type participates in arithmetic.
func (t Type) Numeric() bool {
	switch t {
	case Float, Int, UInt, Date, Time, Bool:
		return true
	}
	return false
}

// Temporal reports whether the payload is nanoseconds since epoch.
func (t Type) Temporal() bool {
	return t == Time || t == Date
}

// Key is a 64-bit identifier (vertex id, edge id, property id,
// dictionary key).
type Key = uint64

// RoleID identifies a vertex type within the model.
type RoleID = uint32

// PageID names a page within a store; the high bits carry the file id,
// the low bits the page offset within the file.
type PageID = uint64

// Content distinguishes the two record shapes a store can hold.
type Content uint8

const (
	ContentEdge   Content = 0
	ContentVertex Content = 1
)

func (c Content) String() string {
	if c == ContentVertex {
		return "vertex"
	}
	return "edge"
}

// Value is the tagged union evaluated by filters and expressions.
// Bits holds the raw 64-bit payload; Str is the resolved string for
// Text values that have been through the dictionary.
type Value struct {
	Typ  Type
	Bits uint64
	Str  string
}

// Null is the NOTHING value; it propagates through every operator.
var Null = Value{Typ: Nothing}

func NewUInt(u uint64) Value   { return Value{Typ: UInt, Bits: u} }
func NewInt(i int64) Value     { return Value{Typ: Int, Bits: uint64(i)} }
func NewFloat(f float64) Value { return Value{Typ: Float, Bits: math.Float64bits(f)} }
func NewTime(t int64) Value    { return Value{Typ: Time, Bits: uint64(t)} }
func NewDate(t int64) Value    { return Value{Typ: Date, Bits: uint64(t)} }
func NewText(key Key, s string) Value {
	return Value{Typ: Text, Bits: key, Str: s}
}

func NewBool(b bool) Value {
	if b {
		return Value{Typ: Bool, Bits: 1}
	}
	return Value{Typ: Bool, Bits: 0}
}

func (v Value) IsNull() bool   { return v.Typ == Nothing }
func (v Value) UInt() uint64   { return v.Bits }
func (v Value) Int() int64     { return int64(v.Bits) }
func (v Value) Float() float64 { return math.Float64frombits(v.Bits) }
func (v Value) Bool() bool     { return v.Bits != 0 }

// Promote lifts two numeric types to their common type following the
// lattice uint <= int <= float; temporal types behave like int.
func Promote(a, b Type) Type {
	if a == Nothing || b == Nothing {
		return Nothing
	}
	if a == b {
		return a
	}
	ra, rb := rank(a), rank(b)
	if ra < 0 || rb < 0 {
		return Nothing
	}
	if ra >= rb {
		return derank(ra)
	}
	return derank(rb)
}

func rank(t Type) int {
	switch t {
	case Bool, UInt:
		return 0
	case Int, Time, Date:
		return 1
	case Float:
		return 2
	}
	return -1
}

func derank(r int) Type {
	switch r {
	case 0:
		return UInt
	case 1:
		return Int
	case 2:
		return Float
	}
	return Nothing
}

// Convert coerces a value to the target numeric type. Returns Null
// when the conversion is not defined.
func Convert(v Value, to Type) Value {
	if v.Typ == to {
		return v
	}
	if v.Typ == Nothing {
		return Null
	}
	switch to {
	case Float:
		switch v.Typ {
		case UInt, Bool:
			return NewFloat(float64(v.UInt()))
		case Int, Time, Date:
			return NewFloat(float64(v.Int()))
		}
	case Int, Time, Date:
		switch v.Typ {
		case UInt, Bool:
			return Value{Typ: to, Bits: v.Bits}
		case Int, Time, Date:
			return Value{Typ: to, Bits: v.Bits}
		case Float:
			return Value{Typ: to, Bits: uint64(int64(v.Float()))}
		}
	case UInt:
		switch v.Typ {
		case Int, Time, Date, Bool:
			return Value{Typ: UInt, Bits: v.Bits}
		case Float:
			return Value{Typ: UInt, Bits: uint64(v.Float())}
		}
	case Bool:
		if v.Bits != 0 {
			return NewBool(true)
		}
		return NewBool(false)
	}
	return Null
}

// Compare orders two values of the same promoted type.
// Returns <0, 0, >0; comparing against Null yields 0 only for Null.
func Compare(a, b Value) int {
	t := Promote(a.Typ, b.Typ)
	if t == Nothing {
		if a.Typ == Text && b.Typ == Text {
			switch {
			case a.Bits < b.Bits:
				return -1
			case a.Bits > b.Bits:
				return 1
			}
			return 0
		}
		return 0
	}
	a, b = Convert(a, t), Convert(b, t)
	switch t {
	case Float:
		af, bf := a.Float(), b.Float()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
	case Int, Time, Date:
		ai, bi := a.Int(), b.Int()
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
	default:
		switch {
		case a.Bits < b.Bits:
			return -1
		case a.Bits > b.Bits:
			return 1
		}
	}
	return 0
}
