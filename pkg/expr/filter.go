// Record filters.
//
// A filter is a boolean tree evaluated against raw record bytes: the
// leaves compare one fixed-width field with a constant (or a set of
// constants), the inner nodes combine results. Filters run in the page
// scan loop, so evaluation allocates nothing.
//
// Period extracts the timestamp bounds implied by a filter; the store
// uses it to prune files whose range cannot intersect. Equalities
// lists the field equalities reachable through conjunctions; the
// planner matches them against index key layouts.
package expr

import (
	"math"

	"github.com/toschoo/nowdb/pkg/types"
)

// BoolOp combines sub-filters.
type BoolOp int

const (
	BoolTrue BoolOp = iota
	BoolFalse
	BoolJust
	BoolNot
	BoolAnd
	BoolOr
)

// CompareOp relates a field with a constant.
type CompareOp int

const (
	FilterEq CompareOp = iota
	FilterNe
	FilterLt
	FilterLe
	FilterGt
	FilterGe
	FilterIn
)

// Filter is evaluated per record.
type Filter interface {
	Eval(rec []byte) bool
}

// Bool is an inner filter node.
type Bool struct {
	Op    BoolOp
	Left  Filter
	Right Filter
}

// Eval combines the children.
func (b *Bool) Eval(rec []byte) bool {
	switch b.Op {
	case BoolTrue:
		return true
	case BoolFalse:
		return false
	case BoolJust:
		return b.Left.Eval(rec)
	case BoolNot:
		return !b.Left.Eval(rec)
	case BoolAnd:
		return b.Left.Eval(rec) && b.Right.Eval(rec)
	case BoolOr:
		return b.Left.Eval(rec) || b.Right.Eval(rec)
	}
	return false
}

// Compare is a leaf filter node over one record field.
type Compare struct {
	Op   CompareOp
	Off  int
	Size int // 4 or 8
	Typ  types.Type
	Val  uint64
	Set  map[uint64]struct{} // for FilterIn
}

func (c *Compare) load(rec []byte) uint64 {
	if c.Size == 4 {
		return uint64(types.FieldUInt32(rec, c.Off))
	}
	return types.FieldUInt(rec, c.Off)
}

// cmp orders the field value against the constant per the field type.
func (c *Compare) cmp(v uint64) int {
	switch c.Typ {
	case types.Float:
		a, b := math.Float64frombits(v), math.Float64frombits(c.Val)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case types.Int, types.Time, types.Date:
		a, b := int64(v), int64(c.Val)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	default:
		switch {
		case v < c.Val:
			return -1
		case v > c.Val:
			return 1
		}
		return 0
	}
}

// Eval applies the comparison.
func (c *Compare) Eval(rec []byte) bool {
	v := c.load(rec)
	switch c.Op {
	case FilterIn:
		_, ok := c.Set[v]
		return ok
	case FilterEq:
		return c.cmp(v) == 0
	case FilterNe:
		return c.cmp(v) != 0
	case FilterLt:
		return c.cmp(v) < 0
	case FilterLe:
		return c.cmp(v) <= 0
	case FilterGt:
		return c.cmp(v) > 0
	case FilterGe:
		return c.cmp(v) >= 0
	}
	return false
}

// And builds the conjunction of two filters.
func And(l, r Filter) Filter { return &Bool{Op: BoolAnd, Left: l, Right: r} }

// Or builds the disjunction of two filters.
func Or(l, r Filter) Filter { return &Bool{Op: BoolOr, Left: l, Right: r} }

// Not negates a filter.
func Not(f Filter) Filter { return &Bool{Op: BoolNot, Left: f} }

// TrueFilter matches every record.
func TrueFilter() Filter { return &Bool{Op: BoolTrue} }

// Period is a half-open timestamp interval [Start, End).
type Period struct {
	Start int64
	End   int64
}

// FullPeriod covers all time.
var FullPeriod = Period{Start: types.MinStamp, End: types.MaxStamp}

// PeriodOf extracts the timestamp range implied by the filter's
// conjunctions of comparisons against the field at stampOff. Any
// record matched by the filter has its timestamp inside the result.
func PeriodOf(f Filter, stampOff int) Period {
	p := FullPeriod
	narrow(f, stampOff, &p)
	return p
}

// narrow walks conjunctions only: disjunctions and negations cannot
// soundly narrow the period.
func narrow(f Filter, stampOff int, p *Period) {
	switch n := f.(type) {
	case *Bool:
		if n.Op == BoolAnd {
			narrow(n.Left, stampOff, p)
			narrow(n.Right, stampOff, p)
		} else if n.Op == BoolJust {
			narrow(n.Left, stampOff, p)
		}
	case *Compare:
		if n.Off != stampOff || !n.Typ.Temporal() && n.Typ != types.Int {
			return
		}
		v := int64(n.Val)
		switch n.Op {
		case FilterEq:
			if v > p.Start {
				p.Start = v
			}
			if v+1 < p.End {
				p.End = v + 1
			}
		case FilterGe:
			if v > p.Start {
				p.Start = v
			}
		case FilterGt:
			if v+1 > p.Start {
				p.Start = v + 1
			}
		case FilterLt:
			if v < p.End {
				p.End = v
			}
		case FilterLe:
			if v+1 < p.End {
				p.End = v + 1
			}
		}
	}
}

// Equalities collects the equality leaves reachable through
// conjunctions, in tree order. The planner matches them against index
// key layouts.
func Equalities(f Filter) []*Compare {
	var out []*Compare
	collectEq(f, &out)
	return out
}

func collectEq(f Filter, out *[]*Compare) {
	switch n := f.(type) {
	case *Bool:
		if n.Op == BoolAnd {
			collectEq(n.Left, out)
			collectEq(n.Right, out)
		} else if n.Op == BoolJust {
			collectEq(n.Left, out)
		}
	case *Compare:
		if n.Op == FilterEq {
			*out = append(*out, n)
		}
	}
}
