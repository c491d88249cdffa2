// Aggregate functions.
package expr

import (
	"strings"

	"github.com/toschoo/nowdb/pkg/types"
)

// AggFun identifies an aggregate.
type AggFun int

const (
	AggCount AggFun = iota
	AggSum
	AggMin
	AggMax
	AggAvg
	AggSpread // max - min
)

// AggByName resolves an aggregate name as it appears in SQL.
func AggByName(name string) (AggFun, bool) {
	switch strings.ToLower(name) {
	case "count":
		return AggCount, true
	case "sum":
		return AggSum, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	case "avg":
		return AggAvg, true
	case "spread":
		return AggSpread, true
	}
	return 0, false
}

// aggState accumulates one aggregate. Null inputs are skipped; count
// counts every update regardless.
type aggState struct {
	n    uint64
	nn   uint64 // non-null inputs
	sum  types.Value
	min  types.Value
	max  types.Value
	seen bool
}

func (s *aggState) update(f AggFun, v types.Value) {
	s.n++
	if v.IsNull() {
		return
	}
	s.nn++
	if !s.seen {
		s.sum, s.min, s.max = v, v, v
		s.seen = true
		return
	}
	if r, err := arith(FunAdd, []types.Value{s.sum, v}); err == nil {
		s.sum = r
	}
	if types.Compare(v, s.min) < 0 {
		s.min = v
	}
	if types.Compare(v, s.max) > 0 {
		s.max = v
	}
}

func (s *aggState) value(f AggFun) types.Value {
	switch f {
	case AggCount:
		return types.NewUInt(s.n)
	case AggSum:
		if !s.seen {
			return types.Null
		}
		return s.sum
	case AggMin:
		if !s.seen {
			return types.Null
		}
		return s.min
	case AggMax:
		if !s.seen {
			return types.Null
		}
		return s.max
	case AggAvg:
		if !s.seen || s.nn == 0 {
			return types.Null
		}
		sum := types.Convert(s.sum, types.Float)
		if sum.IsNull() {
			return types.Null
		}
		return types.NewFloat(sum.Float() / float64(s.nn))
	case AggSpread:
		if !s.seen {
			return types.Null
		}
		r, err := arith(FunSub, []types.Value{s.max, s.min})
		if err != nil {
			return types.Null
		}
		return r
	}
	return types.Null
}
