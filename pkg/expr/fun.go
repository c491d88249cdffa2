// Built-in operators.
package expr

import (
	"math"
	"strings"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Fun identifies a built-in operator.
type Fun int

const (
	// arithmetic
	FunAdd Fun = iota
	FunSub
	FunMul
	FunDiv
	FunRem
	FunPow
	FunAbs

	// logic
	FunAnd
	FunOr
	FunNot
	FunJust

	// comparison
	FunEq
	FunNe
	FunLt
	FunLe
	FunGt
	FunGe
	FunIn

	// time
	FunYear
	FunMonth
	FunDay
	FunHour
	FunMinute
	FunSecond
	FunEpoch
	FunWeekday

	// conversion
	FunToFloat
	FunToInt
	FunToUInt
	FunToTime

	// string
	FunSubstr
	FunUpper
	FunLower
)

var funNames = map[string]Fun{
	"+": FunAdd, "-": FunSub, "*": FunMul, "/": FunDiv, "%": FunRem,
	"^": FunPow, "abs": FunAbs,
	"and": FunAnd, "or": FunOr, "not": FunNot,
	"=": FunEq, "!=": FunNe, "<": FunLt, "<=": FunLe,
	">": FunGt, ">=": FunGe, "in": FunIn,
	"year": FunYear, "month": FunMonth, "day": FunDay,
	"hour": FunHour, "minute": FunMinute, "second": FunSecond,
	"epoch": FunEpoch, "wday": FunWeekday,
	"tofloat": FunToFloat, "toint": FunToInt,
	"touint": FunToUInt, "totime": FunToTime,
	"substr": FunSubstr, "upper": FunUpper, "lower": FunLower,
}

// FunByName resolves an operator name as it appears in SQL.
func FunByName(name string) (Fun, bool) {
	f, ok := funNames[strings.ToLower(name)]
	return f, ok
}

// apply dispatches an operator over evaluated arguments.
func apply(f Fun, args []types.Value, text TextResolver) (types.Value, *errs.Error) {
	switch f {
	case FunAdd, FunSub, FunMul, FunDiv, FunRem, FunPow:
		return arith(f, args)
	case FunAbs:
		return absOf(args)
	case FunAnd, FunOr, FunNot, FunJust:
		return logic(f, args)
	case FunEq, FunNe, FunLt, FunLe, FunGt, FunGe, FunIn:
		return compare(f, args)
	case FunYear, FunMonth, FunDay, FunHour, FunMinute, FunSecond,
		FunEpoch, FunWeekday:
		return temporal(f, args)
	case FunToFloat:
		return convert(args, types.Float)
	case FunToInt:
		return convert(args, types.Int)
	case FunToUInt:
		return convert(args, types.UInt)
	case FunToTime:
		return convert(args, types.Time)
	case FunSubstr, FunUpper, FunLower:
		return stringFun(f, args, text)
	}
	return types.Null, errs.Newf(errs.NotSupp, "expr", "operator %d", int(f))
}

func binary(args []types.Value) (types.Value, types.Value, types.Type, bool) {
	if len(args) != 2 {
		return types.Null, types.Null, types.Nothing, false
	}
	t := types.Promote(args[0].Typ, args[1].Typ)
	if t == types.Nothing {
		return types.Null, types.Null, types.Nothing, false
	}
	return types.Convert(args[0], t), types.Convert(args[1], t), t, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func arith(f Fun, args []types.Value) (types.Value, *errs.Error) {
	a, b, t, ok := binary(args)
	if !ok {
		return types.Null, nil
	}
	switch t {
	case types.Float:
		x, y := a.Float(), b.Float()
		var r float64
		switch f {
		case FunAdd:
			r = x + y
		case FunSub:
			r = x - y
		case FunMul:
			r = x * y
		case FunDiv:
			if y == 0 {
				return types.Null, nil
			}
			r = x / y
		case FunRem:
			if y == 0 {
				return types.Null, nil
			}
			r = math.Mod(x, y)
		case FunPow:
			r = math.Pow(x, y)
		}
		if !finite(r) {
			return types.Null, nil
		}
		return types.NewFloat(r), nil
	case types.UInt:
		x, y := a.UInt(), b.UInt()
		switch f {
		case FunAdd:
			return types.NewUInt(x + y), nil
		case FunSub:
			if y > x { // would wrap: promote to int
				return types.NewInt(int64(x) - int64(y)), nil
			}
			return types.NewUInt(x - y), nil
		case FunMul:
			return types.NewUInt(x * y), nil
		case FunDiv:
			if y == 0 {
				return types.Null, nil
			}
			return types.NewUInt(x / y), nil
		case FunRem:
			if y == 0 {
				return types.Null, nil
			}
			return types.NewUInt(x % y), nil
		case FunPow:
			r := math.Pow(float64(x), float64(y))
			if !finite(r) {
				return types.Null, nil
			}
			return types.NewUInt(uint64(r)), nil
		}
	default: // Int, Time, Date
		x, y := a.Int(), b.Int()
		var r int64
		switch f {
		case FunAdd:
			r = x + y
		case FunSub:
			r = x - y
		case FunMul:
			r = x * y
		case FunDiv:
			if y == 0 {
				return types.Null, nil
			}
			r = x / y
		case FunRem:
			if y == 0 {
				return types.Null, nil
			}
			r = x % y
		case FunPow:
			p := math.Pow(float64(x), float64(y))
			if !finite(p) {
				return types.Null, nil
			}
			r = int64(p)
		}
		return types.Value{Typ: t, Bits: uint64(r)}, nil
	}
	return types.Null, nil
}

func absOf(args []types.Value) (types.Value, *errs.Error) {
	if len(args) != 1 || args[0].IsNull() {
		return types.Null, nil
	}
	v := args[0]
	switch v.Typ {
	case types.Float:
		return types.NewFloat(math.Abs(v.Float())), nil
	case types.Int, types.Time, types.Date:
		if v.Int() < 0 {
			return types.Value{Typ: v.Typ, Bits: uint64(-v.Int())}, nil
		}
		return v, nil
	case types.UInt:
		return v, nil
	}
	return types.Null, nil
}

func logic(f Fun, args []types.Value) (types.Value, *errs.Error) {
	switch f {
	case FunNot:
		if len(args) != 1 || args[0].IsNull() {
			return types.Null, nil
		}
		return types.NewBool(!args[0].Bool()), nil
	case FunJust:
		if len(args) != 1 {
			return types.Null, nil
		}
		return args[0], nil
	}
	if len(args) != 2 || args[0].IsNull() || args[1].IsNull() {
		return types.Null, nil
	}
	a, b := args[0].Bool(), args[1].Bool()
	if f == FunAnd {
		return types.NewBool(a && b), nil
	}
	return types.NewBool(a || b), nil
}

func compare(f Fun, args []types.Value) (types.Value, *errs.Error) {
	if len(args) != 2 {
		return types.Null, nil
	}
	if f == FunIn {
		return types.Null, errs.New(errs.Invalid, "expr",
			"in-set lost its constant")
	}
	if args[0].IsNull() || args[1].IsNull() {
		return types.Null, nil
	}
	if args[0].Typ == types.Text && args[1].Typ == types.Text {
		return types.NewBool(textCompare(f, args[0], args[1])), nil
	}
	c := types.Compare(args[0], args[1])
	switch f {
	case FunEq:
		return types.NewBool(c == 0), nil
	case FunNe:
		return types.NewBool(c != 0), nil
	case FunLt:
		return types.NewBool(c < 0), nil
	case FunLe:
		return types.NewBool(c <= 0), nil
	case FunGt:
		return types.NewBool(c > 0), nil
	case FunGe:
		return types.NewBool(c >= 0), nil
	}
	return types.Null, nil
}

// textCompare orders texts by key for equality and by resolved string
// otherwise when both strings are present.
func textCompare(f Fun, a, b types.Value) bool {
	switch f {
	case FunEq:
		return a.Bits == b.Bits
	case FunNe:
		return a.Bits != b.Bits
	}
	if a.Str == "" || b.Str == "" {
		return false
	}
	c := strings.Compare(a.Str, b.Str)
	switch f {
	case FunLt:
		return c < 0
	case FunLe:
		return c <= 0
	case FunGt:
		return c > 0
	case FunGe:
		return c >= 0
	}
	return false
}

func temporal(f Fun, args []types.Value) (types.Value, *errs.Error) {
	if len(args) != 1 || args[0].IsNull() {
		return types.Null, nil
	}
	v := types.Convert(args[0], types.Time)
	if v.IsNull() {
		return types.Null, nil
	}
	t := types.StampToTime(v.Int())
	switch f {
	case FunYear:
		return types.NewInt(int64(t.Year())), nil
	case FunMonth:
		return types.NewInt(int64(t.Month())), nil
	case FunDay:
		return types.NewInt(int64(t.Day())), nil
	case FunHour:
		return types.NewInt(int64(t.Hour())), nil
	case FunMinute:
		return types.NewInt(int64(t.Minute())), nil
	case FunSecond:
		return types.NewInt(int64(t.Second())), nil
	case FunEpoch:
		return types.NewInt(v.Int() / types.NanosPerSecond), nil
	case FunWeekday:
		return types.NewInt(int64(t.Weekday())), nil
	}
	return types.Null, nil
}

func convert(args []types.Value, to types.Type) (types.Value, *errs.Error) {
	if len(args) != 1 {
		return types.Null, nil
	}
	return types.Convert(args[0], to), nil
}

func stringFun(f Fun, args []types.Value, text TextResolver) (types.Value, *errs.Error) {
	if len(args) < 1 || args[0].Typ != types.Text {
		return types.Null, nil
	}
	s := args[0].Str
	if s == "" && text != nil {
		var err *errs.Error
		if s, err = text.GetText(args[0].Bits); err != nil {
			return types.Null, nil
		}
	}
	switch f {
	case FunUpper:
		return types.Value{Typ: types.Text, Str: strings.ToUpper(s)}, nil
	case FunLower:
		return types.Value{Typ: types.Text, Str: strings.ToLower(s)}, nil
	case FunSubstr:
		if len(args) != 3 {
			return types.Null, nil
		}
		from := types.Convert(args[1], types.Int)
		n := types.Convert(args[2], types.Int)
		if from.IsNull() || n.IsNull() {
			return types.Null, nil
		}
		lo, cnt := from.Int(), n.Int()
		if lo < 0 || cnt < 0 || lo > int64(len(s)) {
			return types.Null, nil
		}
		hi := lo + cnt
		if hi > int64(len(s)) {
			hi = int64(len(s))
		}
		return types.Value{Typ: types.Text, Str: s[lo:hi]}, nil
	}
	return types.Null, nil
}
