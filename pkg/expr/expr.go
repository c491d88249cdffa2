// Typed expressions.
//
// An expression evaluates to a (type, value) pair against one record.
// Node kinds: constants, fields (record offsets), built-in operators,
// references to shared sub-expressions and aggregate wrappers.
// Operands are promoted to a common type before an operator applies;
// null operands, division by zero and non-finite float results all
// propagate as the NOTHING value.
package expr

import (
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Target states which record shape a field addresses.
type Target int

const (
	TargetEdge Target = iota
	TargetVertex
)

// TextResolver resolves dictionary keys to strings during evaluation
// of string operators and projections.
type TextResolver interface {
	GetText(key types.Key) (string, *errs.Error)
}

// Expr is one node of an expression tree.
type Expr interface {
	// Eval computes the node's value for one record.
	Eval(rec []byte) (types.Value, *errs.Error)
}

// Const is a literal.
type Const struct {
	Val types.Value
	Set map[uint64]struct{} // populated for the right side of IN
}

// Eval returns the literal.
func (c *Const) Eval([]byte) (types.Value, *errs.Error) {
	return c.Val, nil
}

// Field reads one record field.
type Field struct {
	Name   string
	Target Target
	Off    int
	Size   int // 4 or 8; 0 defaults to 8
	Typ    types.Type
	PropID types.Key
	Role   types.RoleID
	PK     bool
}

// Eval loads the field bytes and tags them with the declared type.
func (f *Field) Eval(rec []byte) (types.Value, *errs.Error) {
	size := f.Size
	if size != 4 {
		size = 8
	}
	if f.Off < 0 || f.Off+size > len(rec) {
		return types.Null, errs.Newf(errs.Invalid, "expr",
			"field %s outside record", f.Name)
	}
	var bits uint64
	if size == 4 {
		bits = uint64(types.FieldUInt32(rec, f.Off))
	} else {
		bits = types.FieldUInt(rec, f.Off)
	}
	return types.Value{Typ: f.Typ, Bits: bits}, nil
}

// Op applies a built-in operator to its arguments.
type Op struct {
	Fun  Fun
	Args []Expr

	// Text resolves keys for string operators; nil degrades those
	// operators to NOTHING.
	Text TextResolver
}

// Eval evaluates the arguments and applies the operator.
func (o *Op) Eval(rec []byte) (types.Value, *errs.Error) {
	if o.Fun == FunIn {
		return o.evalIn(rec)
	}
	args := make([]types.Value, len(o.Args))
	for i, a := range o.Args {
		v, err := a.Eval(rec)
		if err != nil {
			return types.Null, err
		}
		args[i] = v
	}
	return apply(o.Fun, args, o.Text)
}

// evalIn checks set membership against the constant's set.
func (o *Op) evalIn(rec []byte) (types.Value, *errs.Error) {
	if len(o.Args) != 2 {
		return types.Null, nil
	}
	v, err := o.Args[0].Eval(rec)
	if err != nil {
		return types.Null, err
	}
	if v.IsNull() {
		return types.Null, nil
	}
	c, ok := o.Args[1].(*Const)
	if !ok || c.Set == nil {
		return types.Null, errs.New(errs.Invalid, "expr", "in without set")
	}
	_, hit := c.Set[v.Bits]
	return types.NewBool(hit), nil
}

// Ref points at a shared sub-expression.
type Ref struct {
	E Expr
}

// Eval delegates to the referenced expression.
func (r *Ref) Eval(rec []byte) (types.Value, *errs.Error) {
	return r.E.Eval(rec)
}

// Agg wraps an aggregate function. During cursor iteration Update
// accumulates; Eval returns the current aggregate value, so an Agg
// can stand anywhere an expression can.
type Agg struct {
	Fun AggFun
	Arg Expr // nil for count(*)

	state aggState
}

// Eval returns the accumulated value.
func (a *Agg) Eval([]byte) (types.Value, *errs.Error) {
	return a.state.value(a.Fun), nil
}

// Update feeds one record into the aggregate.
func (a *Agg) Update(rec []byte) *errs.Error {
	v := types.Null
	if a.Arg != nil {
		var err *errs.Error
		if v, err = a.Arg.Eval(rec); err != nil {
			return err
		}
	}
	a.state.update(a.Fun, v)
	return nil
}

// Reset clears the accumulated state (new group).
func (a *Agg) Reset() { a.state = aggState{} }

// Clone returns a fresh aggregate with zeroed state sharing the
// argument expression. Group-by keeps one clone per group.
func (a *Agg) Clone() *Agg {
	return &Agg{Fun: a.Fun, Arg: a.Arg}
}

// Aggs collects the aggregate nodes of an expression tree in
// depth-first order.
func Aggs(e Expr) []*Agg {
	var out []*Agg
	walkAggs(e, &out)
	return out
}

func walkAggs(e Expr, out *[]*Agg) {
	switch n := e.(type) {
	case *Agg:
		*out = append(*out, n)
		if n.Arg != nil {
			walkAggs(n.Arg, out)
		}
	case *Op:
		for _, a := range n.Args {
			walkAggs(a, out)
		}
	case *Ref:
		walkAggs(n.E, out)
	}
}

// HasAgg reports whether the tree contains an aggregate.
func HasAgg(e Expr) bool { return len(Aggs(e)) > 0 }

// Fields collects the field nodes of an expression tree.
func Fields(e Expr) []*Field {
	var out []*Field
	walkFields(e, &out)
	return out
}

func walkFields(e Expr, out *[]*Field) {
	switch n := e.(type) {
	case *Field:
		*out = append(*out, n)
	case *Op:
		for _, a := range n.Args {
			walkFields(a, out)
		}
	case *Ref:
		walkFields(n.E, out)
	case *Agg:
		if n.Arg != nil {
			walkFields(n.Arg, out)
		}
	}
}

// Family3 detects the pattern op(field, const) with op in {eq, ne,
// in}; the planner uses it to recognize index-friendly conditions.
func Family3(e Expr) (*Field, *Const, Fun, bool) {
	o, ok := e.(*Op)
	if !ok || len(o.Args) != 2 {
		return nil, nil, 0, false
	}
	switch o.Fun {
	case FunEq, FunNe, FunIn:
	default:
		return nil, nil, 0, false
	}
	f, ok := o.Args[0].(*Field)
	if !ok {
		return nil, nil, 0, false
	}
	c, ok := o.Args[1].(*Const)
	if !ok {
		return nil, nil, 0, false
	}
	return f, c, o.Fun, true
}
