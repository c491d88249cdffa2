// Plan: translating a select AST into an executable pipeline.
//
// The builder resolves the from-target against the model, compiles
// the where clause into both a record filter and the information the
// planner needs (timestamp period, equality conditions), selects an
// index when some index's key fields are fully covered by equalities
// (smallest key first), and compiles the projection list. The result
// feeds a Cursor.
package plan

import (
	"encoding/binary"
	"fmt"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/expr"
	"github.com/toschoo/nowdb/pkg/index"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/reader"
	"github.com/toschoo/nowdb/pkg/scope"
	"github.com/toschoo/nowdb/pkg/sql"
	"github.com/toschoo/nowdb/pkg/store"
	"github.com/toschoo/nowdb/pkg/types"
)

// ReaderKind names the chosen access path (explain output).
type ReaderKind string

const (
	KindFullscan ReaderKind = "fullscan"
	KindSearch   ReaderKind = "search"
)

// Plan is the compiled form of one select statement.
type Plan struct {
	scope *scope.Scope

	Target string
	Cont   types.Content
	VType  *model.VertexType
	EType  *model.EdgeType

	Kind     ReaderKind
	Index    *index.Index
	IndexKey []byte
	Period   store.Period

	Filter expr.Filter
	Projs  []expr.Expr
	Names  []string
	Groups []*expr.Field
	Order  types.KeyLayout

	vrowProps []types.Key
}

// Explain names the chosen access path.
func (p *Plan) Explain() string {
	if p.Kind == KindSearch {
		return fmt.Sprintf("search(%s)", p.Index.Desc().Name)
	}
	return string(p.Kind)
}

// edgeField resolves an edge pseudo-property to offset and type.
func edgeField(et *model.EdgeType, name string) (*expr.Field, *errs.Error) {
	f := &expr.Field{Name: name, Target: expr.TargetEdge, Size: 8}
	switch name {
	case "edge":
		f.Off, f.Typ = types.OffEdge, types.UInt
	case "origin":
		f.Off, f.Typ = types.OffOrigin, types.UInt
	case "destin", "destination":
		f.Off, f.Typ = types.OffDestin, types.UInt
	case "label":
		f.Off, f.Typ = types.OffLabel, et.Label
		if et.Label == types.Nothing {
			return nil, errs.New(errs.Invalid, et.Name, "edge has no label")
		}
	case "timestamp", "stamp":
		f.Off, f.Typ = types.OffStamp, types.Time
	case "weight":
		f.Off, f.Typ = types.OffWeight, et.Weight
	case "weight2":
		f.Off, f.Typ = types.OffWeight2, et.Weight2
	default:
		return nil, errs.New(errs.NotFound, et.Name, "unknown field "+name)
	}
	return f, nil
}

// vertexField resolves a vertex property; the builder assigns the
// row-buffer offset when it registers the property slot.
func vertexField(vt *model.VertexType, name string) (*expr.Field, *errs.Error) {
	p := vt.PropByName(name)
	if p == nil {
		return nil, errs.New(errs.NotFound, vt.Name, "unknown property "+name)
	}
	return &expr.Field{
		Name:   name,
		Target: expr.TargetVertex,
		Typ:    p.Typ,
		PropID: p.ID,
		Role:   vt.Role,
		PK:     p.PK,
		Size:   8,
	}, nil
}

// builder carries the state of one FromAST run.
type builder struct {
	sc   *scope.Scope
	plan *Plan
}

// FromAST compiles a select statement against a scope.
func FromAST(sc *scope.Scope, stmt *sql.Statement) (*Plan, *errs.Error) {
	if stmt.Kind != sql.StmtSelect || stmt.Select == nil {
		return nil, errs.New(errs.Invalid, "plan", "invalid-ast: not a select")
	}
	sel := stmt.Select
	if sel.From == "" {
		return nil, errs.New(errs.Invalid, "plan", "invalid-ast: no from target")
	}
	b := &builder{sc: sc, plan: &Plan{scope: sc, Target: sel.From, Kind: KindFullscan}}
	p := b.plan

	// resolve the target: an edge context or a vertex type
	if et, err := sc.Model().EdgeByName(sel.From); err == nil {
		p.Cont, p.EType = types.ContentEdge, et
	} else if vt, verr := sc.Model().VertexByName(sel.From); verr == nil {
		p.Cont, p.VType = types.ContentVertex, vt
	} else {
		return nil, errs.New(errs.NotFound, sel.From, "unknown target")
	}

	if sel.Where != nil {
		f, err := b.compileFilter(sel.Where)
		if err != nil {
			return nil, err
		}
		p.Filter = f
	}
	if p.Cont == types.ContentEdge {
		stampOff := types.OffStamp
		if p.Filter != nil {
			ep := expr.PeriodOf(p.Filter, stampOff)
			p.Period = store.Period{Start: ep.Start, End: ep.End}
		}
		if err := b.chooseIndex(); err != nil {
			return nil, err
		}
	}
	if err := b.compileProjection(sel); err != nil {
		return nil, err
	}
	if err := b.compileGroupOrder(sel); err != nil {
		return nil, err
	}
	return p, nil
}

// field resolves a field name against the plan target.
func (b *builder) field(name string) (*expr.Field, *errs.Error) {
	if b.plan.Cont == types.ContentEdge {
		return edgeField(b.plan.EType, name)
	}
	f, err := vertexField(b.plan.VType, name)
	if err != nil {
		return nil, err
	}
	if f.PK {
		// the primary key is the synthesized vertex id at offset 0
		f.Off = 0
		return f, nil
	}
	f.Off = reader.VRowOff(b.addVRowProp(f.PropID))
	return f, nil
}

// addVRowProp registers a referenced property and returns its row
// slot. The cursor builds the vertex row over exactly this list, so
// slot order and field offsets stay aligned.
func (b *builder) addVRowProp(id types.Key) int {
	for i, p := range b.plan.vrowProps {
		if p == id {
			return i
		}
	}
	b.plan.vrowProps = append(b.plan.vrowProps, id)
	return len(b.plan.vrowProps) - 1
}

// literal converts an AST literal to the field's declared type;
// unconvertible literals are rejected, unknown text yields a
// never-matching marker.
func (b *builder) literal(lit sql.Literal, to types.Type) (types.Value, bool, *errs.Error) {
	v := lit.Value()
	if to == types.Text {
		if v.Typ != types.Text {
			return types.Null, false, errs.New(errs.Invalid, "plan", "text literal expected")
		}
		key, err := b.sc.Text().GetKey(v.Str)
		if err != nil {
			if err.Kind == errs.KeyNotFound {
				return types.Null, true, nil // matches nothing
			}
			return types.Null, false, err
		}
		return types.NewText(key, v.Str), false, nil
	}
	if lit.Typ == types.Time && (to == types.Time || to == types.Date) {
		return types.Value{Typ: to, Bits: uint64(lit.I)}, false, nil
	}
	cv := types.Convert(v, to)
	if cv.IsNull() && !v.IsNull() {
		return types.Null, false, errs.Newf(errs.Invalid, "plan",
			"cannot convert %s literal to %s", v.Typ, to)
	}
	return cv, false, nil
}

// compileFilter turns a where expression into a record filter.
func (b *builder) compileFilter(e *sql.Expr) (expr.Filter, *errs.Error) {
	if e.Kind != sql.ExprCall {
		return nil, errs.New(errs.Invalid, "plan", "boolean expression expected")
	}
	switch e.Name {
	case "and", "or":
		if len(e.Args) != 2 {
			return nil, errs.New(errs.Invalid, "plan", "malformed boolean")
		}
		l, err := b.compileFilter(e.Args[0])
		if err != nil {
			return nil, err
		}
		r, err := b.compileFilter(e.Args[1])
		if err != nil {
			return nil, err
		}
		if e.Name == "and" {
			return expr.And(l, r), nil
		}
		return expr.Or(l, r), nil
	case "not":
		if len(e.Args) != 1 {
			return nil, errs.New(errs.Invalid, "plan", "malformed not")
		}
		f, err := b.compileFilter(e.Args[0])
		if err != nil {
			return nil, err
		}
		return expr.Not(f), nil
	case "=", "!=", "<", "<=", ">", ">=":
		return b.compileCompare(e)
	case "in":
		return b.compileIn(e)
	}
	return nil, errs.New(errs.Invalid, "plan", "unsupported predicate "+e.Name)
}

var cmpOps = map[string]expr.CompareOp{
	"=": expr.FilterEq, "!=": expr.FilterNe,
	"<": expr.FilterLt, "<=": expr.FilterLe,
	">": expr.FilterGt, ">=": expr.FilterGe,
}

func (b *builder) compileCompare(e *sql.Expr) (expr.Filter, *errs.Error) {
	if len(e.Args) != 2 {
		return nil, errs.New(errs.Invalid, "plan", "malformed comparison")
	}
	fe, ce := e.Args[0], e.Args[1]
	op := cmpOps[e.Name]
	if fe.Kind != sql.ExprField && ce.Kind == sql.ExprField {
		fe, ce = ce, fe
		switch op { // mirror the operator
		case expr.FilterLt:
			op = expr.FilterGt
		case expr.FilterLe:
			op = expr.FilterGe
		case expr.FilterGt:
			op = expr.FilterLt
		case expr.FilterGe:
			op = expr.FilterLe
		}
	}
	if fe.Kind != sql.ExprField || ce.Kind != sql.ExprConst {
		return nil, errs.New(errs.Invalid, "plan", "comparison needs field and literal")
	}
	f, err := b.field(fe.Name)
	if err != nil {
		return nil, err
	}
	// the edge pseudo-field compares against the edge type name
	if b.plan.Cont == types.ContentEdge && f.Off == types.OffEdge &&
		ce.Lit.Typ == types.Text {
		et, eerr := b.sc.Model().EdgeByName(ce.Lit.S)
		if eerr != nil {
			return &expr.Bool{Op: expr.BoolFalse}, nil
		}
		return &expr.Compare{
			Op: op, Off: f.Off, Size: f.Size, Typ: types.UInt, Val: et.ID,
		}, nil
	}
	v, never, err := b.literal(ce.Lit, f.Typ)
	if err != nil {
		return nil, err
	}
	if never {
		return &expr.Bool{Op: expr.BoolFalse}, nil
	}
	return &expr.Compare{
		Op: op, Off: f.Off, Size: f.Size, Typ: f.Typ, Val: v.Bits,
	}, nil
}

func (b *builder) compileIn(e *sql.Expr) (expr.Filter, *errs.Error) {
	if len(e.Args) != 2 || e.Args[0].Kind != sql.ExprField ||
		e.Args[1].Kind != sql.ExprConst {
		return nil, errs.New(errs.Invalid, "plan", "malformed in")
	}
	f, err := b.field(e.Args[0].Name)
	if err != nil {
		return nil, err
	}
	set := make(map[uint64]struct{}, len(e.Args[1].Lit.List))
	for _, lit := range e.Args[1].Lit.List {
		v, never, err := b.literal(lit, f.Typ)
		if err != nil {
			return nil, err
		}
		if never {
			continue
		}
		set[v.Bits] = struct{}{}
	}
	return &expr.Compare{
		Op: expr.FilterIn, Off: f.Off, Size: f.Size, Typ: f.Typ, Set: set,
	}, nil
}

// chooseIndex picks the smallest index whose key fields are fully
// covered by equality conditions.
func (b *builder) chooseIndex() *errs.Error {
	if b.plan.Filter == nil {
		return nil
	}
	eqs := expr.Equalities(b.plan.Filter)
	if len(eqs) == 0 {
		return nil
	}
	byOff := make(map[int]*expr.Compare, len(eqs))
	for _, eq := range eqs {
		byOff[eq.Off] = eq
	}
	var best *index.Index
	var bestKey []byte
	for _, idx := range b.sc.Indexes().ByContext(b.plan.Target) {
		keys := idx.Desc().Keys
		key := make([]byte, 0, keys.Size())
		covered := true
		for _, kf := range keys {
			eq, ok := byOff[kf.Off]
			if !ok {
				covered = false
				break
			}
			var buf [8]byte
			switch kf.Size {
			case 4:
				binary.BigEndian.PutUint32(buf[:4], uint32(eq.Val))
				key = append(key, buf[:4]...)
			default:
				binary.BigEndian.PutUint64(buf[:], eq.Val)
				key = append(key, buf[:]...)
			}
		}
		if !covered {
			continue
		}
		if best == nil || keys.Size() < len(bestKey) {
			best, bestKey = idx, key
		}
	}
	if best != nil {
		b.plan.Kind = KindSearch
		b.plan.Index = best
		b.plan.IndexKey = bestKey
	}
	return nil
}

// compileExpr compiles a projection or grouping expression.
func (b *builder) compileExpr(e *sql.Expr) (expr.Expr, *errs.Error) {
	switch e.Kind {
	case sql.ExprConst:
		return &expr.Const{Val: e.Lit.Value()}, nil
	case sql.ExprField:
		return b.field(e.Name)
	case sql.ExprCall:
		if af, ok := expr.AggByName(e.Name); ok {
			agg := &expr.Agg{Fun: af}
			if len(e.Args) == 1 && e.Args[0].Kind != sql.ExprStar {
				arg, err := b.compileExpr(e.Args[0])
				if err != nil {
					return nil, err
				}
				agg.Arg = arg
			}
			return agg, nil
		}
		fun, ok := expr.FunByName(e.Name)
		if !ok {
			return nil, errs.New(errs.NotFound, "plan", "unknown function "+e.Name)
		}
		op := &expr.Op{Fun: fun}
		for _, a := range e.Args {
			arg, err := b.compileExpr(a)
			if err != nil {
				return nil, err
			}
			op.Args = append(op.Args, arg)
		}
		return op, nil
	}
	return nil, errs.New(errs.Invalid, "plan", "unsupported expression")
}

// compileProjection expands * and compiles each projection.
func (b *builder) compileProjection(sel *sql.SelectStmt) *errs.Error {
	p := b.plan
	for _, pe := range sel.Projs {
		if pe.Kind == sql.ExprStar {
			// star stands for all declared properties
			if p.Cont == types.ContentEdge {
				for _, name := range []string{"origin", "destin", "timestamp", "weight", "weight2"} {
					f, err := edgeField(p.EType, name)
					if err != nil {
						return err
					}
					p.Projs = append(p.Projs, f)
					p.Names = append(p.Names, name)
				}
			} else {
				for _, prop := range p.VType.Props {
					f, err := b.field(prop.Name)
					if err != nil {
						return err
					}
					p.Projs = append(p.Projs, f)
					p.Names = append(p.Names, prop.Name)
				}
			}
			continue
		}
		ce, err := b.compileExpr(pe)
		if err != nil {
			return err
		}
		p.Projs = append(p.Projs, ce)
		p.Names = append(p.Names, exprName(pe))
	}
	return nil
}

func exprName(e *sql.Expr) string {
	switch e.Kind {
	case sql.ExprField:
		return e.Name
	case sql.ExprCall:
		return e.Name
	}
	return "expr"
}

// compileGroupOrder compiles group by and order by clauses.
func (b *builder) compileGroupOrder(sel *sql.SelectStmt) *errs.Error {
	p := b.plan
	for _, ge := range sel.GroupBy {
		if ge.Kind != sql.ExprField {
			return errs.New(errs.NotSupp, "plan", "group by supports fields only")
		}
		f, err := b.field(ge.Name)
		if err != nil {
			return err
		}
		p.Groups = append(p.Groups, f)
	}
	for _, oe := range sel.OrderBy {
		if oe.Kind != sql.ExprField {
			return errs.New(errs.NotSupp, "plan", "order by supports fields only")
		}
		if p.Cont != types.ContentEdge {
			return errs.New(errs.NotSupp, "plan", "order by on vertex types")
		}
		f, err := b.field(oe.Name)
		if err != nil {
			return err
		}
		p.Order = append(p.Order, types.KeyField{Off: f.Off, Size: f.Size})
	}
	return nil
}

// buildReader materializes the reader tree of the plan.
func (p *Plan) buildReader() (reader.Reader, *errs.Error) {
	st, err := p.store()
	if err != nil {
		return nil, err
	}
	if p.Kind == KindSearch {
		return reader.NewSearch(st, p.Index, p.IndexKey)
	}
	if len(p.Order) > 0 {
		return reader.NewBufidx(st.GetFiles(p.Period), st.Recsize(), p.Order)
	}
	return reader.FullscanStore(st, p.Period), nil
}

func (p *Plan) store() (*store.Store, *errs.Error) {
	if p.Cont == types.ContentVertex {
		return p.scope.StoreOf(scope.VertexStore)
	}
	return p.scope.StoreOf(p.Target)
}
