// Abstract syntax of the statement surface.
//
// The parser produces Statement values; the plan builder and the
// session dispatch on Kind. Expressions are a small tree of
// constants, fields and calls; typed literal conversion happens in
// the planner where the target types are known.
package sql

import (
	"github.com/toschoo/nowdb/pkg/types"
)

// StmtKind discriminates statements.
type StmtKind int

const (
	StmtCreateScope StmtKind = iota
	StmtDropScope
	StmtUse
	StmtCreateType
	StmtDropType
	StmtCreateEdge
	StmtDropEdge
	StmtCreateContext
	StmtDropContext
	StmtCreateIndex
	StmtDropIndex
	StmtCreateProc
	StmtDropProc
	StmtCreateLock
	StmtDropLock
	StmtInsert
	StmtLoad
	StmtSelect
	StmtLock
	StmtUnlock
	StmtFetch
	StmtClose
	StmtExec
)

// PropDecl is one property in a create type statement.
type PropDecl struct {
	Name string
	Typ  types.Type
	PK   bool
}

// EdgeDecl is the body of a create edge statement.
type EdgeDecl struct {
	Origin  string
	Destin  string
	Weight  types.Type
	Weight2 types.Type
	Label   types.Type
	Stamped bool
}

// ExprKind discriminates expression nodes.
type ExprKind int

const (
	ExprConst ExprKind = iota
	ExprField
	ExprCall
	ExprStar
)

// Expr is one parsed expression node.
type Expr struct {
	Kind ExprKind
	Name string  // field name or call name
	Lit  Literal // for ExprConst
	Args []*Expr // for ExprCall
}

// Literal is an untyped literal as written in the statement.
type Literal struct {
	Typ  types.Type // UInt, Int, Float, Text, Time, Bool, Complex (IN list) or Nothing (null)
	U    uint64
	I    int64
	F    float64
	S    string
	B    bool
	List []Literal // for IN lists
}

// Value converts a literal to an engine value. Text values carry the
// raw string; the planner interns them.
func (l Literal) Value() types.Value {
	switch l.Typ {
	case types.UInt:
		return types.NewUInt(l.U)
	case types.Int:
		return types.NewInt(l.I)
	case types.Float:
		return types.NewFloat(l.F)
	case types.Bool:
		return types.NewBool(l.B)
	case types.Time:
		return types.Value{Typ: types.Time, Bits: uint64(l.I)}
	case types.Text:
		return types.Value{Typ: types.Text, Str: l.S}
	}
	return types.Null
}

// SelectStmt is the body of a select statement.
type SelectStmt struct {
	Projs   []*Expr
	From    string
	Where   *Expr
	GroupBy []*Expr
	OrderBy []*Expr
}

// Statement is one parsed statement.
type Statement struct {
	Kind StmtKind

	Name   string // object name (scope, type, index, lock, proc)
	Target string // table name (insert, load, select, index on)

	Props []PropDecl // create type
	Edge  *EdgeDecl  // create edge

	IndexFields []string // create index
	ProcModule  string   // create procedure
	ProcLang    string

	Fields []string  // insert column list
	Values []Literal // insert values / exec arguments

	Path      string // load
	UseHeader bool

	Select *SelectStmt

	LockWrite bool  // lock mode
	TimeoutMS int64 // lock timeout, -1 when absent

	CursorID uint64 // fetch / close
}
