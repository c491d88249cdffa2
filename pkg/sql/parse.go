// Statement parser.
//
// A hand-written recursive descent over the token stream. One call
// parses one statement; the session loop feeds statements one at a
// time. Errors carry the parser kind so the session can frame them
// as user errors.
package sql

import (
	"strconv"
	"strings"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Parser turns statement text into AST nodes.
type Parser struct {
	toks []token
	pos  int
}

// NewParser creates a parser instance for one session.
func NewParser() *Parser { return &Parser{} }

// Parse parses one statement; a trailing semicolon is accepted.
func (p *Parser) Parse(in string) (*Statement, *errs.Error) {
	toks, err := lex(in)
	if err != nil {
		return nil, err
	}
	p.toks, p.pos = toks, 0

	stmt, err := p.statement()
	if err != nil {
		return nil, err
	}
	p.acceptSym(";")
	if !p.atEOF() {
		return nil, p.fail("trailing input after statement")
	}
	return stmt, nil
}

func (p *Parser) cur() token  { return p.toks[p.pos] }
func (p *Parser) atEOF() bool { return p.cur().kind == tokEOF }

func (p *Parser) fail(msg string) *errs.Error {
	return errs.Newf(errs.Invalid, "sql", "%s at position %d", msg, p.cur().pos)
}

// acceptKw consumes a keyword if present.
func (p *Parser) acceptKw(kw string) bool {
	if p.cur().kind == tokIdent && strings.EqualFold(p.cur().text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *Parser) expectKw(kw string) *errs.Error {
	if !p.acceptKw(kw) {
		return p.fail("expected " + strings.ToUpper(kw))
	}
	return nil
}

func (p *Parser) acceptSym(sym string) bool {
	if p.cur().kind == tokSymbol && p.cur().text == sym {
		p.pos++
		return true
	}
	return false
}

func (p *Parser) expectSym(sym string) *errs.Error {
	if !p.acceptSym(sym) {
		return p.fail("expected " + sym)
	}
	return nil
}

func (p *Parser) ident() (string, *errs.Error) {
	if p.cur().kind != tokIdent {
		return "", p.fail("expected identifier")
	}
	name := p.cur().text
	p.pos++
	return name, nil
}

func (p *Parser) statement() (*Statement, *errs.Error) {
	switch {
	case p.acceptKw("create"):
		return p.create()
	case p.acceptKw("drop"):
		return p.drop()
	case p.acceptKw("use"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtUse, Name: name}, nil
	case p.acceptKw("insert"):
		return p.insert()
	case p.acceptKw("load"):
		return p.load()
	case p.acceptKw("select"):
		return p.selectStmt()
	case p.acceptKw("lock"):
		return p.lock()
	case p.acceptKw("unlock"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtUnlock, Name: name}, nil
	case p.acceptKw("fetch"):
		return p.cursorStmt(StmtFetch)
	case p.acceptKw("close"):
		return p.cursorStmt(StmtClose)
	case p.acceptKw("exec"):
		return p.exec()
	}
	return nil, p.fail("unknown statement")
}

func (p *Parser) create() (*Statement, *errs.Error) {
	switch {
	case p.acceptKw("database"), p.acceptKw("scope"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtCreateScope, Name: name}, nil
	case p.acceptKw("type"):
		return p.createType()
	case p.acceptKw("edge"):
		return p.createEdge()
	case p.acceptKw("context"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtCreateContext, Name: name}, nil
	case p.acceptKw("index"):
		return p.createIndex()
	case p.acceptKw("procedure"):
		return p.createProc()
	case p.acceptKw("lock"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtCreateLock, Name: name}, nil
	}
	return nil, p.fail("unknown create target")
}

func (p *Parser) drop() (*Statement, *errs.Error) {
	kinds := []struct {
		kw   string
		kind StmtKind
	}{
		{"database", StmtDropScope}, {"scope", StmtDropScope},
		{"type", StmtDropType}, {"edge", StmtDropEdge},
		{"context", StmtDropContext}, {"index", StmtDropIndex},
		{"procedure", StmtDropProc}, {"lock", StmtDropLock},
	}
	for _, k := range kinds {
		if p.acceptKw(k.kw) {
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			return &Statement{Kind: k.kind, Name: name}, nil
		}
	}
	return nil, p.fail("unknown drop target")
}

func (p *Parser) typeName() (types.Type, *errs.Error) {
	name, err := p.ident()
	if err != nil {
		return types.Nothing, err
	}
	switch strings.ToLower(name) {
	case "uint":
		return types.UInt, nil
	case "int":
		return types.Int, nil
	case "float":
		return types.Float, nil
	case "bool":
		return types.Bool, nil
	case "text":
		return types.Text, nil
	case "time":
		return types.Time, nil
	case "date":
		return types.Date, nil
	}
	return types.Nothing, p.fail("unknown type " + name)
}

func (p *Parser) createType() (*Statement, *errs.Error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtCreateType, Name: name}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	for {
		pname, err := p.ident()
		if err != nil {
			return nil, err
		}
		typ, err := p.typeName()
		if err != nil {
			return nil, err
		}
		decl := PropDecl{Name: pname, Typ: typ}
		if p.acceptKw("primary") {
			if err := p.expectKw("key"); err != nil {
				return nil, err
			}
			decl.PK = true
		}
		stmt.Props = append(stmt.Props, decl)
		if p.acceptSym(",") {
			continue
		}
		break
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) createEdge() (*Statement, *errs.Error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtCreateEdge, Name: name, Edge: &EdgeDecl{}}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	for {
		field, err := p.ident()
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(field) {
		case "origin":
			if stmt.Edge.Origin, err = p.ident(); err != nil {
				return nil, err
			}
		case "destination", "destin":
			if stmt.Edge.Destin, err = p.ident(); err != nil {
				return nil, err
			}
		case "weight":
			if stmt.Edge.Weight, err = p.typeName(); err != nil {
				return nil, err
			}
		case "weight2":
			if stmt.Edge.Weight2, err = p.typeName(); err != nil {
				return nil, err
			}
		case "label":
			if stmt.Edge.Label, err = p.typeName(); err != nil {
				return nil, err
			}
		case "stamp", "timestamp":
			stmt.Edge.Stamped = true
		default:
			return nil, p.fail("unknown edge attribute " + field)
		}
		if p.acceptSym(",") {
			continue
		}
		break
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	if stmt.Edge.Origin == "" || stmt.Edge.Destin == "" {
		return nil, p.fail("edge needs origin and destination")
	}
	return stmt, nil
}

func (p *Parser) createIndex() (*Statement, *errs.Error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtCreateIndex, Name: name}
	if err := p.expectKw("on"); err != nil {
		return nil, err
	}
	if stmt.Target, err = p.ident(); err != nil {
		return nil, err
	}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	for {
		f, err := p.ident()
		if err != nil {
			return nil, err
		}
		stmt.IndexFields = append(stmt.IndexFields, f)
		if p.acceptSym(",") {
			continue
		}
		break
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) createProc() (*Statement, *errs.Error) {
	module, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtCreateProc, ProcModule: module}
	if p.acceptSym(".") {
		if stmt.Name, err = p.ident(); err != nil {
			return nil, err
		}
	} else {
		stmt.Name, stmt.ProcModule = module, ""
	}
	if p.acceptSym("(") {
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKw("language"); err != nil {
		return nil, err
	}
	if stmt.ProcLang, err = p.ident(); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) literal() (Literal, *errs.Error) {
	tok := p.cur()
	switch tok.kind {
	case tokString:
		p.pos++
		if ns, ok := types.ParseStamp(tok.text); ok {
			return Literal{Typ: types.Time, I: ns, S: tok.text}, nil
		}
		return Literal{Typ: types.Text, S: tok.text}, nil
	case tokNumber:
		p.pos++
		if strings.ContainsRune(tok.text, '.') {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return Literal{}, p.fail("bad float literal")
			}
			return Literal{Typ: types.Float, F: f}, nil
		}
		if strings.HasPrefix(tok.text, "-") {
			i, err := strconv.ParseInt(tok.text, 10, 64)
			if err != nil {
				return Literal{}, p.fail("bad integer literal")
			}
			return Literal{Typ: types.Int, I: i}, nil
		}
		u, err := strconv.ParseUint(tok.text, 10, 64)
		if err != nil {
			return Literal{}, p.fail("bad integer literal")
		}
		return Literal{Typ: types.UInt, U: u}, nil
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			p.pos++
			return Literal{Typ: types.Bool, B: true}, nil
		case "false":
			p.pos++
			return Literal{Typ: types.Bool, B: false}, nil
		case "null":
			p.pos++
			return Literal{Typ: types.Nothing}, nil
		}
	}
	return Literal{}, p.fail("expected literal")
}

func (p *Parser) insert() (*Statement, *errs.Error) {
	if err := p.expectKw("into"); err != nil {
		return nil, err
	}
	target, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtInsert, Target: target}
	if p.acceptSym("(") {
		for {
			f, err := p.ident()
			if err != nil {
				return nil, err
			}
			stmt.Fields = append(stmt.Fields, f)
			if p.acceptSym(",") {
				continue
			}
			break
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKw("values"); err != nil {
		return nil, err
	}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	for {
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		stmt.Values = append(stmt.Values, lit)
		if p.acceptSym(",") {
			continue
		}
		break
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) load() (*Statement, *errs.Error) {
	if p.cur().kind != tokString {
		return nil, p.fail("expected path string")
	}
	stmt := &Statement{Kind: StmtLoad, Path: p.cur().text}
	p.pos++
	if err := p.expectKw("into"); err != nil {
		return nil, err
	}
	var err *errs.Error
	if stmt.Target, err = p.ident(); err != nil {
		return nil, err
	}
	if p.acceptKw("use") {
		if err := p.expectKw("header"); err != nil {
			return nil, err
		}
		stmt.UseHeader = true
	}
	return stmt, nil
}

func (p *Parser) selectStmt() (*Statement, *errs.Error) {
	stmt := &Statement{Kind: StmtSelect, Select: &SelectStmt{}}
	sel := stmt.Select
	for {
		if p.acceptSym("*") {
			sel.Projs = append(sel.Projs, &Expr{Kind: ExprStar})
		} else {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			sel.Projs = append(sel.Projs, e)
		}
		if p.acceptSym(",") {
			continue
		}
		break
	}
	if err := p.expectKw("from"); err != nil {
		return nil, err
	}
	var err *errs.Error
	if sel.From, err = p.ident(); err != nil {
		return nil, err
	}
	stmt.Target = sel.From
	if p.acceptKw("where") {
		if sel.Where, err = p.expr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKw("group") {
		if err := p.expectKw("by"); err != nil {
			return nil, err
		}
		if sel.GroupBy, err = p.exprList(); err != nil {
			return nil, err
		}
	}
	if p.acceptKw("order") {
		if err := p.expectKw("by"); err != nil {
			return nil, err
		}
		if sel.OrderBy, err = p.exprList(); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func (p *Parser) exprList() ([]*Expr, *errs.Error) {
	var out []*Expr
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.acceptSym(",") {
			continue
		}
		return out, nil
	}
}

// expr parses with precedence or < and < not < comparison < additive
// < multiplicative < primary.
func (p *Parser) expr() (*Expr, *errs.Error) {
	return p.orExpr()
}

func (p *Parser) orExpr() (*Expr, *errs.Error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptKw("or") {
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprCall, Name: "or", Args: []*Expr{left, right}}
	}
	return left, nil
}

func (p *Parser) andExpr() (*Expr, *errs.Error) {
	left, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptKw("and") {
		right, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprCall, Name: "and", Args: []*Expr{left, right}}
	}
	return left, nil
}

func (p *Parser) notExpr() (*Expr, *errs.Error) {
	if p.acceptKw("not") {
		arg, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCall, Name: "not", Args: []*Expr{arg}}, nil
	}
	return p.cmpExpr()
}

func (p *Parser) cmpExpr() (*Expr, *errs.Error) {
	left, err := p.addExpr()
	if err != nil {
		return nil, err
	}
	if p.acceptKw("in") {
		if err := p.expectSym("("); err != nil {
			return nil, err
		}
		set := Literal{Typ: types.Complex}
		for {
			lit, err := p.literal()
			if err != nil {
				return nil, err
			}
			set.List = append(set.List, lit)
			if p.acceptSym(",") {
				continue
			}
			break
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCall, Name: "in", Args: []*Expr{
			left, {Kind: ExprConst, Lit: set},
		}}, nil
	}
	for _, op := range []string{"=", "!=", "<=", ">=", "<", ">"} {
		if p.acceptSym(op) {
			right, err := p.addExpr()
			if err != nil {
				return nil, err
			}
			return &Expr{Kind: ExprCall, Name: op, Args: []*Expr{left, right}}, nil
		}
	}
	return left, nil
}

func (p *Parser) addExpr() (*Expr, *errs.Error) {
	left, err := p.mulExpr()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptSym("+"):
			op = "+"
		case p.acceptSym("-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.mulExpr()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprCall, Name: op, Args: []*Expr{left, right}}
	}
}

func (p *Parser) mulExpr() (*Expr, *errs.Error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptSym("*"):
			op = "*"
		case p.acceptSym("/"):
			op = "/"
		case p.acceptSym("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.primary()
		if err != nil {
			return nil, err
		}
		left = &Expr{Kind: ExprCall, Name: op, Args: []*Expr{left, right}}
	}
}

func (p *Parser) primary() (*Expr, *errs.Error) {
	if p.acceptSym("(") {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
		return e, nil
	}
	tok := p.cur()
	if tok.kind == tokIdent {
		low := strings.ToLower(tok.text)
		if low != "true" && low != "false" && low != "null" {
			p.pos++
			if p.acceptSym("(") {
				call := &Expr{Kind: ExprCall, Name: low}
				if p.acceptSym("*") {
					call.Args = append(call.Args, &Expr{Kind: ExprStar})
				} else if !p.acceptSym(")") {
					args, err := p.exprList()
					if err != nil {
						return nil, err
					}
					call.Args = args
					if err := p.expectSym(")"); err != nil {
						return nil, err
					}
					return call, nil
				} else {
					return call, nil
				}
				if err := p.expectSym(")"); err != nil {
					return nil, err
				}
				return call, nil
			}
			return &Expr{Kind: ExprField, Name: low}, nil
		}
	}
	lit, err := p.literal()
	if err != nil {
		return nil, err
	}
	return &Expr{Kind: ExprConst, Lit: lit}, nil
}

func (p *Parser) lock() (*Statement, *errs.Error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtLock, Name: name, TimeoutMS: -1}
	if p.acceptKw("for") {
		switch {
		case p.acceptKw("writing"), p.acceptKw("write"):
			stmt.LockWrite = true
		case p.acceptKw("reading"), p.acceptKw("read"):
		default:
			return nil, p.fail("expected reading or writing")
		}
	}
	if p.acceptKw("with") {
		if err := p.expectKw("timeout"); err != nil {
			return nil, err
		}
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		switch lit.Typ {
		case types.UInt:
			stmt.TimeoutMS = int64(lit.U)
		case types.Int:
			stmt.TimeoutMS = lit.I
		default:
			return nil, p.fail("timeout must be an integer")
		}
	}
	return stmt, nil
}

func (p *Parser) cursorStmt(kind StmtKind) (*Statement, *errs.Error) {
	lit, err := p.literal()
	if err != nil {
		return nil, err
	}
	if lit.Typ != types.UInt {
		return nil, p.fail("expected cursor id")
	}
	return &Statement{Kind: kind, CursorID: lit.U}, nil
}

func (p *Parser) exec() (*Statement, *errs.Error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtExec, Name: name}
	if p.acceptSym("(") {
		if !p.acceptSym(")") {
			for {
				lit, err := p.literal()
				if err != nil {
					return nil, err
				}
				stmt.Values = append(stmt.Values, lit)
				if p.acceptSym(",") {
					continue
				}
				break
			}
			if err := p.expectSym(")"); err != nil {
				return nil, err
			}
		}
	}
	return stmt, nil
}
