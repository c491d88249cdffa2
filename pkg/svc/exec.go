// Statement dispatch.
package svc

import (
	"time"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/index"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/plan"
	"github.com/toschoo/nowdb/pkg/scope"
	"github.com/toschoo/nowdb/pkg/sql"
	"github.com/toschoo/nowdb/pkg/types"
)

func (s *Session) dispatch(stmt *sql.Statement, start time.Time) *errs.Error {
	switch stmt.Kind {
	case sql.StmtCreateScope:
		if err := s.lib.CreateScope(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtDropScope:
		if s.cur != nil && s.cur.Name() == stmt.Name {
			s.cur = nil
		}
		if err := s.lib.DropScope(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtUse:
		sc, err := s.lib.GetScope(stmt.Name)
		if err != nil {
			return err
		}
		s.cur = sc
		return s.ok()
	case sql.StmtCreateType:
		return s.createType(stmt)
	case sql.StmtDropType:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.Model().DropVertexType(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtCreateEdge:
		return s.createEdge(stmt)
	case sql.StmtDropEdge:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.Model().DropEdgeType(stmt.Name); err != nil {
			return err
		}
		if err := sc.DropContext(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtCreateContext:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.CreateContext(scope.ContextConfig{
			Name: stmt.Name, Sorted: true, Stamped: true,
		}); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtDropContext:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.DropContext(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtCreateIndex:
		return s.createIndex(stmt)
	case sql.StmtDropIndex:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.Indexes().DropIndex(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtCreateProc:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.Procs().Create(&scope.Proc{
			Name:   stmt.Name,
			Module: stmt.ProcModule,
			Lang:   scope.ProcLang(stmt.ProcLang),
		}); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtDropProc:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.Procs().Drop(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtCreateLock:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.IPC().CreateLock(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtDropLock:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.IPC().DropLock(stmt.Name); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtLock:
		return s.lockStmt(stmt)
	case sql.StmtUnlock:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		if err := sc.IPC().Unlock(stmt.Name, s.id); err != nil {
			return err
		}
		return s.ok()
	case sql.StmtInsert:
		return s.insert(stmt, start)
	case sql.StmtLoad:
		return s.load(stmt, start)
	case sql.StmtSelect:
		return s.selectStmt(stmt)
	case sql.StmtFetch:
		return s.fetch(stmt.CursorID)
	case sql.StmtClose:
		return s.closeCursor(stmt.CursorID)
	case sql.StmtExec:
		sc, err := s.needScope()
		if err != nil {
			return err
		}
		args := make([]types.Value, len(stmt.Values))
		for i, lit := range stmt.Values {
			args[i] = lit.Value()
		}
		if err := sc.Procs().Exec(stmt.Name, args); err != nil {
			return err
		}
		return s.ok()
	}
	return errs.New(errs.NotSupp, "session", "unhandled statement")
}

func (s *Session) ok() *errs.Error {
	if err := writeOK(s.out); err != nil {
		return errs.Wrap(errs.Write, "session", err)
	}
	return nil
}

func (s *Session) report(affected, errors uint64, start time.Time) *errs.Error {
	runtime := uint64(0)
	if s.lib.opts.Timing {
		runtime = uint64(time.Since(start).Microseconds())
	}
	if err := writeReport(s.out, affected, errors, runtime); err != nil {
		return errs.Wrap(errs.Write, "session", err)
	}
	return nil
}

func (s *Session) createType(stmt *sql.Statement) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	props := make([]model.PropDef, len(stmt.Props))
	vid := model.VidNum
	for i, pd := range stmt.Props {
		props[i] = model.PropDef{Name: pd.Name, Typ: pd.Typ, PK: pd.PK}
		if pd.PK && pd.Typ == types.Text {
			vid = model.VidText
		}
	}
	if _, err := sc.Model().AddVertexType(stmt.Name, vid, props); err != nil {
		return err
	}
	return s.ok()
}

func (s *Session) createEdge(stmt *sql.Statement) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	d := stmt.Edge
	if _, err := sc.Model().AddEdgeType(stmt.Name, d.Origin, d.Destin,
		d.Weight, d.Weight2, d.Label, d.Stamped); err != nil {
		return err
	}
	if err := sc.CreateContext(scope.ContextConfig{
		Name: stmt.Name, Sorted: true, Stamped: true,
	}); err != nil {
		return err
	}
	return s.ok()
}

// createIndex resolves the declared fields against the edge layout.
func (s *Session) createIndex(stmt *sql.Statement) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	if _, err := sc.Model().EdgeByName(stmt.Target); err != nil {
		return errs.New(errs.NotSupp, stmt.Target,
			"indexes are supported on edge contexts")
	}
	var keys types.KeyLayout
	for _, f := range stmt.IndexFields {
		switch f {
		case "edge":
			keys = append(keys, types.KeyField{Off: types.OffEdge, Size: 8})
		case "origin":
			keys = append(keys, types.KeyField{Off: types.OffOrigin, Size: 8})
		case "destin", "destination":
			keys = append(keys, types.KeyField{Off: types.OffDestin, Size: 8})
		case "label":
			keys = append(keys, types.KeyField{Off: types.OffLabel, Size: 8})
		case "timestamp", "stamp":
			keys = append(keys, types.KeyField{Off: types.OffStamp, Size: 8})
		case "weight":
			keys = append(keys, types.KeyField{Off: types.OffWeight, Size: 8})
		case "weight2":
			keys = append(keys, types.KeyField{Off: types.OffWeight2, Size: 8})
		default:
			return errs.New(errs.NotFound, stmt.Target, "unknown field "+f)
		}
	}
	if _, err := sc.Indexes().CreateIndex(index.Desc{
		Name:    stmt.Name,
		Context: stmt.Target,
		Keys:    keys,
		Sizing:  index.SizingMedium,
		Content: types.ContentEdge,
	}); err != nil {
		return err
	}
	return s.ok()
}

func (s *Session) lockStmt(stmt *sql.Statement) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	mode := scope.LockRead
	if stmt.LockWrite {
		mode = scope.LockWrite
	}
	timeout := time.Duration(-1)
	if stmt.TimeoutMS >= 0 {
		timeout = time.Duration(stmt.TimeoutMS) * time.Millisecond
	}
	if err := sc.IPC().Lock(stmt.Name, s.id, mode, timeout); err != nil {
		return err
	}
	return s.ok()
}

// insert routes to the edge or vertex insert path by target.
func (s *Session) insert(stmt *sql.Statement, start time.Time) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	if _, eerr := sc.Model().EdgeByName(stmt.Target); eerr == nil {
		ev, err := edgeValues(stmt.Fields, literalValues(stmt.Values))
		if err != nil {
			return err
		}
		if err := sc.InsertEdge(stmt.Target, ev); err != nil {
			return err
		}
		return s.report(1, 0, start)
	}
	if len(stmt.Fields) != len(stmt.Values) {
		return errs.New(errs.Invalid, stmt.Target, "field/value count mismatch")
	}
	vals := make(map[string]types.Value, len(stmt.Fields))
	for i, f := range stmt.Fields {
		vals[f] = stmt.Values[i].Value()
	}
	if _, err := sc.InsertVertex(stmt.Target, vals); err != nil {
		return err
	}
	return s.report(1, 0, start)
}

func literalValues(lits []sql.Literal) []types.Value {
	out := make([]types.Value, len(lits))
	for i, l := range lits {
		out[i] = l.Value()
		if l.Typ == types.Time {
			out[i] = types.NewTime(l.I)
		}
	}
	return out
}

// edgeValues maps an insert's column list onto the edge slots. An
// absent column list means (origin, destination, timestamp, weight,
// weight2).
func edgeValues(fields []string, vals []types.Value) (scope.EdgeValues, *errs.Error) {
	if len(fields) == 0 {
		fields = []string{"origin", "destination", "timestamp", "weight", "weight2"}
		if len(vals) < 2 {
			return scope.EdgeValues{}, errs.New(errs.Invalid, "insert", "too few values")
		}
		fields = fields[:len(vals)]
	}
	if len(fields) != len(vals) {
		return scope.EdgeValues{}, errs.New(errs.Invalid, "insert", "field/value count mismatch")
	}
	var ev scope.EdgeValues
	for i, f := range fields {
		v := vals[i]
		switch f {
		case "origin":
			ev.Origin = v
		case "destin", "destination":
			ev.Destin = v
		case "timestamp", "stamp":
			tv := types.Convert(v, types.Time)
			if tv.IsNull() {
				return ev, errs.New(errs.Invalid, "insert", "bad timestamp")
			}
			ev.Stamp = tv.Int()
		case "label":
			ev.Label = v
		case "weight":
			ev.Weight = v
		case "weight2":
			ev.Weight2 = v
		default:
			return ev, errs.New(errs.NotFound, "insert", "unknown edge field "+f)
		}
	}
	return ev, nil
}

// selectStmt opens a cursor, announces it and streams the first
// batch.
func (s *Session) selectStmt(stmt *sql.Statement) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	p, err := plan.FromAST(sc, stmt)
	if err != nil {
		return err
	}
	c, err := plan.NewCursor(p)
	if err != nil {
		return err
	}
	s.nextCursor++
	id := s.nextCursor
	s.cursors[id] = &cursorState{c: c}

	if werr := writeCursor(s.out, id); werr != nil {
		return errs.Wrap(errs.Write, "session", werr)
	}
	return s.streamBatch(id)
}

func (s *Session) fetch(id uint64) *errs.Error {
	if _, ok := s.cursors[id]; !ok {
		return errs.Newf(errs.NotFound, "session", "cursor %d", id)
	}
	return s.streamBatch(id)
}

// streamBatch sends one batch; an exhausted cursor is closed and
// acknowledged with an ok status carrying no rows.
func (s *Session) streamBatch(id uint64) *errs.Error {
	cs := s.cursors[id]
	done, err := fetchBatch(s.out, cs.c, fetchBufSize)
	if err != nil {
		return err
	}
	if done {
		cs.c.Close()
		delete(s.cursors, id)
	}
	return s.ok()
}

func (s *Session) closeCursor(id uint64) *errs.Error {
	cs, ok := s.cursors[id]
	if !ok {
		return errs.Newf(errs.NotFound, "session", "cursor %d", id)
	}
	cs.c.Stop()
	cs.c.Close()
	delete(s.cursors, id)
	return s.ok()
}
