// Bulk loading from CSV.
//
// load '<path>' into <target> [use header] streams a CSV file into a
// vertex type or an edge context. With a header the columns map by
// name; without one they map by declared order. Bad rows are counted,
// not fatal; the report carries (loaded, errors, runtime).
package svc

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/scope"
	"github.com/toschoo/nowdb/pkg/sql"
	"github.com/toschoo/nowdb/pkg/types"
)

func (s *Session) load(stmt *sql.Statement, start time.Time) *errs.Error {
	sc, err := s.needScope()
	if err != nil {
		return err
	}
	f, oserr := os.Open(stmt.Path)
	if oserr != nil {
		return errs.OS(errs.Open, stmt.Path, oserr)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	var header []string
	if stmt.UseHeader {
		rec, err := r.Read()
		if err != nil {
			return errs.Wrap(errs.Read, stmt.Path, err)
		}
		header = rec
	}

	var loaded, failed uint64
	if _, eerr := sc.Model().EdgeByName(stmt.Target); eerr == nil {
		loaded, failed, err = s.loadEdges(sc, r, stmt.Target, header)
	} else if vt, verr := sc.Model().VertexByName(stmt.Target); verr == nil {
		loaded, failed, err = s.loadVertices(sc, r, vt, header)
	} else {
		return errs.New(errs.NotFound, stmt.Target, "unknown target")
	}
	if err != nil {
		return err
	}
	return s.report(loaded, failed, start)
}

// parseCSV converts a CSV cell by its content alone, trying unsigned
// and signed integers, floats, timestamps and bare text in that order.
// The declared type of the target column is not consulted.
func parseCSV(cell string) types.Value {
	if cell == "" {
		return types.Null
	}
	if u, err := strconv.ParseUint(cell, 10, 64); err == nil {
		return types.NewUInt(u)
	}
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return types.NewInt(i)
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return types.NewFloat(f)
	}
	if ns, ok := types.ParseStamp(cell); ok {
		return types.NewTime(ns)
	}
	return types.Value{Typ: types.Text, Str: cell}
}

func (s *Session) loadVertices(sc *scope.Scope, r *csv.Reader,
	vt *model.VertexType, header []string) (uint64, uint64, *errs.Error) {

	if header == nil {
		for _, p := range vt.Props {
			header = append(header, p.Name)
		}
	}
	var loaded, failed uint64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return loaded, failed, nil
		}
		if err != nil {
			failed++
			continue
		}
		vals := make(map[string]types.Value, len(header))
		for i, col := range header {
			if i >= len(rec) {
				break
			}
			vals[col] = parseCSV(rec[i])
		}
		if _, err := sc.InsertVertex(vt.Name, vals); err != nil {
			failed++
			continue
		}
		loaded++
	}
}

func (s *Session) loadEdges(sc *scope.Scope, r *csv.Reader,
	edge string, header []string) (uint64, uint64, *errs.Error) {

	if header == nil {
		header = []string{"origin", "destination", "timestamp", "weight", "weight2"}
	}
	var loaded, failed uint64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return loaded, failed, nil
		}
		if err != nil {
			failed++
			continue
		}
		vals := make([]types.Value, len(rec))
		for i := range rec {
			vals[i] = parseCSV(rec[i])
		}
		cols := header
		if len(cols) > len(vals) {
			cols = cols[:len(vals)]
		}
		ev, verr := edgeValues(cols, vals[:len(cols)])
		if verr != nil {
			failed++
			continue
		}
		if err := sc.InsertEdge(edge, ev); err != nil {
			failed++
			continue
		}
		loaded++
	}
}
