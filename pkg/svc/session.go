// Sessions.
//
// A session owns its input/output streams, a parser instance, the
// current scope and the open cursors. Run loops over statements until
// the stream ends or Stop is signalled. Stop is checked before each
// statement is read: it does not interrupt a read in progress or a
// statement already executing. Open cursors are stopped through their
// stop flag when the session cleans up or a close statement arrives.
package svc

import (
	"bufio"
	"io"
	"time"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/log"
	"github.com/toschoo/nowdb/pkg/metrics"
	"github.com/toschoo/nowdb/pkg/plan"
	"github.com/toschoo/nowdb/pkg/scope"
	"github.com/toschoo/nowdb/pkg/sql"
)

// fetchBufSize is the row buffer of one fetch batch.
const fetchBufSize = 32 * 1024

type cursorState struct {
	c *plan.Cursor
}

// Session is one client connection.
type Session struct {
	id     string
	lib    *Library
	parser *sql.Parser
	in     io.Reader
	out    io.Writer

	cur        *scope.Scope
	cursors    map[uint64]*cursorState
	nextCursor uint64

	stop chan struct{}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Stop signals the session; Run returns before reading the next
// statement. A statement already executing runs to completion.
func (s *Session) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Run processes statements until the input ends. It always releases
// the session's resources.
func (s *Session) Run() {
	defer s.cleanup()
	logger := log.WithComponent("session")
	r := bufio.NewReader(s.in)
	for !s.stopped() {
		stmt, err := readStatement(r)
		if err != nil {
			if err != io.EOF {
				logger.Warn().Err(err).Str("session", s.id).Msg("read failed")
			}
			return
		}
		if stmt == "" {
			continue
		}
		if werr := s.Execute(stmt); werr != nil {
			logger.Warn().Err(werr).Str("session", s.id).Msg("write failed")
			return
		}
	}
}

func (s *Session) cleanup() {
	for id, cs := range s.cursors {
		cs.c.Stop()
		cs.c.Close()
		delete(s.cursors, id)
	}
	if s.cur != nil {
		s.cur.IPC().ReleaseSession(s.id)
	}
	s.lib.release(s)
}

// readStatement accumulates input until a ';' outside a string.
func readStatement(r *bufio.Reader) (string, error) {
	var buf []byte
	inString := false
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
		switch {
		case c == '\'':
			inString = !inString
		case c == ';' && !inString:
			return string(buf), nil
		}
		buf = append(buf, c)
	}
}

// Execute parses and runs one statement, framing the result. The
// returned error reports a broken output stream only; statement
// failures travel as status frames.
func (s *Session) Execute(stmtText string) error {
	start := time.Now()
	stmt, perr := s.parser.Parse(stmtText)
	if perr != nil {
		return writeError(s.out, perr)
	}
	metrics.Statements.WithLabelValues(verbOf(stmt.Kind)).Inc()

	err := s.dispatch(stmt, start)
	if err != nil {
		if err.Kind == errs.EOF { // not an error at this boundary
			return writeOK(s.out)
		}
		return writeError(s.out, err)
	}
	return nil
}

func verbOf(k sql.StmtKind) string {
	switch k {
	case sql.StmtSelect:
		return "select"
	case sql.StmtInsert:
		return "insert"
	case sql.StmtLoad:
		return "load"
	case sql.StmtFetch, sql.StmtClose:
		return "cursor"
	case sql.StmtExec:
		return "exec"
	case sql.StmtUse:
		return "use"
	}
	return "ddl"
}

// needScope returns the session's current scope.
func (s *Session) needScope() (*scope.Scope, *errs.Error) {
	if s.cur == nil {
		return nil, errs.New(errs.Scope, "session", "no database in use")
	}
	return s.cur, nil
}
