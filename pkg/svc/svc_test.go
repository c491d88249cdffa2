package svc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// frame is one decoded result message.
type frame struct {
	tag     byte
	code    uint32
	details string
	report  [3]uint64
	cursor  uint64
	rows    [][]cellv
}

type cellv struct {
	typ types.Type
	u   uint64
	s   string
}

// decodeFrames parses a session's output stream.
func decodeFrames(t *testing.T, buf []byte) []frame {
	t.Helper()
	var out []frame
	for i := 0; i < len(buf); {
		switch buf[i] {
		case FrameStatus:
			f := frame{tag: FrameStatus}
			f.code = binary.LittleEndian.Uint32(buf[i+1:])
			n := int(binary.LittleEndian.Uint32(buf[i+5:]))
			f.details = string(buf[i+9 : i+9+n])
			out = append(out, f)
			i += 9 + n
		case FrameReport:
			f := frame{tag: FrameReport}
			for k := 0; k < 3; k++ {
				f.report[k] = binary.LittleEndian.Uint64(buf[i+1+8*k:])
			}
			out = append(out, f)
			i += 25
		case FrameCursor:
			out = append(out, frame{
				tag:    FrameCursor,
				cursor: binary.LittleEndian.Uint64(buf[i+1:]),
			})
			i += 9
		case FrameRow:
			f := frame{tag: FrameRow}
			i++
			var row []cellv
			for i < len(buf) {
				if buf[i] == 0x0A {
					f.rows = append(f.rows, row)
					row = nil
					i++
					if i >= len(buf) || !isCellStart(buf[i]) {
						break
					}
					continue
				}
				typ := types.Type(buf[i])
				i++
				switch typ {
				case types.Nothing:
					row = append(row, cellv{typ: typ})
				case types.Text:
					n := int(binary.LittleEndian.Uint32(buf[i:]))
					i += 4
					row = append(row, cellv{typ: typ, s: string(buf[i : i+n])})
					i += n
				default:
					row = append(row, cellv{typ: typ, u: binary.LittleEndian.Uint64(buf[i:])})
					i += 8
				}
			}
			out = append(out, f)
		default:
			t.Fatalf("unknown frame tag 0x%x at %d", buf[i], i)
		}
	}
	return out
}

// isCellStart guesses whether a byte begins another row cell rather
// than a new frame tag.
func isCellStart(b byte) bool {
	return b <= byte(types.Bool)
}

type testSession struct {
	s   *Session
	out *bytes.Buffer
	lib *Library
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "base"), Options{Timing: true})
	require.Nil(t, err)
	out := &bytes.Buffer{}
	s, serr := lib.GetSession(strings.NewReader(""), out)
	require.Nil(t, serr)
	t.Cleanup(func() {
		s.cleanup()
		lib.Shutdown()
	})
	return &testSession{s: s, out: out, lib: lib}
}

// exec runs one statement and returns its frames.
func (ts *testSession) exec(t *testing.T, stmt string) []frame {
	t.Helper()
	ts.out.Reset()
	require.NoError(t, ts.s.Execute(stmt))
	return decodeFrames(t, ts.out.Bytes())
}

func (ts *testSession) mustOK(t *testing.T, stmt string) {
	t.Helper()
	frames := ts.exec(t, stmt)
	require.NotEmpty(t, frames, "statement %q", stmt)
	last := frames[len(frames)-1]
	if last.tag == FrameStatus {
		require.Equal(t, OK, last.code, "statement %q: %s", stmt, last.details)
	}
}

func setupRetail(t *testing.T, ts *testSession) {
	t.Helper()
	ts.mustOK(t, "create database retail")
	ts.mustOK(t, "use retail")
	ts.mustOK(t, "create type client (client_key uint primary key)")
	ts.mustOK(t, `create type product (prod_key uint primary key, prod_desc text)`)
	ts.mustOK(t, `create edge buys (origin client, destination product,
		weight float, weight2 float, stamp)`)
}

func TestDDLAndStatus(t *testing.T) {
	ts := newTestSession(t)
	setupRetail(t, ts)

	frames := ts.exec(t, "create database retail")
	require.Len(t, frames, 1)
	assert.Equal(t, FrameStatus, frames[0].tag)
	assert.Equal(t, uint32(errs.DupName), frames[0].code)
}

func TestStatementWithoutScope(t *testing.T) {
	ts := newTestSession(t)
	frames := ts.exec(t, "select * from buys")
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(errs.Scope), frames[0].code)
}

func TestParseErrorFramed(t *testing.T) {
	ts := newTestSession(t)
	frames := ts.exec(t, "selekt things")
	require.Len(t, frames, 1)
	assert.Equal(t, FrameStatus, frames[0].tag)
	assert.Equal(t, uint32(errs.Invalid), frames[0].code)
}

func TestInsertReportsAffected(t *testing.T) {
	ts := newTestSession(t)
	setupRetail(t, ts)

	frames := ts.exec(t,
		"insert into product (prod_key, prod_desc) values (1, 'a chair')")
	require.Len(t, frames, 1)
	require.Equal(t, FrameReport, frames[0].tag)
	assert.Equal(t, uint64(1), frames[0].report[0])
	assert.Zero(t, frames[0].report[1])
	assert.Positive(t, frames[0].report[2]) // timing enabled
}

func TestLoadCSVAndCount(t *testing.T) {
	ts := newTestSession(t)
	setupRetail(t, ts)

	path := filepath.Join(t.TempDir(), "p.csv")
	var sb strings.Builder
	sb.WriteString("prod_key,prod_desc\n")
	for i := 1; i <= 100; i++ {
		fmt.Fprintf(&sb, "%d,product %d\n", i, i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))

	frames := ts.exec(t, fmt.Sprintf("load '%s' into product use header", path))
	require.Len(t, frames, 1)
	require.Equal(t, FrameReport, frames[0].tag)
	assert.Equal(t, uint64(100), frames[0].report[0])
	assert.Zero(t, frames[0].report[1])

	frames = ts.exec(t, "select count(*) from product")
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, FrameCursor, frames[0].tag)
	require.Equal(t, FrameRow, frames[1].tag)
	require.Len(t, frames[1].rows, 1)
	assert.Equal(t, uint64(100), frames[1].rows[0][0].u)
}

func TestSelectFetchClose(t *testing.T) {
	ts := newTestSession(t)
	setupRetail(t, ts)

	for i := 0; i < 10; i++ {
		ts.mustOK(t, fmt.Sprintf(
			"insert into buys (origin, destination, timestamp, weight) values (%d, 100, %d, 1.5)",
			i%3+1, i+1))
	}
	frames := ts.exec(t, "select origin, weight from buys")
	require.GreaterOrEqual(t, len(frames), 2)
	require.Equal(t, FrameCursor, frames[0].tag)
	id := frames[0].cursor

	total := 0
	for _, f := range frames {
		if f.tag == FrameRow {
			total += len(f.rows)
		}
	}
	assert.Equal(t, 10, total)

	// the data fit the first batch; the next fetch reports
	// exhaustion and retires the cursor
	frames = ts.exec(t, fmt.Sprintf("fetch %d", id))
	last := frames[len(frames)-1]
	assert.Equal(t, OK, last.code)

	frames = ts.exec(t, fmt.Sprintf("fetch %d", id))
	assert.Equal(t, uint32(errs.NotFound), frames[0].code)
}

func TestCursorClose(t *testing.T) {
	ts := newTestSession(t)
	setupRetail(t, ts)
	ts.mustOK(t, "insert into buys (origin, destination, timestamp) values (1, 2, 3)")

	ts.exec(t, "select origin from buys")
	frames := ts.exec(t, "close 1")
	assert.Equal(t, OK, frames[0].code)

	frames = ts.exec(t, "close 1")
	assert.Equal(t, uint32(errs.NotFound), frames[0].code)
}

func TestLockStatements(t *testing.T) {
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "base"), Options{})
	require.Nil(t, err)
	defer lib.Shutdown()

	outA, outB := &bytes.Buffer{}, &bytes.Buffer{}
	a, aerr := lib.GetSession(strings.NewReader(""), outA)
	require.Nil(t, aerr)
	b, berr := lib.GetSession(strings.NewReader(""), outB)
	require.Nil(t, berr)
	defer a.cleanup()
	defer b.cleanup()

	require.NoError(t, a.Execute("create database d"))
	require.NoError(t, a.Execute("use d"))
	require.NoError(t, b.Execute("use d"))
	require.NoError(t, a.Execute("create lock l"))

	outA.Reset()
	require.NoError(t, a.Execute("lock l"))
	frames := decodeFrames(t, outA.Bytes())
	require.Equal(t, OK, frames[0].code)

	// B requests a write lock with a timeout and fails
	outB.Reset()
	start := time.Now()
	require.NoError(t, b.Execute("lock l for writing with timeout 100"))
	frames = decodeFrames(t, outB.Bytes())
	assert.Equal(t, uint32(errs.Timeout), frames[0].code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// A releases; B succeeds
	outA.Reset()
	require.NoError(t, a.Execute("unlock l"))
	outB.Reset()
	require.NoError(t, b.Execute("lock l for writing with timeout 1000"))
	frames = decodeFrames(t, outB.Bytes())
	assert.Equal(t, OK, frames[0].code)
}

func TestExecWithoutHost(t *testing.T) {
	ts := newTestSession(t)
	ts.mustOK(t, "create database d")
	ts.mustOK(t, "use d")
	ts.mustOK(t, "create procedure stock.reorder() language lua")

	frames := ts.exec(t, "exec reorder(5)")
	assert.Equal(t, uint32(errs.NotSupp), frames[0].code)
}

func TestSessionLimit(t *testing.T) {
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "base"), Options{NThreads: 1})
	require.Nil(t, err)
	defer lib.Shutdown()

	s1, serr := lib.GetSession(strings.NewReader(""), &bytes.Buffer{})
	require.Nil(t, serr)

	_, serr = lib.GetSession(strings.NewReader(""), &bytes.Buffer{})
	require.NotNil(t, serr)
	assert.Equal(t, errs.NoRsc, serr.Kind)

	s1.cleanup()
	s2, serr := lib.GetSession(strings.NewReader(""), &bytes.Buffer{})
	require.Nil(t, serr)
	s2.cleanup()
}

func TestReadStatementSplitsOnSemicolon(t *testing.T) {
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "base"), Options{})
	require.Nil(t, err)
	defer lib.Shutdown()

	out := &bytes.Buffer{}
	in := strings.NewReader("create database d; use d; create lock 'a;b'")
	s, serr := lib.GetSession(in, out)
	require.Nil(t, serr)
	s.Run() // consumes all statements, then EOF ends the session

	frames := decodeFrames(t, out.Bytes())
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, OK, frames[0].code)
	assert.Equal(t, OK, frames[1].code)
	// the third statement carries a quoted ';' and fails in the
	// parser, not in the splitter
	assert.Equal(t, uint32(errs.Invalid), frames[2].code)
}

func TestServerOverTCP(t *testing.T) {
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "base"), Options{})
	require.Nil(t, err)

	srv, serr := Listen(lib, "127.0.0.1:0")
	require.Nil(t, serr)
	done := make(chan struct{})
	go func() {
		srv.Serve()
		close(done)
	}()

	conn, derr := net.Dial("tcp", srv.Addr())
	require.NoError(t, derr)

	_, werr := conn.Write([]byte("create database d; use d;"))
	require.NoError(t, werr)

	// two ok status frames, 9 bytes each
	buf := make([]byte, 18)
	_, rerr := io.ReadFull(conn, buf)
	require.NoError(t, rerr)
	frames := decodeFrames(t, buf)
	require.Len(t, frames, 2)
	assert.Equal(t, OK, frames[0].code)
	assert.Equal(t, OK, frames[1].code)

	conn.Close()
	srv.Close()
	<-done
	require.Nil(t, lib.Shutdown())
}

func TestParseLuaPath(t *testing.T) {
	m := ParseLuaPath("db1:/opt/lua/db1;db2:/opt/lua/db2;;bad")
	assert.Equal(t, "/opt/lua/db1", m["db1"])
	assert.Equal(t, "/opt/lua/db2", m["db2"])
	assert.Len(t, m, 2)
}

func TestValidName(t *testing.T) {
	assert.True(t, validName("retail"))
	assert.True(t, validName("my_db2"))
	assert.False(t, validName(""))
	assert.False(t, validName("2fast"))
	assert.False(t, validName("../escape"))
}
