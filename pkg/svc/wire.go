// Result framing.
//
// Every result message starts with a one-byte type tag. A status
// carries an error code and detail text; a report carries three
// 64-bit counters (affected, errors, runtime); a row is a sequence of
// (type tag, value) cells terminated by the end-of-row byte; a cursor
// announces a server-assigned id followed by row frames.
package svc

import (
	"encoding/binary"
	"io"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/plan"
)

// Frame type tags.
const (
	FrameNothing byte = 0x00
	FrameStatus  byte = 0x21
	FrameReport  byte = 0x22
	FrameRow     byte = 0x23
	FrameCursor  byte = 0x24
)

// OK is the status code of a successful statement.
const OK uint32 = 0

func writeStatus(w io.Writer, code uint32, details string) error {
	buf := make([]byte, 9, 9+len(details))
	buf[0] = FrameStatus
	binary.LittleEndian.PutUint32(buf[1:], code)
	binary.LittleEndian.PutUint32(buf[5:], uint32(len(details)))
	buf = append(buf, details...)
	_, err := w.Write(buf)
	return err
}

// writeOK acknowledges a statement without payload.
func writeOK(w io.Writer) error { return writeStatus(w, OK, "") }

// writeError frames an engine error as a status.
func writeError(w io.Writer, e *errs.Error) error {
	return writeStatus(w, uint32(e.Kind), e.Error())
}

// writeReport frames (affected, errors, runtime in microseconds).
func writeReport(w io.Writer, affected, errors, runtimeUS uint64) error {
	var buf [25]byte
	buf[0] = FrameReport
	binary.LittleEndian.PutUint64(buf[1:], affected)
	binary.LittleEndian.PutUint64(buf[9:], errors)
	binary.LittleEndian.PutUint64(buf[17:], runtimeUS)
	_, err := w.Write(buf[:])
	return err
}

// writeRows frames a batch of encoded rows. Each row already carries
// its cells and end-of-row byte; the frame prefixes the row tag.
func writeRows(w io.Writer, batch []byte) error {
	if len(batch) == 0 {
		return nil
	}
	if _, err := w.Write([]byte{FrameRow}); err != nil {
		return err
	}
	_, err := w.Write(batch)
	return err
}

// writeCursor announces a cursor id.
func writeCursor(w io.Writer, id uint64) error {
	var buf [9]byte
	buf[0] = FrameCursor
	binary.LittleEndian.PutUint64(buf[1:], id)
	_, err := w.Write(buf[:])
	return err
}

// fetchBatch pulls one buffer of rows from a cursor and frames it.
// Returns true when the cursor is exhausted.
func fetchBatch(w io.Writer, c *plan.Cursor, bufsize int) (bool, *errs.Error) {
	buf := make([]byte, bufsize)
	n, _, err := c.Fetch(buf)
	if err != nil && err.Kind != errs.EOF {
		return false, err
	}
	if n > 0 {
		if werr := writeRows(w, buf[:n]); werr != nil {
			return false, errs.Wrap(errs.Write, "session", werr)
		}
	}
	return err != nil && err.Kind == errs.EOF, nil
}
