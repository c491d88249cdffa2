// Error descriptors for all fallible operations.
//
// Every component returns *Error values carrying a Kind from a closed
// enumeration, the name of the object that failed, an optional OS error
// and an optional cause. Leaf components pick the most specific kind;
// callers wrap with their own kind and keep the cause chain intact, so
// a failure reads like a stack: scope -> store -> file -> os.
//
// Kinds are compared with Is; the chain is walked with errors.Unwrap.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates every failure class the core can report.
type Kind int

const (
	KindNone Kind = iota

	// resources
	NoMem
	NoRsc
	Busy
	TooBig
	Timeout

	// I/O
	Open
	Close
	Read
	Write
	Seek
	Stat
	Move
	Remove
	Map
	Umap
	Sync
	Flush
	Trunc
	Create
	Drop

	// domain
	Invalid
	NotSupp
	BadPath
	BadName
	Catalog
	Magic
	BadBlock
	BadFilesize

	// lookup
	EOF
	NotFound
	KeyNotFound
	DupKey
	DupName

	// concurrency
	Lock
	Ulock
	Thread
	Sleep
	Queue
	Enqueue
	Worker
	Signal
	SigWait
	SigSet

	// storage
	Store
	Context
	Scope
	Index
	Tree
	Version
	Comp
	Decomp
	CompDict

	// protocol / server
	Protocol
	Server
	Socket
	Bind
	Listen
	Accept
	Addr

	// scripting
	Python
	Lua
	UnkSymbol
	UsrErr

	// internal
	Panic
)

var kindNames = map[Kind]string{
	KindNone: "none",
	NoMem:    "no-mem", NoRsc: "no-rsc", Busy: "busy", TooBig: "too-big",
	Timeout: "timeout",
	Open:    "open", Close: "close", Read: "read", Write: "write",
	Seek: "seek", Stat: "stat", Move: "move", Remove: "remove",
	Map: "map", Umap: "umap", Sync: "sync", Flush: "flush",
	Trunc: "trunc", Create: "create", Drop: "drop",
	Invalid: "invalid", NotSupp: "not-supp", BadPath: "bad-path",
	BadName: "bad-name", Catalog: "catalog", Magic: "magic",
	BadBlock: "bad-block", BadFilesize: "bad-filesize",
	EOF: "eof", NotFound: "not-found", KeyNotFound: "key-not-found",
	DupKey: "dup-key", DupName: "dup-name",
	Lock: "lock", Ulock: "ulock", Thread: "thread", Sleep: "sleep",
	Queue: "queue", Enqueue: "enqueue", Worker: "worker",
	Signal: "signal", SigWait: "sigwait", SigSet: "sigset",
	Store: "store", Context: "context", Scope: "scope", Index: "index",
	Tree: "tree", Version: "version", Comp: "comp", Decomp: "decomp",
	CompDict: "compdict",
	Protocol: "protocol", Server: "server", Socket: "socket",
	Bind: "bind", Listen: "listen", Accept: "accept", Addr: "addr",
	Python: "python", Lua: "lua", UnkSymbol: "unk-symbol",
	UsrErr: "usrerr",
	Panic:  "panic",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the descriptor every fallible operation returns.
// OSErr carries the underlying OS error when one exists; Cause links
// to the error of the callee that failed.
type Error struct {
	Kind   Kind
	Object string
	Info   string
	OSErr  error
	Cause  error
}

// New creates an error of the given kind for the named object.
func New(kind Kind, object, info string) *Error {
	return &Error{Kind: kind, Object: object, Info: info}
}

// Newf is New with a formatted info string.
func Newf(kind Kind, object, format string, args ...any) *Error {
	return &Error{Kind: kind, Object: object, Info: fmt.Sprintf(format, args...)}
}

// OS creates an error wrapping an operating system failure.
func OS(kind Kind, object string, oserr error) *Error {
	return &Error{Kind: kind, Object: object, OSErr: oserr}
}

// Wrap chains a callee error under a new descriptor. The callee's kind
// is not translated; it stays observable through Is.
func Wrap(kind Kind, object string, cause error) *Error {
	return &Error{Kind: kind, Object: object, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Object != "" {
		b.WriteString(" [")
		b.WriteString(e.Object)
		b.WriteByte(']')
	}
	if e.Info != "" {
		b.WriteString(": ")
		b.WriteString(e.Info)
	}
	if e.OSErr != nil {
		b.WriteString(": ")
		b.WriteString(e.OSErr.Error())
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause chain; the OS error is reachable when no
// cause is set.
func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.OSErr
}

// Is reports whether any error in the chain carries the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the kind of the outermost descriptor, or KindNone
// for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
