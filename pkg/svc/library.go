// Library: the process-wide root object.
//
// The library owns the base path, the tree of open scopes and the
// session pool. Sessions are handed out up to the configured limit;
// shutdown stops every session and closes every scope.
package svc

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/log"
	"github.com/toschoo/nowdb/pkg/metrics"
	"github.com/toschoo/nowdb/pkg/scope"
	"github.com/toschoo/nowdb/pkg/sql"
)

// Options configure a library.
type Options struct {
	NThreads int  // session limit; default 64
	Timing   bool // report statement runtimes
}

// Library is the root of one server process.
type Library struct {
	mu   sync.RWMutex
	base string
	opts Options

	scopes   map[string]*scope.Scope
	sessions map[string]*Session
	wg       sync.WaitGroup
	down     bool
}

// NewLibrary opens a library over the base path.
func NewLibrary(base string, opts Options) (*Library, *errs.Error) {
	if opts.NThreads < 1 {
		opts.NThreads = 64
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errs.OS(errs.Create, base, err)
	}
	return &Library{
		base:     base,
		opts:     opts,
		scopes:   make(map[string]*scope.Scope),
		sessions: make(map[string]*Session),
	}, nil
}

func (l *Library) scopePath(name string) string {
	return filepath.Join(l.base, name)
}

// CreateScope creates a new database under the base path.
func (l *Library) CreateScope(name string) *errs.Error {
	if !validName(name) {
		return errs.New(errs.BadName, name, "")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.scopes[name]; ok {
		return errs.New(errs.DupName, name, "scope is open")
	}
	s, err := scope.Create(l.scopePath(name), name, scope.Options{})
	if err != nil {
		return err
	}
	l.scopes[name] = s
	return nil
}

// DropScope closes a scope and removes it from disk.
func (l *Library) DropScope(name string) *errs.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.scopes[name]; ok {
		if err := s.Close(); err != nil {
			return err
		}
		delete(l.scopes, name)
	}
	return scope.Drop(l.scopePath(name))
}

// GetScope returns an open scope, opening it on first use.
func (l *Library) GetScope(name string) (*scope.Scope, *errs.Error) {
	l.mu.RLock()
	s, ok := l.scopes[name]
	l.mu.RUnlock()
	if ok {
		return s, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.scopes[name]; ok {
		return s, nil
	}
	s, err := scope.Open(l.scopePath(name), scope.Options{})
	if err != nil {
		return nil, errs.Wrap(errs.Scope, name, err)
	}
	l.scopes[name] = s
	return s, nil
}

// GetSession creates a session bound to the given streams, up to the
// session limit.
func (l *Library) GetSession(in io.Reader, out io.Writer) (*Session, *errs.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return nil, errs.New(errs.Server, "library", "shutting down")
	}
	if len(l.sessions) >= l.opts.NThreads {
		return nil, errs.New(errs.NoRsc, "library", "session limit reached")
	}
	s := &Session{
		id:      uuid.NewString(),
		lib:     l,
		parser:  sql.NewParser(),
		in:      in,
		out:     out,
		cursors: make(map[uint64]*cursorState),
		stop:    make(chan struct{}),
	}
	l.sessions[s.id] = s
	l.wg.Add(1)
	metrics.Sessions.Inc()
	return s, nil
}

// release removes a finished session.
func (l *Library) release(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s.id)
	l.mu.Unlock()
	metrics.Sessions.Dec()
	l.wg.Done()
}

// Shutdown stops every session, waits for them and closes every
// scope.
func (l *Library) Shutdown() *errs.Error {
	l.mu.Lock()
	l.down = true
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var first *errs.Error
	for name, s := range l.scopes {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(l.scopes, name)
	}
	log.WithComponent("library").Info().Msg("shut down")
	return first
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		ok := c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			i > 0 && c >= '0' && c <= '9'
		if !ok {
			return false
		}
	}
	return true
}

// ParseLuaPath parses NOWDB_LUA_PATH: entries separated by ';',
// database and path separated by ':'.
func ParseLuaPath(env string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(env, ";") {
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) == 2 && kv[0] != "" {
			out[kv[0]] = kv[1]
		}
	}
	return out
}
