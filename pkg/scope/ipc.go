// Ad-hoc IPC primitives.
//
// Sessions coordinate through named locks registered in a per-scope
// catalog. A lock supports read and write modes with a configurable
// timeout; acquiring a lock the session already holds fails
// immediately with a self-lock error instead of deadlocking.
package scope

import (
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/toschoo/nowdb/pkg/errs"
)

// LockMode selects shared or exclusive acquisition.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

// ipcLock is one named lock.
type ipcLock struct {
	mu      sync.Mutex
	readers map[string]int // session -> hold count
	writer  string         // session holding exclusively
	waitch  chan struct{}  // closed and replaced on every release
}

func newIPCLock() *ipcLock {
	return &ipcLock{
		readers: make(map[string]int),
		waitch:  make(chan struct{}),
	}
}

// IPC is the per-scope registry of named primitives.
type IPC struct {
	mu    sync.RWMutex
	path  string
	locks map[string]*ipcLock
}

type ipcCatalog struct {
	Locks []string `json:"locks"`
}

// OpenIPC loads the catalog; a missing catalog is an empty registry.
func OpenIPC(path string) (*IPC, *errs.Error) {
	ipc := &IPC{path: path, locks: make(map[string]*ipcLock)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ipc, nil
	}
	if err != nil {
		return nil, errs.OS(errs.Read, path, err)
	}
	var cat ipcCatalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, errs.Wrap(errs.Catalog, path, err)
	}
	for _, name := range cat.Locks {
		ipc.locks[name] = newIPCLock()
	}
	return ipc, nil
}

func (ipc *IPC) persist() *errs.Error {
	cat := ipcCatalog{}
	for name := range ipc.locks {
		cat.Locks = append(cat.Locks, name)
	}
	raw, err := json.Marshal(&cat)
	if err != nil {
		return errs.Wrap(errs.Catalog, ipc.path, err)
	}
	tmp := ipc.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errs.OS(errs.Write, tmp, err)
	}
	if err := os.Rename(tmp, ipc.path); err != nil {
		return errs.OS(errs.Move, ipc.path, err)
	}
	return nil
}

// CreateLock registers a named lock.
func (ipc *IPC) CreateLock(name string) *errs.Error {
	ipc.mu.Lock()
	defer ipc.mu.Unlock()
	if _, ok := ipc.locks[name]; ok {
		return errs.New(errs.DupName, name, "lock exists")
	}
	ipc.locks[name] = newIPCLock()
	return ipc.persist()
}

// DropLock removes a named lock.
func (ipc *IPC) DropLock(name string) *errs.Error {
	ipc.mu.Lock()
	defer ipc.mu.Unlock()
	if _, ok := ipc.locks[name]; !ok {
		return errs.New(errs.NotFound, name, "")
	}
	delete(ipc.locks, name)
	return ipc.persist()
}

func (ipc *IPC) lock(name string) (*ipcLock, *errs.Error) {
	ipc.mu.RLock()
	defer ipc.mu.RUnlock()
	l, ok := ipc.locks[name]
	if !ok {
		return nil, errs.New(errs.NotFound, name, "unknown lock")
	}
	return l, nil
}

// Lock acquires a named lock for a session. A zero timeout tries
// once; a negative timeout waits forever.
func (ipc *IPC) Lock(name, session string, mode LockMode, timeout time.Duration) *errs.Error {
	l, err := ipc.lock(name)
	if err != nil {
		return err
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		l.mu.Lock()
		if l.writer == session || l.readers[session] > 0 {
			l.mu.Unlock()
			return errs.New(errs.Lock, name, "session already holds the lock")
		}
		switch mode {
		case LockRead:
			if l.writer == "" {
				l.readers[session]++
				l.mu.Unlock()
				return nil
			}
		case LockWrite:
			if l.writer == "" && len(l.readers) == 0 {
				l.writer = session
				l.mu.Unlock()
				return nil
			}
		}
		wait := l.waitch
		l.mu.Unlock()

		if timeout == 0 {
			return errs.New(errs.Timeout, name, "")
		}
		select {
		case <-wait:
		case <-deadline:
			return errs.New(errs.Timeout, name, "")
		}
	}
}

// Unlock releases a session's hold.
func (ipc *IPC) Unlock(name, session string) *errs.Error {
	l, err := ipc.lock(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.writer == session:
		l.writer = ""
	case l.readers[session] > 0:
		l.readers[session]--
		if l.readers[session] == 0 {
			delete(l.readers, session)
		}
	default:
		return errs.New(errs.Ulock, name, "session does not hold the lock")
	}
	close(l.waitch)
	l.waitch = make(chan struct{})
	return nil
}

// ReleaseSession drops every hold of a dying session.
func (ipc *IPC) ReleaseSession(session string) {
	ipc.mu.RLock()
	defer ipc.mu.RUnlock()
	for _, l := range ipc.locks {
		l.mu.Lock()
		changed := false
		if l.writer == session {
			l.writer = ""
			changed = true
		}
		if l.readers[session] > 0 {
			delete(l.readers, session)
			changed = true
		}
		if changed {
			close(l.waitch)
			l.waitch = make(chan struct{})
		}
		l.mu.Unlock()
	}
}
