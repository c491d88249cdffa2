// Scope: one database instance.
//
// A scope owns its model, string dictionary, stores (the vertex table
// plus one store per context), index manager, ipc catalog and
// procedure manager, all rooted under one directory. The scope
// catalog records the declared contexts so that open can rebuild the
// exact store set.
package scope

import (
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/file"
	"github.com/toschoo/nowdb/pkg/index"
	"github.com/toschoo/nowdb/pkg/log"
	"github.com/toschoo/nowdb/pkg/model"
	"github.com/toschoo/nowdb/pkg/store"
	"github.com/toschoo/nowdb/pkg/text"
	"github.com/toschoo/nowdb/pkg/types"
)

const scopeVersion = 1

// VertexStore is the reserved store name of the vertex table.
const VertexStore = "vertex"

// ContextConfig is the persisted configuration of one context store.
type ContextConfig struct {
	Name    string    `json:"name"`
	Comp    file.Comp `json:"comp"`
	Sorted  bool      `json:"sorted"`
	Stamped bool      `json:"stamped"`
}

// catalog is the persisted scope metadata.
type catalog struct {
	Name     string          `json:"name"`
	Version  uint32          `json:"version"`
	TextAlg  int             `json:"textalg"`
	Contexts []ContextConfig `json:"contexts"`
}

// Options tune a scope at creation time.
type Options struct {
	Sorters int // sorter workers; default 2
	TextAlg int // dictionary hash algorithm
}

// Scope is one open database.
type Scope struct {
	mu   sync.RWMutex
	name string
	base string

	model   *model.Model
	text    *text.Dict
	iman    *index.Manager
	stores  map[string]*store.Store
	configs map[string]ContextConfig
	storage *store.Storage
	procs   *ProcMan
	ipc     *IPC

	textAlg int
	sorters int
	flock   dirLock
	open    bool
}

// Create initializes the on-disk layout of a new scope.
func Create(base, name string, opts Options) (*Scope, *errs.Error) {
	if _, err := os.Stat(base); err == nil {
		return nil, errs.New(errs.DupName, name, "scope directory exists")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errs.OS(errs.Create, base, err)
	}
	for _, sub := range []string{"model", "text", VertexStore} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0755); err != nil {
			return nil, errs.OS(errs.Create, sub, err)
		}
	}
	s := newScope(base, name, opts)
	if err := s.writeCatalog(); err != nil {
		return nil, err
	}
	if err := s.OpenParts(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Open loads an existing scope and all of its parts.
func Open(base string, opts Options) (*Scope, *errs.Error) {
	raw, err := os.ReadFile(filepath.Join(base, "catalog"))
	if err != nil {
		return nil, errs.OS(errs.Scope, base, err)
	}
	var cat catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, errs.Wrap(errs.Catalog, base, err)
	}
	if cat.Version != scopeVersion {
		return nil, errs.New(errs.Version, base, "")
	}
	if opts.TextAlg == 0 {
		opts.TextAlg = cat.TextAlg
	}
	s := newScope(base, cat.Name, opts)
	for _, cc := range cat.Contexts {
		s.configs[cc.Name] = cc
	}
	if err := s.openParts(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newScope(base, name string, opts Options) *Scope {
	if opts.Sorters < 1 {
		opts.Sorters = 2
	}
	return &Scope{
		name:    name,
		base:    base,
		stores:  make(map[string]*store.Store),
		configs: make(map[string]ContextConfig),
		textAlg: opts.TextAlg,
		sorters: opts.Sorters,
	}
}

// OpenParts opens model, dictionary, indexes, ipc, procedures and
// every store, then starts the background workers. Create callers
// use it to bring a fresh scope online.
func (s *Scope) OpenParts() *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openParts()
}

func (s *Scope) openParts() *errs.Error {
	if s.open {
		return nil
	}
	if err := s.flock.acquire(filepath.Join(s.base, ".lock")); err != nil {
		return err
	}
	m, err := model.Open(filepath.Join(s.base, "model"))
	if err != nil {
		return err
	}
	s.model = m

	d, err := text.Open(filepath.Join(s.base, "text", "strings"), s.textAlg)
	if err != nil {
		return err
	}
	s.text = d

	iman, err := index.OpenManager(s.base)
	if err != nil {
		return err
	}
	s.iman = iman

	s.procs, err = OpenProcMan(filepath.Join(s.base, "procman"))
	if err != nil {
		return err
	}
	s.ipc, err = OpenIPC(filepath.Join(s.base, "ipc"))
	if err != nil {
		return err
	}

	s.storage = store.NewStorage(s.name, s.sorters)

	// the vertex table always exists
	if err := s.openStore(ContextConfig{
		Name:    VertexStore,
		Sorted:  true,
		Stamped: false,
	}, types.ContentVertex); err != nil {
		return err
	}
	for _, cc := range s.configs {
		if err := s.openStore(cc, types.ContentEdge); err != nil {
			return err
		}
	}
	s.storage.Start()
	s.open = true
	log.WithScope(s.name).Info().Msg("scope open")
	return nil
}

func (s *Scope) openStore(cc ContextConfig, cont types.Content) *errs.Error {
	cfg := store.Config{
		Name:    cc.Name,
		Content: cont,
		Comp:    cc.Comp,
		Stamped: cc.Stamped,
	}
	if cont == types.ContentVertex {
		cfg.Recsize = types.VertexSize
		if cc.Sorted {
			cfg.Compare = types.CompareTagVertex
		}
	} else {
		cfg.Recsize = types.EdgeSize
		if cc.Sorted {
			cfg.Compare = types.CompareTagEdge
		}
	}
	st, err := store.New(s.base, cfg)
	if err != nil {
		return err
	}
	ictx := cc.Name
	if cont == types.ContentVertex {
		ictx = "" // the index manager's vertex context
	}
	st.ConfigIndexing(s.iman, ictx)
	st.ConfigStorage(s.storage)
	if err := st.Open(); err != nil {
		return err
	}
	s.stores[cc.Name] = st
	return nil
}

func (s *Scope) writeCatalog() *errs.Error {
	cat := catalog{Name: s.name, Version: scopeVersion, TextAlg: s.textAlg}
	for _, cc := range s.configs {
		cat.Contexts = append(cat.Contexts, cc)
	}
	raw, err := json.Marshal(&cat)
	if err != nil {
		return errs.Wrap(errs.Catalog, s.name, err)
	}
	path := filepath.Join(s.base, "catalog")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errs.OS(errs.Write, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.OS(errs.Move, path, err)
	}
	return nil
}

// Close flushes everything: waits for sorters, persists catalogs and
// releases every resource.
func (s *Scope) Close() *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storage != nil {
		s.storage.WaitIdle()
		s.storage.Stop()
		s.storage = nil
	}
	var first *errs.Error
	keep := func(err *errs.Error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, st := range s.stores {
		keep(st.Close())
	}
	s.stores = make(map[string]*store.Store)
	if s.iman != nil {
		keep(s.iman.Close())
		s.iman = nil
	}
	if s.text != nil {
		keep(s.text.Close())
		s.text = nil
	}
	s.flock.release()
	s.open = false
	log.WithScope(s.name).Info().Msg("scope closed")
	return first
}

// Drop removes a closed scope from disk.
func Drop(base string) *errs.Error {
	if _, err := os.Stat(filepath.Join(base, "catalog")); err != nil {
		return errs.OS(errs.Scope, base, err)
	}
	if err := os.RemoveAll(base); err != nil {
		return errs.OS(errs.Drop, base, err)
	}
	return nil
}

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// Model returns the schema registry.
func (s *Scope) Model() *model.Model { return s.model }

// Text returns the string dictionary.
func (s *Scope) Text() *text.Dict { return s.text }

// Indexes returns the index manager.
func (s *Scope) Indexes() *index.Manager { return s.iman }

// Procs returns the procedure manager.
func (s *Scope) Procs() *ProcMan { return s.procs }

// IPC returns the ipc catalog.
func (s *Scope) IPC() *IPC { return s.ipc }

// StoreOf returns the store of a context, or the vertex store for
// VertexStore.
func (s *Scope) StoreOf(context string) (*store.Store, *errs.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[context]
	if !ok {
		return nil, errs.New(errs.Context, context, "unknown context")
	}
	return st, nil
}

// CreateContext declares a new edge store.
func (s *Scope) CreateContext(cc ContextConfig) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cc.Name == VertexStore {
		return errs.New(errs.BadName, cc.Name, "reserved store name")
	}
	if _, ok := s.stores[cc.Name]; ok {
		return errs.New(errs.DupName, cc.Name, "context exists")
	}
	if err := s.openStore(cc, types.ContentEdge); err != nil {
		return err
	}
	s.configs[cc.Name] = cc
	return s.writeCatalog()
}

// DropContext closes a context store and removes its files.
func (s *Scope) DropContext(name string) *errs.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[name]
	if !ok {
		return errs.New(errs.Context, name, "unknown context")
	}
	if err := st.Close(); err != nil {
		return err
	}
	delete(s.stores, name)
	delete(s.configs, name)
	if err := os.RemoveAll(st.Path()); err != nil {
		return errs.OS(errs.Drop, name, err)
	}
	return s.writeCatalog()
}

// Contexts lists the declared context names.
func (s *Scope) Contexts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.configs {
		out = append(out, name)
	}
	return out
}

// WaitIdle blocks until background sorting is done (tests, shutdown).
func (s *Scope) WaitIdle() {
	s.mu.RLock()
	g := s.storage
	s.mu.RUnlock()
	if g != nil {
		g.WaitIdle()
	}
}
