// Index manager.
//
// The manager owns every index of a scope. It persists (name, context,
// key layout, sizing) in a per-scope catalog and restores the
// descriptors on open. The store write path feeds completed pages to
// OnPage, which fans out to all indexes registered for the page's
// context.
package index

import (
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// Manager owns the indexes of one scope.
type Manager struct {
	mu      sync.RWMutex
	base    string // scope directory
	path    string // catalog path
	indexes map[string]*Index
}

type manCatalog struct {
	Version uint32 `json:"version"`
	Indexes []Desc `json:"indexes"`
}

// indexDir returns the directory of an index: vertex/index/<name> for
// the vertex table, <context>/index/<name> for a context.
func (m *Manager) indexDir(desc Desc) string {
	ctx := desc.Context
	if ctx == "" {
		ctx = "vertex"
	}
	return filepath.Join(m.base, ctx, "index", desc.Name)
}

// OpenManager loads the catalog and re-opens every index.
func OpenManager(base string) (*Manager, *errs.Error) {
	m := &Manager{
		base:    base,
		path:    filepath.Join(base, "imancat"),
		indexes: make(map[string]*Index),
	}
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errs.OS(errs.Read, m.path, err)
	}
	var cat manCatalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, errs.Wrap(errs.Catalog, m.path, err)
	}
	for _, desc := range cat.Indexes {
		idx, ierr := OpenIndex(m.indexDir(desc), desc)
		if ierr != nil {
			m.Close()
			return nil, errs.Wrap(errs.Index, desc.Name, ierr)
		}
		m.indexes[desc.Name] = idx
	}
	return m, nil
}

func (m *Manager) persist() *errs.Error {
	cat := manCatalog{Version: 1}
	for _, idx := range m.indexes {
		cat.Indexes = append(cat.Indexes, idx.desc)
	}
	raw, err := json.Marshal(&cat)
	if err != nil {
		return errs.Wrap(errs.Catalog, m.path, err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errs.OS(errs.Write, tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errs.OS(errs.Move, m.path, err)
	}
	return nil
}

// CreateIndex creates and registers a new index.
func (m *Manager) CreateIndex(desc Desc) (*Index, *errs.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[desc.Name]; ok {
		return nil, errs.New(errs.DupName, desc.Name, "index exists")
	}
	if len(desc.Keys) == 0 {
		return nil, errs.New(errs.Invalid, desc.Name, "empty key layout")
	}
	if desc.Recsize == 0 {
		if desc.Content == types.ContentVertex {
			desc.Recsize = types.VertexSize
		} else {
			desc.Recsize = types.EdgeSize
		}
	}
	idx, err := Create(m.indexDir(desc), desc)
	if err != nil {
		return nil, err
	}
	m.indexes[desc.Name] = idx
	if err := m.persist(); err != nil {
		idx.Close()
		delete(m.indexes, desc.Name)
		return nil, err
	}
	return idx, nil
}

// DropIndex closes an index and removes it from disk and catalog.
func (m *Manager) DropIndex(name string) *errs.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[name]
	if !ok {
		return errs.New(errs.NotFound, name, "")
	}
	if err := idx.Close(); err != nil {
		return err
	}
	delete(m.indexes, name)
	if err := os.RemoveAll(m.indexDir(idx.desc)); err != nil {
		return errs.OS(errs.Remove, name, err)
	}
	return m.persist()
}

// GetIndex looks up an index by name.
func (m *Manager) GetIndex(name string) (*Index, *errs.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return nil, errs.New(errs.NotFound, name, "unknown index")
	}
	return idx, nil
}

// ByContext returns the indexes registered for a context; the empty
// context addresses the vertex table.
func (m *Manager) ByContext(context string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Index
	for _, idx := range m.indexes {
		if idx.desc.Context == context {
			out = append(out, idx)
		}
	}
	return out
}

// OnPage feeds a completed page to every index of the context. It is
// the store's indexing hook.
func (m *Manager) OnPage(context string, pid types.PageID, page []byte, used int) *errs.Error {
	for _, idx := range m.ByContext(context) {
		if err := idx.InsertPage(pid, page, used); err != nil {
			return err
		}
	}
	return nil
}

// DropFilePages removes the pages of an erased file from every index
// of the context.
func (m *Manager) DropFilePages(context string, fileid uint32) *errs.Error {
	for _, idx := range m.ByContext(context) {
		if err := idx.DropFilePages(fileid); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every index.
func (m *Manager) Close() *errs.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *errs.Error
	for _, idx := range m.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.indexes = make(map[string]*Index)
	return first
}
