// Procedure manager.
//
// Stored procedures are declared in SQL and executed by a language
// host (Lua, Python) that plugs in from outside the core. The manager
// keeps the catalog: name, module, language and signature. Exec
// dispatches to a registered host; without one it fails with
// not-supp.
package scope

import (
	"os"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// ProcLang identifies the implementation language of a procedure.
type ProcLang string

const (
	LangLua    ProcLang = "lua"
	LangPython ProcLang = "python"
)

// ProcArg declares one parameter of a procedure.
type ProcArg struct {
	Name string     `json:"name"`
	Typ  types.Type `json:"type"`
	Pos  int        `json:"pos"`
}

// Proc is one catalog entry.
type Proc struct {
	Name   string    `json:"name"`
	Module string    `json:"module"`
	Lang   ProcLang  `json:"lang"`
	Args   []ProcArg `json:"args,omitempty"`
	RType  types.Type `json:"rtype"`
}

// Host executes procedures of one language.
type Host interface {
	Exec(proc *Proc, args []types.Value) *errs.Error
}

// ProcMan is the open procedure catalog.
type ProcMan struct {
	mu    sync.RWMutex
	path  string
	procs map[string]*Proc
	hosts map[ProcLang]Host
}

// OpenProcMan loads the catalog; a missing file is an empty catalog.
func OpenProcMan(path string) (*ProcMan, *errs.Error) {
	pm := &ProcMan{
		path:  path,
		procs: make(map[string]*Proc),
		hosts: make(map[ProcLang]Host),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return pm, nil
	}
	if err != nil {
		return nil, errs.OS(errs.Read, path, err)
	}
	var procs []*Proc
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil, errs.Wrap(errs.Catalog, path, err)
	}
	for _, p := range procs {
		pm.procs[strings.ToLower(p.Name)] = p
	}
	return pm, nil
}

func (pm *ProcMan) persist() *errs.Error {
	procs := make([]*Proc, 0, len(pm.procs))
	for _, p := range pm.procs {
		procs = append(procs, p)
	}
	raw, err := json.Marshal(procs)
	if err != nil {
		return errs.Wrap(errs.Catalog, pm.path, err)
	}
	tmp := pm.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errs.OS(errs.Write, tmp, err)
	}
	if err := os.Rename(tmp, pm.path); err != nil {
		return errs.OS(errs.Move, pm.path, err)
	}
	return nil
}

// RegisterHost plugs in a language host.
func (pm *ProcMan) RegisterHost(lang ProcLang, h Host) {
	pm.mu.Lock()
	pm.hosts[lang] = h
	pm.mu.Unlock()
}

// Create declares a procedure.
func (pm *ProcMan) Create(p *Proc) *errs.Error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	key := strings.ToLower(p.Name)
	if _, ok := pm.procs[key]; ok {
		return errs.New(errs.DupName, p.Name, "procedure exists")
	}
	pm.procs[key] = p
	return pm.persist()
}

// Drop removes a procedure.
func (pm *ProcMan) Drop(name string) *errs.Error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := pm.procs[key]; !ok {
		return errs.New(errs.NotFound, name, "")
	}
	delete(pm.procs, key)
	return pm.persist()
}

// Get looks up a procedure.
func (pm *ProcMan) Get(name string) (*Proc, *errs.Error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.procs[strings.ToLower(name)]
	if !ok {
		return nil, errs.New(errs.NotFound, name, "unknown procedure")
	}
	return p, nil
}

// Exec runs a procedure through its language host.
func (pm *ProcMan) Exec(name string, args []types.Value) *errs.Error {
	p, err := pm.Get(name)
	if err != nil {
		return err
	}
	pm.mu.RLock()
	h, ok := pm.hosts[p.Lang]
	pm.mu.RUnlock()
	if !ok {
		return errs.Newf(errs.NotSupp, name, "no %s host registered", p.Lang)
	}
	return h.Exec(p, args)
}
