// Schema registry.
//
// The model makes the fixed-width record format self-describing: it
// maps vertex type names to roles and property lists, and edge type
// names to edge ids and slot types. Both directions of every lookup
// are served from memory; mutations persist the whole catalog with a
// write-to-temp-then-rename so a crash never leaves a torn catalog.
package model

import (
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

// VidPolicy states how vertex ids of a type are produced.
type VidPolicy uint8

const (
	VidNum  VidPolicy = 0 // numeric, client-provided
	VidText VidPolicy = 1 // text, interned through the dictionary
	VidAuto VidPolicy = 2 // generated by the engine
)

// Prop describes one property of a vertex type.
type Prop struct {
	Name string     `json:"name"`
	ID   types.Key  `json:"id"`
	Pos  uint32     `json:"pos"`
	Typ  types.Type `json:"type"`
	PK   bool       `json:"pk"`
}

// VertexType describes one vertex type.
type VertexType struct {
	Name  string    `json:"name"`
	Role  uint32    `json:"role"`
	Vid   VidPolicy `json:"vid"`
	Props []*Prop   `json:"props"`
}

// PropByName finds a property of the type.
func (v *VertexType) PropByName(name string) *Prop {
	for _, p := range v.Props {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// PropByID finds a property by its id.
func (v *VertexType) PropByID(id types.Key) *Prop {
	for _, p := range v.Props {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PK returns the primary key property, nil when none is declared.
func (v *VertexType) PK() *Prop {
	for _, p := range v.Props {
		if p.PK {
			return p
		}
	}
	return nil
}

// EdgeType describes one edge type.
type EdgeType struct {
	Name    string     `json:"name"`
	ID      types.Key  `json:"id"`
	Origin  string     `json:"origin"` // vertex type name
	Destin  string     `json:"destin"`
	Weight  types.Type `json:"weight"`
	Weight2 types.Type `json:"weight2"`
	Label   types.Type `json:"label"`
	Stamped bool       `json:"stamped"`
	Props   []*Prop    `json:"props,omitempty"` // extended attributes
}

// catalog is the persisted shape of the whole model.
type catalog struct {
	Version  uint32        `json:"version"`
	NextRole uint32        `json:"nextrole"`
	NextProp types.Key     `json:"nextprop"`
	NextEdge types.Key     `json:"nextedge"`
	Vertices []*VertexType `json:"vertices"`
	Edges    []*EdgeType   `json:"edges"`
}

const catalogVersion = 1

// Model is the open registry of one scope.
type Model struct {
	mu   sync.RWMutex
	path string

	vertices map[string]*VertexType
	byRole   map[uint32]*VertexType
	edges    map[string]*EdgeType
	byEdge   map[types.Key]*EdgeType

	nextRole uint32
	nextProp types.Key
	nextEdge types.Key
}

// Open loads the model catalog from dir, tolerating a missing catalog
// as an empty model.
func Open(dir string) (*Model, *errs.Error) {
	m := &Model{
		path:     filepath.Join(dir, "catalog"),
		vertices: make(map[string]*VertexType),
		byRole:   make(map[uint32]*VertexType),
		edges:    make(map[string]*EdgeType),
		byEdge:   make(map[types.Key]*EdgeType),
		nextRole: 1,
		nextProp: 1,
		nextEdge: 1,
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.OS(errs.Create, dir, err)
	}
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errs.OS(errs.Read, m.path, err)
	}
	var cat catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, errs.Wrap(errs.Catalog, m.path, err)
	}
	m.nextRole, m.nextProp, m.nextEdge = cat.NextRole, cat.NextProp, cat.NextEdge
	for _, v := range cat.Vertices {
		m.vertices[v.Name] = v
		m.byRole[v.Role] = v
	}
	for _, e := range cat.Edges {
		m.edges[e.Name] = e
		m.byEdge[e.ID] = e
	}
	return m, nil
}

// persist writes the catalog under the model lock.
func (m *Model) persist() *errs.Error {
	cat := catalog{
		Version:  catalogVersion,
		NextRole: m.nextRole,
		NextProp: m.nextProp,
		NextEdge: m.nextEdge,
	}
	for _, v := range m.vertices {
		cat.Vertices = append(cat.Vertices, v)
	}
	for _, e := range m.edges {
		cat.Edges = append(cat.Edges, e)
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

// PropDef is the declaration of one property in AddVertexType.
type PropDef struct {
	Name string
	Typ  types.Type
	PK   bool
}

// AddVertexType declares a vertex type.
func (m *Model) AddVertexType(name string, vid VidPolicy, props []PropDef) (*VertexType, *errs.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vertices[name]; ok {
		return nil, errs.New(errs.DupName, name, "vertex type exists")
	}
	v := &VertexType{Name: name, Role: m.nextRole, Vid: vid}
	m.nextRole++
	for i, pd := range props {
		v.Props = append(v.Props, &Prop{
			Name: pd.Name,
			ID:   m.nextProp,
			Pos:  uint32(i),
			Typ:  pd.Typ,
			PK:   pd.PK,
		})
		m.nextProp++
	}
	m.vertices[name] = v
	m.byRole[v.Role] = v
	if err := m.persist(); err != nil {
		delete(m.vertices, name)
		delete(m.byRole, v.Role)
		return nil, err
	}
	return v, nil
}

// AddEdgeType declares an edge type between two vertex types.
func (m *Model) AddEdgeType(name, origin, destin string,
	weight, weight2, label types.Type, stamped bool) (*EdgeType, *errs.Error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.edges[name]; ok {
		return nil, errs.New(errs.DupName, name, "edge type exists")
	}
	if _, ok := m.vertices[origin]; !ok {
		return nil, errs.New(errs.NotFound, origin, "unknown origin type")
	}
	if _, ok := m.vertices[destin]; !ok {
		return nil, errs.New(errs.NotFound, destin, "unknown destination type")
	}
	e := &EdgeType{
		Name: name, ID: m.nextEdge,
		Origin: origin, Destin: destin,
		Weight: weight, Weight2: weight2, Label: label,
		Stamped: stamped,
	}
	m.nextEdge++
	m.edges[name] = e
	m.byEdge[e.ID] = e
	if err := m.persist(); err != nil {
		delete(m.edges, name)
		delete(m.byEdge, e.ID)
		return nil, err
	}
	return e, nil
}

// DropVertexType removes a vertex type.
func (m *Model) DropVertexType(name string) *errs.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vertices[name]
	if !ok {
		return errs.New(errs.NotFound, name, "")
	}
	delete(m.vertices, name)
	delete(m.byRole, v.Role)
	return m.persist()
}

// DropEdgeType removes an edge type.
func (m *Model) DropEdgeType(name string) *errs.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.edges[name]
	if !ok {
		return errs.New(errs.NotFound, name, "")
	}
	delete(m.edges, name)
	delete(m.byEdge, e.ID)
	return m.persist()
}

// VertexByName looks up a vertex type.
func (m *Model) VertexByName(name string) (*VertexType, *errs.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vertices[name]
	if !ok {
		return nil, errs.New(errs.NotFound, name, "unknown vertex type")
	}
	return v, nil
}

// VertexByRole looks up a vertex type by role id.
func (m *Model) VertexByRole(role uint32) (*VertexType, *errs.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byRole[role]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "model", "unknown role %d", role)
	}
	return v, nil
}

// EdgeByName looks up an edge type.
func (m *Model) EdgeByName(name string) (*EdgeType, *errs.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[name]
	if !ok {
		return nil, errs.New(errs.NotFound, name, "unknown edge type")
	}
	return e, nil
}

// EdgeByID looks up an edge type by id.
func (m *Model) EdgeByID(id types.Key) (*EdgeType, *errs.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byEdge[id]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "model", "unknown edge %d", id)
	}
	return e, nil
}

// Vertices lists all vertex types.
func (m *Model) Vertices() []*VertexType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*VertexType, 0, len(m.vertices))
	for _, v := range m.vertices {
		out = append(out, v)
	}
	return out
}

// Edges lists all edge types.
func (m *Model) Edges() []*EdgeType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*EdgeType, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	return out
}
