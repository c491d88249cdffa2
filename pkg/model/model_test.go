package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/types"
)

func productProps() []PropDef {
	return []PropDef{
		{Name: "prod_key", Typ: types.UInt, PK: true},
		{Name: "prod_desc", Typ: types.Text},
		{Name: "prod_price", Typ: types.Float},
	}
}

func TestAddVertexType(t *testing.T) {
	m, err := Open(t.TempDir())
	require.Nil(t, err)

	v, err := m.AddVertexType("product", VidNum, productProps())
	require.Nil(t, err)
	assert.Equal(t, uint32(1), v.Role)
	assert.Equal(t, "prod_key", v.PK().Name)
	assert.Equal(t, uint32(1), v.Props[1].Pos)

	_, err = m.AddVertexType("product", VidNum, nil)
	require.NotNil(t, err)
	assert.Equal(t, errs.DupName, err.Kind)
}

func TestAddEdgeType(t *testing.T) {
	m, err := Open(t.TempDir())
	require.Nil(t, err)

	_, err = m.AddVertexType("client", VidNum, nil)
	require.Nil(t, err)
	_, err = m.AddVertexType("product", VidNum, productProps())
	require.Nil(t, err)

	e, err := m.AddEdgeType("buys", "client", "product",
		types.Float, types.Float, types.Text, true)
	require.Nil(t, err)
	assert.True(t, e.Stamped)

	_, err = m.AddEdgeType("sells", "vendor", "product",
		types.Float, types.Nothing, types.Nothing, false)
	require.NotNil(t, err)
	assert.Equal(t, errs.NotFound, err.Kind)
}

func TestPersistReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.Nil(t, err)

	v, err := m.AddVertexType("product", VidText, productProps())
	require.Nil(t, err)
	_, err = m.AddVertexType("client", VidNum, nil)
	require.Nil(t, err)
	_, err = m.AddEdgeType("buys", "client", "product",
		types.Float, types.Nothing, types.Nothing, true)
	require.Nil(t, err)

	m2, err := Open(dir)
	require.Nil(t, err)

	v2, err := m2.VertexByName("product")
	require.Nil(t, err)
	assert.Equal(t, v.Role, v2.Role)
	assert.Equal(t, VidText, v2.Vid)
	assert.Len(t, v2.Props, 3)
	assert.Equal(t, v.Props[0].ID, v2.Props[0].ID)

	e2, err := m2.EdgeByName("buys")
	require.Nil(t, err)
	assert.Equal(t, "client", e2.Origin)

	// id counters continue, no reuse after reload
	v3, err := m2.AddVertexType("store", VidNum, []PropDef{{Name: "city", Typ: types.Text}})
	require.Nil(t, err)
	assert.Greater(t, v3.Role, v2.Role)
	assert.Greater(t, v3.Props[0].ID, v2.Props[2].ID)
}

func TestDropTypes(t *testing.T) {
	m, err := Open(t.TempDir())
	require.Nil(t, err)

	v, err := m.AddVertexType("tmp", VidNum, nil)
	require.Nil(t, err)
	require.Nil(t, m.DropVertexType("tmp"))

	_, err = m.VertexByName("tmp")
	require.NotNil(t, err)
	_, err = m.VertexByRole(v.Role)
	require.NotNil(t, err)

	derr := m.DropEdgeType("nope")
	require.NotNil(t, derr)
	assert.Equal(t, errs.NotFound, derr.Kind)
}

func TestLookupByIDs(t *testing.T) {
	m, err := Open(t.TempDir())
	require.Nil(t, err)

	v, err := m.AddVertexType("product", VidNum, productProps())
	require.Nil(t, err)

	byRole, err := m.VertexByRole(v.Role)
	require.Nil(t, err)
	assert.Same(t, v, byRole)

	p := v.PropByName("prod_desc")
	require.NotNil(t, p)
	assert.Same(t, p, v.PropByID(p.ID))
}
