package vgroup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsdbcore/mnode/internal/vgroup"
)

func TestMemory_CreateAssignsIncrementingIDs(t *testing.T) {
	m := vgroup.NewMemory()
	vg1 := m.Create("acct1.db1", []vgroup.Vnode{{Index: 0}})
	vg2 := m.Create("acct1.db1", []vgroup.Vnode{{Index: 0}})
	assert.Equal(t, int32(1), vg1.VgID)
	assert.Equal(t, int32(2), vg2.VgID)
}

func TestMemory_GetAvailableVgroupScopesByDB(t *testing.T) {
	m := vgroup.NewMemory()
	m.Create("acct1.db1", []vgroup.Vnode{{}})
	m.Create("acct1.db2", []vgroup.Vnode{{}})

	vg, ok := m.GetAvailableVgroup("acct1.db2")
	require.True(t, ok)
	assert.Equal(t, "acct1.db2", vg.DBName)

	_, ok = m.GetAvailableVgroup("acct1.missing")
	assert.False(t, ok)
}

func TestMemory_AllocSidExhaustsAndReturnsErrNoFreeSlot(t *testing.T) {
	m := vgroup.NewMemory()
	vg := m.Create("acct1.db1", []vgroup.Vnode{{}})

	seen := make(map[int32]bool)
	for {
		sid, err := m.AllocSid(vg)
		if err != nil {
			assert.ErrorIs(t, err, vgroup.ErrNoFreeSlot)
			break
		}
		assert.False(t, seen[sid], "sid %d allocated twice", sid)
		seen[sid] = true
	}
	_, ok := m.GetAvailableVgroup("acct1.db1")
	assert.False(t, ok, "a fully allocated vgroup should not be reported available")
}

func TestMemory_AddAndRemoveTableTracksEmptiness(t *testing.T) {
	m := vgroup.NewMemory()
	vg := m.Create("acct1.db1", []vgroup.Vnode{{}})

	require.NoError(t, m.AddTable(vg, "acct1.db1.t1"))
	require.NoError(t, m.AddTable(vg, "acct1.db1.t2"))

	empty, err := m.RemoveTable(vg, "acct1.db1.t1")
	require.NoError(t, err)
	assert.False(t, empty)

	empty, err = m.RemoveTable(vg, "acct1.db1.t2")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestMemory_DropVgroupRemovesItFromLookup(t *testing.T) {
	m := vgroup.NewMemory()
	vg := m.Create("acct1.db1", []vgroup.Vnode{{}})

	require.NoError(t, m.DropVgroup(vg.VgID))
	_, ok := m.GetVgroup(vg.VgID)
	assert.False(t, ok)

	err := m.DropVgroup(vg.VgID)
	assert.Error(t, err)
}

func TestMemory_GetIPSetReturnsPrivateAddressesInVnodeOrder(t *testing.T) {
	m := vgroup.NewMemory()
	vnodes := []vgroup.Vnode{
		{PrivateIP: [16]byte{1}, Index: 0},
		{PrivateIP: [16]byte{2}, Index: 1},
	}
	vg := m.Create("acct1.db1", vnodes)

	ips := m.GetIPSet(vg)
	require.Len(t, ips, 2)
	assert.Equal(t, vnodes[0].PrivateIP, ips[0])
	assert.Equal(t, vnodes[1].PrivateIP, ips[1])
}
