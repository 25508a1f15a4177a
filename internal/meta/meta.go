// Package meta implements Meta Assembly (spec §4.6): builds the
// TableMeta/MultiTableMeta responses clients use to talk to the owning
// data node directly, reading the catalog's Registry together with the
// database and vgroup directories.
package meta

import (
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/vgroup"
	"github.com/tsdbcore/mnode/internal/wire"
)

// Assembler builds TableMeta/MultiTableMeta from the registry plus the
// database and vgroup directories (spec §4.6).
type Assembler struct {
	reg     *registry.Registry
	dbs     dbdir.Directory
	vgroups vgroup.Directory
	publicIP [16]byte
}

// New builds an Assembler. publicIP is this mgmt node's configured public
// IP, used to decide whether a given vnode peer's public or private
// address is returned to a client (spec §4.6 "ip is public or private
// depending on whether the client's connection server-ip equals the
// configured public IP").
func New(reg *registry.Registry, dbs dbdir.Directory, vgroups vgroup.Directory, publicIP [16]byte) *Assembler {
	return &Assembler{reg: reg, dbs: dbs, vgroups: vgroups, publicIP: publicIP}
}

// peers resolves vg's vnode list into the client-facing peer descriptors,
// selecting each vnode's public or private address depending on whether
// the requesting connection reached this node on its public IP.
func (a *Assembler) peers(vg *vgroup.Info, connServerIP [16]byte) []wire.VnodePeer {
	usePublic := connServerIP == a.publicIP
	n := len(vg.Vnodes)
	if n > model.MaxVnodesPerVgroup {
		n = model.MaxVnodesPerVgroup
	}
	out := make([]wire.VnodePeer, 0, n)
	for _, vn := range vg.Vnodes[:n] {
		ip := vn.PrivateIP
		if usePublic {
			ip = vn.PublicIP
		}
		out = append(out, wire.VnodePeer{IP: ip, VnodeIndex: vn.Index})
	}
	return out
}

// BuildTableMeta assembles one table's TableMeta (spec §4.6).
func (a *Assembler) BuildTableMeta(tableID string, connServerIP [16]byte) (*wire.TableMeta, codes.Code) {
	ent, ok := a.reg.GetTable(tableID)
	if !ok {
		return nil, codes.INVALID_TABLE
	}
	db, ok := a.dbs.GetDBByTableID(tableID)
	if !ok {
		return nil, codes.INVALID_DB
	}

	if ent.Kind == model.Super {
		return nil, codes.OPS_NOT_SUPPORT // super tables have no vgroup placement
	}

	vgID, sid := ent.CRow.VgSid()
	vg, ok := a.vgroups.GetVgroup(vgID)
	if !ok {
		return nil, codes.INVALID_VGROUP_ID
	}

	t := &wire.TableMeta{
		UID:       ent.CRow.RowUID(),
		Sid:       sid,
		VgID:      vgID,
		Precision: db.Cfg.Precision,
		Kind:      ent.Kind,
		Peers:     a.peers(vg, connServerIP),
	}

	switch ent.Kind {
	case model.Child:
		super, ok := a.reg.GetSuper(ent.CRow.Child.SuperTableID)
		if !ok {
			return nil, codes.INVALID_TABLE
		}
		t.StableID = super.TableID
		t.SchemaVersion = super.SchemaVersion
		t.NumColumns = super.NumColumns
		t.NumTags = 0 // inlined super schema, tags live at the data node (spec §4.6)
		t.Schema = super.Columns()
	case model.Normal:
		n := ent.CRow.Normal
		t.SchemaVersion = n.SchemaVersion
		t.NumColumns = n.NumColumns
		t.Schema = n.Schema
	case model.Stream:
		n := &ent.CRow.Stream.NormalTable
		t.SchemaVersion = n.SchemaVersion
		t.NumColumns = n.NumColumns
		t.Schema = n.Schema
	}
	return t, codes.SUCCESS
}

// BuildMultiTableMeta assembles the concatenated response for many table
// ids in one round trip, skipping ids that no longer resolve (spec §4.6
// "all resolvable tables appear").
func (a *Assembler) BuildMultiTableMeta(tableIDs []string, connServerIP [16]byte) []byte {
	b := wire.NewMultiTableMetaBuilder()
	for _, id := range tableIDs {
		t, code := a.BuildTableMeta(id, connServerIP)
		if code != codes.SUCCESS {
			continue
		}
		b.Add(t)
	}
	return b.Bytes()
}
