package dht

import (
	"net"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/pkg/constants"
)

func testContact(i int) NodeContact {
	id := idWithPrefix(0x80, byte(i))
	return NodeContact{
		ID:       id,
		Endpoint: &net.UDPAddr{IP: net.IPv4(203, 0, 113, byte(i)), Port: 6881},
	}
}

func newTestTable(t *testing.T) (*Table, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	return NewTable(TableConfig{Local: idWithPrefix(0x00), Clock: clk}), clk
}

func TestTableInsertAndClosest(t *testing.T) {
	tbl, _ := newTestTable(t)
	for i := 0; i < 5; i++ {
		tbl.OnReply(testContact(i))
	}
	assert.Equal(t, 5, tbl.Count())

	target := testContact(2).ID
	closest := tbl.Closest(target, 3)
	require.Len(t, closest, 3)
	assert.Equal(t, target, closest[0].ID)
}

func TestTableIgnoresSelfAndMartians(t *testing.T) {
	tbl, _ := newTestTable(t)

	tbl.OnReply(NodeContact{ID: idWithPrefix(0x00),
		Endpoint: &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 6881}})
	tbl.OnReply(NodeContact{ID: idWithPrefix(0x80, 0x01),
		Endpoint: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}})
	tbl.OnReply(NodeContact{ID: NodeID{},
		Endpoint: &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 6881}})

	assert.Zero(t, tbl.Count())
}

func TestTableFailureEvictsAndPromotes(t *testing.T) {
	tbl, _ := newTestTable(t)

	// All of these share no prefix bits with the local id, so they land
	// in the same bucket.
	for i := 0; i < constants.DHTBucketSize; i++ {
		tbl.OnReply(testContact(i))
	}
	require.Equal(t, constants.DHTBucketSize, tbl.Count())

	// The bucket is full of good entries; the overflow contact goes to
	// the replacement cache.
	spare := testContact(100)
	tbl.OnReply(spare)
	assert.Equal(t, constants.DHTBucketSize, tbl.Count())

	victim := testContact(0)
	for i := 0; i < contactMaxFails; i++ {
		tbl.OnFailure(victim)
	}
	assert.Equal(t, constants.DHTBucketSize, tbl.Count())

	ids := make(map[NodeID]bool)
	for _, c := range tbl.Contacts() {
		ids[c.ID] = true
	}
	assert.False(t, ids[victim.ID])
	assert.True(t, ids[spare.ID])
}

func TestTableEndpointChangeNeedsStaleHolder(t *testing.T) {
	tbl, clk := newTestTable(t)
	c := testContact(1)
	tbl.OnReply(c)

	// A good holder keeps its endpoint against an impostor.
	moved := c
	moved.Endpoint = &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9999}
	tbl.OnReply(moved)
	assert.True(t, udpAddrEqual(tbl.Contacts()[0].Endpoint, c.Endpoint))

	// Once stale, the new endpoint takes over.
	clk.Add(contactFreshFor + contactFreshFor)
	tbl.OnReply(moved)
	assert.True(t, udpAddrEqual(tbl.Contacts()[0].Endpoint, moved.Endpoint))
}

func TestTableSetLocalID(t *testing.T) {
	tbl, _ := newTestTable(t)
	for i := 0; i < 4; i++ {
		tbl.OnReply(testContact(i))
	}
	tbl.SetLocalID(idWithPrefix(0xc0))
	assert.Equal(t, 4, tbl.Count())
}

func TestProximityMap(t *testing.T) {
	target := idWithPrefix(0x00)
	p := newProximityMap[string](target, 2)

	assert.True(t, p.wouldInsert(idWithPrefix(0xff)))
	p.insert(idWithPrefix(0xff), "far")
	p.insert(idWithPrefix(0x01), "near")
	require.True(t, p.full())

	assert.True(t, p.wouldInsert(idWithPrefix(0x02)))
	assert.False(t, p.wouldInsert(idWithPrefix(0xff, 0xff)))

	p.insert(idWithPrefix(0x02), "nearer")
	items := p.items()
	require.Len(t, items, 2)
	assert.Equal(t, "near", items[0].value)
	assert.Equal(t, "nearer", items[1].value)

	// Re-inserting an id updates in place.
	p.insert(idWithPrefix(0x01), "updated")
	assert.Equal(t, "updated", p.items()[0].value)
	assert.Len(t, p.items(), 2)
}
