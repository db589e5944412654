package collection_test

import (
	"testing"

	"github.com/routeros-client/rosclient/collection"
	"github.com/routeros-client/rosclient/parse"
	"github.com/stretchr/testify/require"
)

func rowsFixture() []parse.Row {
	return []parse.Row{
		{"id": "*1", "iface": "ether1", "rxByte": float64(30)},
		{"id": "*2", "iface": "ether2", "rxByte": float64(10)},
		{"id": "*3", "iface": "ether1", "rxByte": float64(20)},
	}
}

func TestIndexKeepsFirstOnCollision(t *testing.T) {
	rows := rowsFixture()
	idx := collection.Index(rows, func(r parse.Row) string { return r["iface"].(string) })
	require.Len(t, idx, 2)
	require.Equal(t, "*1", idx["ether1"]["id"])
}

func TestGroupPreservesOrderWithinBucket(t *testing.T) {
	rows := rowsFixture()
	grouped := collection.Group(rows, func(r parse.Row) string { return r["iface"].(string) })
	require.Len(t, grouped["ether1"], 2)
	require.Equal(t, "*1", grouped["ether1"][0]["id"])
	require.Equal(t, "*3", grouped["ether1"][1]["id"])
}

func TestPaginateReportsHasMore(t *testing.T) {
	rows := rowsFixture()
	p := collection.Paginate(rows, 0, 2)
	require.Len(t, p.Rows, 2)
	require.True(t, p.HasMore)

	p2 := collection.Paginate(rows, 2, 2)
	require.Len(t, p2.Rows, 1)
	require.False(t, p2.HasMore)
}

func TestPaginateOutOfRangeOffsetYieldsEmptyPage(t *testing.T) {
	rows := rowsFixture()
	p := collection.Paginate(rows, 99, 2)
	require.Empty(t, p.Rows)
	require.False(t, p.HasMore)
}

func TestSortByNumericFieldAscending(t *testing.T) {
	rows := rowsFixture()
	sorted := collection.SortBy(rows, "rxByte")
	require.Equal(t, []string{"*2", "*3", "*1"}, []string{
		sorted[0]["id"].(string), sorted[1]["id"].(string), sorted[2]["id"].(string),
	})
	// original untouched
	require.Equal(t, "*1", rows[0]["id"])
}

func TestSortByStringFieldIsStable(t *testing.T) {
	rows := rowsFixture()
	sorted := collection.SortBy(rows, "iface")
	require.Equal(t, "ether1", sorted[0]["iface"])
	require.Equal(t, "*1", sorted[0]["id"])
	require.Equal(t, "*3", sorted[1]["id"])
}
