package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irrwatch/pkg/model"
)

func snap(id int64, v4, v6 []string) *model.Snapshot {
	return &model.Snapshot{
		ID:           id,
		Target:       "AS64500",
		IPv4Prefixes: v4,
		IPv6Prefixes: v6,
	}
}

func TestComputeAddAndRemove(t *testing.T) {
	previous := snap(1, []string{"192.0.2.0/24", "198.51.100.0/24"}, []string{"2001:db8::/32"})
	current := snap(2, []string{"192.0.2.0/24", "203.0.113.0/24"}, []string{"2001:db8::/32"})

	d := Compute(current, previous)

	assert.Equal(t, []string{"203.0.113.0/24"}, d.AddedV4)
	assert.Equal(t, []string{"198.51.100.0/24"}, d.RemovedV4)
	assert.Empty(t, d.AddedV6)
	assert.Empty(t, d.RemovedV6)
	assert.True(t, d.HasChanges)
	assert.Equal(t, int64(2), d.NewSnapshotID)
	assert.Equal(t, int64(1), d.OldSnapshotID)
}

func TestComputeFirstObservation(t *testing.T) {
	current := snap(7, []string{"203.0.113.0/24", "192.0.2.0/24"}, []string{"2001:db8::/32"})

	d := Compute(current, nil)

	assert.Equal(t, []string{"192.0.2.0/24", "203.0.113.0/24"}, d.AddedV4)
	assert.Equal(t, []string{"2001:db8::/32"}, d.AddedV6)
	assert.Equal(t, []string{}, d.RemovedV4)
	assert.Equal(t, []string{}, d.RemovedV6)
	assert.True(t, d.HasChanges)
	assert.True(t, d.FirstObservation())
}

func TestComputeNoChanges(t *testing.T) {
	previous := snap(1, []string{"192.0.2.0/24"}, nil)
	current := snap(2, []string{"192.0.2.0/24"}, nil)

	d := Compute(current, previous)

	assert.False(t, d.HasChanges)
	assert.Empty(t, d.AddedV4)
	assert.Empty(t, d.RemovedV4)
}

func TestComputeSelfDiffIdentity(t *testing.T) {
	s := snap(3, []string{"192.0.2.0/24", "198.51.100.0/24"}, []string{"2001:db8::/32"})

	d := Compute(s, s)

	assert.False(t, d.HasChanges)
}

func TestComputeFullWithdrawal(t *testing.T) {
	previous := snap(1, []string{"192.0.2.0/24"}, []string{"2001:db8::/32"})
	current := snap(2, nil, nil)

	d := Compute(current, previous)

	assert.True(t, d.HasChanges)
	assert.Equal(t, []string{"192.0.2.0/24"}, d.RemovedV4)
	assert.Equal(t, []string{"2001:db8::/32"}, d.RemovedV6)
	assert.Empty(t, d.AddedV4)
	assert.Empty(t, d.AddedV6)
}

// Swapping the roles of the snapshots must swap added and removed.
func TestComputeSymmetry(t *testing.T) {
	a := snap(1, []string{"192.0.2.0/24", "198.51.100.0/24"}, []string{"2001:db8::/32"})
	b := snap(2, []string{"192.0.2.0/24", "203.0.113.0/24"}, []string{"2001:db8:1::/48"})

	forward := Compute(b, a)
	backward := Compute(a, b)

	assert.Equal(t, forward.AddedV4, backward.RemovedV4)
	assert.Equal(t, forward.RemovedV4, backward.AddedV4)
	assert.Equal(t, forward.AddedV6, backward.RemovedV6)
	assert.Equal(t, forward.RemovedV6, backward.AddedV6)
}

func TestComputeHashOrderInvariant(t *testing.T) {
	h1 := ComputeHash("AS64500",
		[]string{"203.0.113.0/24", "192.0.2.0/24"},
		[]string{"198.51.100.0/24"},
		[]string{"2001:db8::/32"},
		nil)
	h2 := ComputeHash("AS64500",
		[]string{"192.0.2.0/24", "203.0.113.0/24"},
		[]string{"198.51.100.0/24"},
		[]string{"2001:db8::/32"},
		[]string{})

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHashDistinguishes(t *testing.T) {
	base := ComputeHash("AS64500", []string{"192.0.2.0/24"}, nil, nil, nil)

	assert.NotEqual(t, base, ComputeHash("AS64501", []string{"192.0.2.0/24"}, nil, nil, nil),
		"hash must cover the target")
	assert.NotEqual(t, base, ComputeHash("AS64500", nil, []string{"192.0.2.0/24"}, nil, nil),
		"added and removed must not be interchangeable")
	assert.NotEqual(t, base, ComputeHash("AS64500", nil, nil, []string{"192.0.2.0/24"}, nil),
		"v4 and v6 must not be interchangeable")
}

func TestComputeDeterministic(t *testing.T) {
	previous := snap(1, []string{"198.51.100.0/24", "192.0.2.0/24"}, []string{"2001:db8::/32"})
	current := snap(2, []string{"203.0.113.0/24", "192.0.2.0/24"}, nil)

	d1 := Compute(current, previous)
	d2 := Compute(current, previous)

	require.Equal(t, d1.DiffHash, d2.DiffHash)
	assert.Equal(t, d1.AddedV4, d2.AddedV4)
	assert.Equal(t, d1.RemovedV4, d2.RemovedV4)
}

func TestSummary(t *testing.T) {
	d := &model.Diff{
		Target:    "AS64500",
		AddedV4:   []string{"192.0.2.0/24", "203.0.113.0/24"},
		RemovedV6: []string{"2001:db8::/32"},
	}

	s := Summary(d)
	assert.Contains(t, s, "2 added IPv4")
	assert.Contains(t, s, "1 removed IPv6")
	assert.Contains(t, s, "AS64500")

	empty := Summary(&model.Diff{Target: "AS64500"})
	assert.Equal(t, "No changes detected for AS64500", empty)
}

func TestFormatHumanTruncatesLongSections(t *testing.T) {
	var added []string
	for i := 0; i < 15; i++ {
		added = append(added, "192.0.2.0/24")
	}
	d := &model.Diff{
		Target:     "AS64500",
		AddedV4:    added,
		HasChanges: true,
	}

	out := FormatHuman(d)
	assert.Contains(t, out, "Added IPv4 (15):")
	assert.Contains(t, out, "... and 5 more")
	assert.Equal(t, maxListed, strings.Count(out, "+ 192.0.2.0/24"))
}

func TestFormatHumanNoChanges(t *testing.T) {
	out := FormatHuman(&model.Diff{Target: "AS64500"})
	assert.Contains(t, out, "No changes detected")
}
