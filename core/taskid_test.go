package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID_Defaults(t *testing.T) {
	id := NewTaskID(7, nil)

	assert.Equal(t, 7, id.CreatorID)
	assert.Equal(t, KindExec, id.Kind)
	assert.Equal(t, 7, id.OwnerID)
	assert.Equal(t, DcBound, id.Boundness)
	assert.Equal(t, DefaultDatacenterID, id.DatacenterID)
	assert.Len(t, id.Suffix(), 19)
}

func TestTaskID_StringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   TaskID
	}{
		{"defaults", NewTaskID(1, nil)},
		{"mgmt unbound", NewTaskID(23, &TaskIDOptions{Kind: KindMgmt, Boundness: DcUnbound})},
		{"other owner", NewTaskID(5, &TaskIDOptions{OwnerID: 42})},
		{"other datacenter", NewTaskID(5, &TaskIDOptions{DatacenterID: 9})},
		{"internal", NewTaskID(1, &TaskIDOptions{Kind: KindInternal})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := ParseTaskID(tt.id.String())
			assert.Equal(t, tt.id.CreatorID, parsed.CreatorID)
			assert.Equal(t, tt.id.Kind, parsed.Kind)
			assert.Equal(t, tt.id.OwnerID, parsed.OwnerID)
			assert.Equal(t, tt.id.Boundness, parsed.Boundness)
			assert.Equal(t, tt.id.DatacenterID, parsed.DatacenterID)
			assert.Equal(t, tt.id.Suffix(), parsed.Suffix())
		})
	}
}

func TestTaskID_SuffixUnique(t *testing.T) {
	a := NewTaskID(1, nil)
	b := NewTaskID(1, nil)
	assert.NotEqual(t, a.String(), b.String())
}

func TestParseTaskID_PartialPrefix(t *testing.T) {
	// A bare creator id decodes with every component defaulted.
	id := ParseTaskID("14")
	assert.Equal(t, 14, id.CreatorID)
	assert.Equal(t, KindExec, id.Kind)
	assert.Equal(t, 14, id.OwnerID)
	assert.Equal(t, DcBound, id.Boundness)
	assert.Equal(t, DefaultDatacenterID, id.DatacenterID)
}

func TestParseTaskID_Garbage(t *testing.T) {
	id := ParseTaskID("not-a-task-id")
	assert.Equal(t, 0, id.CreatorID)
	assert.Equal(t, KindExec, id.Kind)
	assert.Equal(t, DefaultDatacenterID, id.DatacenterID)
}

func TestDummyTaskID(t *testing.T) {
	id := NewTaskID(3, &TaskIDOptions{Kind: KindDummy, Dummy: true})
	s := id.String()

	require.True(t, IsDummy(s))
	assert.Len(t, id.Suffix(), 19)
	// The hash fragment is deterministic per creator.
	other := NewTaskID(3, &TaskIDOptions{Kind: KindDummy, Dummy: true})
	assert.Equal(t, other.Suffix()[:8], id.Suffix()[:8])
	// Different creators hash differently.
	third := NewTaskID(4, &TaskIDOptions{Kind: KindDummy, Dummy: true})
	assert.NotEqual(t, third.Suffix()[:8], id.Suffix()[:8])
}

func TestIsDummy_NonDummy(t *testing.T) {
	id := NewTaskID(3, nil)
	assert.False(t, IsDummy(id.String()))
	assert.False(t, IsDummy("garbage"))
}

func TestDerive_FreshSuffix(t *testing.T) {
	src := NewTaskID(8, nil)
	d := src.Derive(DeriveOptions{Kind: KindMgmt})

	assert.Equal(t, src.CreatorID, d.CreatorID)
	assert.Equal(t, KindMgmt, d.Kind)
	assert.NotEqual(t, src.Suffix(), d.Suffix())
}

func TestDerive_KeepSuffix(t *testing.T) {
	src := NewTaskID(8, nil)
	d := src.Derive(DeriveOptions{OwnerID: 99, KeepSuffix: true})

	assert.Equal(t, 99, d.OwnerID)
	assert.Equal(t, src.Suffix(), d.Suffix())
	// Same unit of work, re-attributed: only the prefix differs.
	assert.NotEqual(t, src.String(), d.String())
	assert.Equal(t, strings.SplitN(src.String(), "-", 2)[1], strings.SplitN(d.String(), "-", 2)[1])
}

func TestTaskType(t *testing.T) {
	tests := []struct {
		opts *TaskIDOptions
		want string
	}{
		{nil, "exec"},
		{&TaskIDOptions{Kind: KindMgmt, Boundness: DcUnbound}, "mgmt-unbound"},
		{&TaskIDOptions{Kind: KindAuto}, "auto"},
		{&TaskIDOptions{Kind: KindInternal, Boundness: DcUnbound}, "internal-unbound"},
	}
	for _, tt := range tests {
		id := NewTaskID(1, tt.opts)
		assert.Equal(t, tt.want, id.TaskType())
	}
}
