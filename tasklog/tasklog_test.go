package tasklog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danubecloud/que/core"
)

// fakeDurable records appends in memory.
type fakeDurable struct {
	entries []Entry
	fail    bool
}

func (f *fakeDurable) Append(ctx context.Context, entry *Entry) error {
	if f.fail {
		return fmt.Errorf("durable store down")
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeDurable) Query(ctx context.Context, filter Filter) (*Page, error) {
	return &Page{Entries: f.entries, Total: len(f.entries)}, nil
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want Flag
	}{
		{"Create server snapshot", FlagCreate},
		{"Add DNS record", FlagCreate},
		{"Recreate server disk", FlagCreate},
		{"Import server image", FlagCreate},
		{"Update server definition", FlagUpdate},
		{"Rollback server snapshot", FlagUpdate},
		{"Restore server from backup", FlagUpdate},
		{"Revert network settings", FlagUpdate},
		{"Delete server snapshot", FlagDelete},
		{"Remove DNS record", FlagDelete},
		{"Invalid replication state", FlagDelete},
		{"Remote console session", FlagRemote},
		{"Start server", FlagOther},
		{"", FlagOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyMessage(tt.msg), "message %q", tt.msg)
	}
}

func TestAppend_DurableAndCaches(t *testing.T) {
	durable := &fakeDurable{}
	cache := core.NewMemoryStore()
	tl := New(durable, cache, &Config{RecentLimit: 10, StaffOwnerID: 1})
	ctx := context.Background()

	entry := &Entry{
		TaskID:       core.NewTaskID(7, nil).String(),
		Status:       core.StatusSuccess,
		TaskType:     "exec",
		UserID:       7,
		OwnerID:      7,
		DatacenterID: 2,
		Message:      "Create server snapshot",
	}
	require.NoError(t, tl.Append(ctx, entry))

	// Derived fields were filled in.
	require.Len(t, durable.entries, 1)
	assert.Equal(t, FlagCreate, durable.entries[0].Flag)
	assert.False(t, durable.entries[0].Time.IsZero())

	// Owner list and the staff mirror both got the trimmed copy.
	own, err := tl.Recent(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, entry.TaskID, own[0].TaskID)
	assert.Equal(t, "Create server snapshot", own[0].Message)

	staff, err := tl.Recent(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, staff, 1)

	// Other datacenters are unaffected.
	other, err := tl.Recent(ctx, 7, 1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAppend_StaffOwnerNotDuplicated(t *testing.T) {
	cache := core.NewMemoryStore()
	tl := New(&fakeDurable{}, cache, &Config{RecentLimit: 10, StaffOwnerID: 1})
	ctx := context.Background()

	require.NoError(t, tl.Append(ctx, &Entry{
		TaskID:       core.NewTaskID(1, nil).String(),
		Status:       core.StatusSuccess,
		OwnerID:      1,
		DatacenterID: 1,
		Message:      "Update dns domain",
	}))

	staff, err := tl.Recent(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, staff, 1)
}

func TestAppend_DurableFailureAborts(t *testing.T) {
	cache := core.NewMemoryStore()
	tl := New(&fakeDurable{fail: true}, cache, nil)

	err := tl.Append(context.Background(), &Entry{
		TaskID:       core.NewTaskID(7, nil).String(),
		OwnerID:      7,
		DatacenterID: 1,
	})
	require.Error(t, err)

	// Nothing was cached for a failed durable write.
	recent, rerr := tl.Recent(context.Background(), 7, 1)
	require.NoError(t, rerr)
	assert.Empty(t, recent)
}

func TestRecent_BoundedEviction(t *testing.T) {
	cache := core.NewMemoryStore()
	tl := New(&fakeDurable{}, cache, &Config{RecentLimit: 3, StaffOwnerID: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tl.Append(ctx, &Entry{
			TaskID:       core.NewTaskID(7, nil).String(),
			Status:       core.StatusSuccess,
			OwnerID:      7,
			DatacenterID: 1,
			Message:      fmt.Sprintf("Update server %d", i),
		}))
	}

	recent, err := tl.Recent(ctx, 7, 1)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// Newest first, oldest evicted.
	assert.Equal(t, "Update server 4", recent[0].Message)
	assert.Equal(t, "Update server 2", recent[2].Message)
}

func TestRecent_SkipsMalformed(t *testing.T) {
	cache := core.NewMemoryStore()
	tl := New(&fakeDurable{}, cache, &Config{RecentLimit: 10, StaffOwnerID: 1})
	ctx := context.Background()

	require.NoError(t, tl.Append(ctx, &Entry{
		TaskID:       core.NewTaskID(7, nil).String(),
		Status:       core.StatusSuccess,
		OwnerID:      7,
		DatacenterID: 1,
		Message:      "Update server",
	}))
	require.NoError(t, cache.LPush(ctx, "tasklog:recent:7:1", "{not json"))

	recent, err := tl.Recent(ctx, 7, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecent_EmptyCache(t *testing.T) {
	tl := New(&fakeDurable{}, core.NewMemoryStore(), nil)

	recent, err := tl.Recent(context.Background(), 42, 1)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
