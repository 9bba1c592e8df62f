package tasklog

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danubecloud/que/core"
)

func TestBuildWhere_NonStaffScope(t *testing.T) {
	where, args := buildWhere(Filter{RequesterID: 7, DatacenterID: 2})

	assert.Equal(t, " WHERE dc_id = $1 AND owner_id = $2", where)
	assert.Equal(t, []interface{}{2, 7}, args)
}

func TestBuildWhere_StaffInDefaultDatacenterSeesUnbound(t *testing.T) {
	where, args := buildWhere(Filter{Staff: true, DatacenterID: 1, InDefaultDatacenter: true})

	assert.Equal(t, " WHERE (dc_id = $1 OR task_type LIKE '%-unbound')", where)
	assert.Equal(t, []interface{}{1}, args)
}

func TestBuildWhere_StaffOutsideDefaultDatacenter(t *testing.T) {
	where, args := buildWhere(Filter{Staff: true, DatacenterID: 3})

	assert.Equal(t, " WHERE dc_id = $1", where)
	assert.Equal(t, []interface{}{3}, args)
}

func TestBuildWhere_Selection(t *testing.T) {
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildWhere(Filter{
		Staff:        true,
		DatacenterID: 1,
		Status:       core.StatusFailure,
		ObjectType:   "vm",
		Since:        since,
	})

	assert.Equal(t, " WHERE dc_id = $1 AND status = $2 AND object_type = $3 AND time >= $4", where)
	assert.Equal(t, []interface{}{1, "failure", "vm", since}, args)
}

func TestBuildWhere_Empty(t *testing.T) {
	where, args := buildWhere(Filter{Staff: true})
	assert.Equal(t, "", where)
	assert.Nil(t, args)
}

// testDB opens the database named by QUE_TEST_DATABASE_URL, skipping the
// test when unset.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("QUE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("QUE_TEST_DATABASE_URL not set, skipping Postgres integration test")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresStore_AppendAndQuery(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	store := NewPostgresStore(db, &core.NoOpLogger{})
	require.NoError(t, store.EnsureSchema(ctx))
	_, err := db.ExecContext(ctx, "DELETE FROM task_log")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	entries := []*Entry{
		{TaskID: core.NewTaskID(7, nil).String(), Time: now.Add(-2 * time.Hour), Status: core.StatusSuccess,
			TaskType: "exec", Flag: FlagCreate, UserID: 7, OwnerID: 7, DatacenterID: 1, Message: "Create server"},
		{TaskID: core.NewTaskID(7, nil).String(), Time: now.Add(-time.Hour), Status: core.StatusFailure,
			TaskType: "exec", Flag: FlagUpdate, UserID: 7, OwnerID: 7, DatacenterID: 1, Message: "Update server"},
		{TaskID: core.NewTaskID(8, nil).String(), Time: now, Status: core.StatusSuccess,
			TaskType: "mgmt-unbound", Flag: FlagOther, UserID: 8, OwnerID: 8, DatacenterID: 2, Message: "Cleanup"},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}

	// Non-staff user 7 in dc 1: sees only their own two entries, newest first.
	page, err := store.Query(ctx, Filter{RequesterID: 7, DatacenterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "Update server", page.Entries[0].Message)

	// Staff in the default datacenter also see the unbound entry from dc 2.
	page, err = store.Query(ctx, Filter{Staff: true, DatacenterID: 1, InDefaultDatacenter: true})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	// Status selection.
	page, err = store.Query(ctx, Filter{Staff: true, DatacenterID: 1, Status: core.StatusFailure})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	// Pagination.
	page, err = store.Query(ctx, Filter{Staff: true, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Entries, 2)
}
