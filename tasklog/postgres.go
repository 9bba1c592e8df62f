// Postgres-backed durable task log store. Uses database/sql with the pgx
// stdlib driver registered by the composition root:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", databaseURL)
package tasklog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/danubecloud/que/core"
)

// Schema is the DDL for the task log table. Applied by EnsureSchema and by
// deployment migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS task_log (
	id            BIGSERIAL PRIMARY KEY,
	task_id       TEXT        NOT NULL,
	time          TIMESTAMPTZ NOT NULL,
	status        TEXT        NOT NULL,
	task_type     TEXT        NOT NULL,
	flag          TEXT        NOT NULL,
	user_id       INTEGER     NOT NULL,
	username      TEXT        NOT NULL DEFAULT '',
	owner_id      INTEGER     NOT NULL,
	object_type   TEXT        NOT NULL DEFAULT '',
	object_name   TEXT        NOT NULL DEFAULT '',
	object_alias  TEXT        NOT NULL DEFAULT '',
	object_pk     TEXT        NOT NULL DEFAULT '',
	dc_id         INTEGER     NOT NULL,
	msg           TEXT        NOT NULL DEFAULT '',
	detail        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS task_log_owner_time_idx ON task_log (owner_id, time DESC);
CREATE INDEX IF NOT EXISTS task_log_dc_time_idx ON task_log (dc_id, time DESC);
CREATE INDEX IF NOT EXISTS task_log_task_id_idx ON task_log (task_id);
`

// DBTX is the subset of *sql.DB / *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements DurableStore over PostgreSQL.
type PostgresStore struct {
	db     DBTX
	logger core.Logger
}

// NewPostgresStore creates a Postgres-backed durable task log store.
func NewPostgresStore(db DBTX, logger core.Logger) *PostgresStore {
	s := &PostgresStore{db: db, logger: logger}
	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("que/tasklog")
		}
	}
	return s
}

// EnsureSchema applies the task log DDL. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply task log schema: %w", err)
	}
	return nil
}

// Append inserts one entry.
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO task_log (
			task_id, time, status, task_type, flag,
			user_id, username, owner_id,
			object_type, object_name, object_alias, object_pk,
			dc_id, msg, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.TaskID,
		entry.Time,
		string(entry.Status),
		entry.TaskType,
		string(entry.Flag),
		entry.UserID,
		entry.Username,
		entry.OwnerID,
		entry.ObjectType,
		entry.ObjectName,
		entry.ObjectAlias,
		entry.ObjectPK,
		entry.DatacenterID,
		entry.Message,
		entry.Detail,
	)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorWithContext(ctx, "Failed to insert task log entry", map[string]interface{}{
				"task_id": entry.TaskID,
				"error":   err.Error(),
			})
		}
		return fmt.Errorf("failed to insert task log entry: %w", err)
	}

	return nil
}

// Query runs a filtered, permission-scoped, paginated query.
func (s *PostgresStore) Query(ctx context.Context, filter Filter) (*Page, error) {
	where, args := buildWhere(filter)

	countQuery := "SELECT COUNT(*) FROM task_log" + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count task log entries: %w", err)
	}

	order := " ORDER BY time DESC, id DESC"
	if filter.Ascending {
		order = " ORDER BY time ASC, id ASC"
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := `
		SELECT task_id, time, status, task_type, flag,
			user_id, username, owner_id,
			object_type, object_name, object_alias, object_pk,
			dc_id, msg, detail
		FROM task_log` + where + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, pageSize, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task log: %w", err)
	}
	defer rows.Close()

	page := &Page{Total: total}
	for rows.Next() {
		var e Entry
		var status, flag string
		if err := rows.Scan(
			&e.TaskID, &e.Time, &status, &e.TaskType, &flag,
			&e.UserID, &e.Username, &e.OwnerID,
			&e.ObjectType, &e.ObjectName, &e.ObjectAlias, &e.ObjectPK,
			&e.DatacenterID, &e.Message, &e.Detail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task log entry: %w", err)
		}
		e.Status = core.TaskStatus(status)
		e.Flag = Flag(flag)
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task log rows: %w", err)
	}

	return page, nil
}

// buildWhere assembles the WHERE clause from the filter's selection and
// permission scope. Staff in the default datacenter also see
// datacenter-unbound entries from any datacenter; everyone else is pinned
// to their current datacenter; non-staff are further pinned to entries
// they own.
func buildWhere(filter Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.DatacenterID > 0 {
		if filter.Staff && filter.InDefaultDatacenter {
			conds = append(conds, fmt.Sprintf("(dc_id = %s OR task_type LIKE '%%-unbound')", arg(filter.DatacenterID)))
		} else {
			conds = append(conds, "dc_id = "+arg(filter.DatacenterID))
		}
	}
	if !filter.Staff {
		conds = append(conds, "owner_id = "+arg(filter.RequesterID))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(string(filter.Status)))
	}
	if filter.ObjectType != "" {
		conds = append(conds, "object_type = "+arg(filter.ObjectType))
	}
	if filter.ObjectName != "" {
		conds = append(conds, "object_name = "+arg(filter.ObjectName))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "time >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "time < "+arg(filter.Until))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
