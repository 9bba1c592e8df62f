package tasklog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/danubecloud/que/core"
)

const recentKeyPrefix = "tasklog:recent:"

// DurableStore is the backing store for the append-only task log.
// PostgresStore is the production implementation.
type DurableStore interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) (*Page, error)
}

// Config configures the TaskLog.
type Config struct {
	// RecentLimit caps each recent-history list. Default: 100.
	RecentLimit int

	// StaffOwnerID is the pseudo-owner whose lists mirror all activity in
	// a datacenter, giving staff a datacenter-wide recent view. Default: 1.
	StaffOwnerID int

	// Logger is an optional logger.
	Logger core.Logger
}

// TaskLog writes terminal task outcomes to the durable store and mirrors a
// trimmed copy into the bounded recent caches.
type TaskLog struct {
	durable DurableStore
	cache   core.CoordinationStore
	config  Config
	logger  core.Logger
}

// New creates a TaskLog. durable may be nil in test or cache-only embeds;
// Append then only feeds the recent caches.
func New(durable DurableStore, cache core.CoordinationStore, config *Config) *TaskLog {
	if config == nil {
		config = &Config{}
	}

	// Apply defaults for unset values
	if config.RecentLimit <= 0 {
		config.RecentLimit = 100
	}
	if config.StaffOwnerID <= 0 {
		config.StaffOwnerID = 1
	}

	t := &TaskLog{
		durable: durable,
		cache:   cache,
		config:  *config,
		logger:  config.Logger,
	}

	if t.logger != nil {
		if cal, ok := t.logger.(core.ComponentAwareLogger); ok {
			t.logger = cal.WithComponent("que/tasklog")
		}
	}

	return t
}

func recentKey(ownerID, datacenterID int) string {
	return recentKeyPrefix + strconv.Itoa(ownerID) + ":" + strconv.Itoa(datacenterID)
}

// Append records one terminal task outcome. The flag is derived from the
// message when unset. The durable write is mandatory; the cache pushes are
// best-effort (a lost cache entry only degrades the recent list display).
func (t *TaskLog) Append(ctx context.Context, entry *Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	if entry.Flag == "" {
		entry.Flag = ClassifyMessage(entry.Message)
	}

	if t.durable != nil {
		if err := t.durable.Append(ctx, entry); err != nil {
			return fmt.Errorf("tasklog.Append %s: %w", entry.TaskID, err)
		}
	}

	data, err := json.Marshal(entry.trimmed())
	if err != nil {
		return fmt.Errorf("tasklog.Append %s: %w", entry.TaskID, err)
	}

	t.pushRecent(ctx, recentKey(entry.OwnerID, entry.DatacenterID), string(data))
	if entry.OwnerID != t.config.StaffOwnerID {
		t.pushRecent(ctx, recentKey(t.config.StaffOwnerID, entry.DatacenterID), string(data))
	}

	if t.logger != nil {
		t.logger.InfoWithContext(ctx, "Task logged", map[string]interface{}{
			"task_id": entry.TaskID,
			"status":  string(entry.Status),
			"flag":    string(entry.Flag),
		})
	}

	return nil
}

// pushRecent prepends the serialized entry and re-trims the list (FIFO
// eviction at the configured cap). Errors are logged, never returned.
func (t *TaskLog) pushRecent(ctx context.Context, key, data string) {
	if err := t.cache.LPush(ctx, key, data); err != nil {
		if t.logger != nil {
			t.logger.WarnWithContext(ctx, "Failed to push recent task log entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return
	}
	if err := t.cache.LTrim(ctx, key, 0, int64(t.config.RecentLimit-1)); err != nil && t.logger != nil {
		t.logger.WarnWithContext(ctx, "Failed to trim recent task log list", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Recent returns the cached recent list for (actorID, datacenterID), newest
// first. A cache miss returns an empty list: this path is deliberately
// cache-only and never falls back to the durable store. Malformed cached
// entries are skipped.
func (t *TaskLog) Recent(ctx context.Context, actorID, datacenterID int) ([]RecentEntry, error) {
	raw, err := t.cache.LRange(ctx, recentKey(actorID, datacenterID), 0, int64(t.config.RecentLimit-1))
	if err != nil {
		return nil, fmt.Errorf("tasklog.Recent: %w", err)
	}

	entries := make([]RecentEntry, 0, len(raw))
	for _, item := range raw {
		var e RecentEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			if t.logger != nil {
				t.logger.WarnWithContext(ctx, "Skipping malformed recent task log entry", map[string]interface{}{
					"error": err.Error(),
				})
			}
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Query runs a permission-scoped query against the durable store.
func (t *TaskLog) Query(ctx context.Context, filter Filter) (*Page, error) {
	if t.durable == nil {
		return &Page{}, nil
	}
	return t.durable.Query(ctx, filter)
}

// Filter selects and scopes durable task log queries.
type Filter struct {
	// Scope (who is asking)

	// RequesterID scopes non-staff requesters to entries they own.
	RequesterID int
	// Staff lifts the ownership scoping.
	Staff bool
	// DatacenterID scopes entries to the requester's current datacenter.
	DatacenterID int
	// InDefaultDatacenter additionally lets staff see datacenter-unbound
	// entries from any datacenter.
	InDefaultDatacenter bool

	// Selection

	Status     core.TaskStatus
	ObjectType string
	ObjectName string
	Since      time.Time
	Until      time.Time

	// Pagination / ordering

	PageSize int
	Offset   int
	// Ascending orders oldest-first; the default is newest-first.
	Ascending bool
}

// Page is one page of durable query results.
type Page struct {
	Entries []Entry
	Total   int
}
