// Package tasklog provides the append-only record of task outcomes: a
// durable, queryable store for history and reporting, mirrored into a
// bounded per-(owner, datacenter) cache for fast "last N actions" display.
package tasklog

import (
	"strings"
	"time"

	"github.com/danubecloud/que/core"
)

// Flag is a coarse classification of what a task did, derived once at write
// time from the leading words of its message.
type Flag string

const (
	FlagCreate Flag = "create"
	FlagUpdate Flag = "update"
	FlagDelete Flag = "delete"
	FlagRemote Flag = "remote"
	FlagOther  Flag = "other"
)

// flagPrefixes maps message prefixes to flags. Deliberately simple and
// brittle: call sites keep their messages starting with these verbs instead
// of passing an explicit category everywhere.
var flagPrefixes = []struct {
	prefix string
	flag   Flag
}{
	{"Update", FlagUpdate},
	{"Rollback", FlagUpdate},
	{"Restore", FlagUpdate},
	{"Revert", FlagUpdate},
	{"Add", FlagCreate},
	{"Create", FlagCreate},
	{"Recreate", FlagCreate},
	{"Import", FlagCreate},
	{"Remove", FlagDelete},
	{"Delete", FlagDelete},
	{"Invalid", FlagDelete},
	{"Remote", FlagRemote},
}

// ClassifyMessage derives the flag from a human-readable task message.
func ClassifyMessage(msg string) Flag {
	for _, p := range flagPrefixes {
		if strings.HasPrefix(msg, p.prefix) {
			return p.flag
		}
	}
	return FlagOther
}

// Entry is one durable task log record. Entries are created at terminal
// state and never mutated.
type Entry struct {
	TaskID   string          `json:"task_id"`
	Time     time.Time       `json:"time"`
	Status   core.TaskStatus `json:"status"`
	TaskType string          `json:"task_type"`
	Flag     Flag            `json:"flag"`

	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	OwnerID  int    `json:"owner_id"`

	ObjectType  string `json:"object_type"`
	ObjectName  string `json:"object_name"`
	ObjectAlias string `json:"object_alias"`
	ObjectPK    string `json:"object_pk"`

	DatacenterID int `json:"dc_id"`

	Message string `json:"msg"`
	Detail  string `json:"detail"`
}

// RecentEntry is the trimmed copy pushed onto the recent-history caches
// and returned by Recent.
// Internal ids and free-text detail stay out of the cached view.
type RecentEntry struct {
	TaskID      string          `json:"task_id"`
	Time        time.Time       `json:"time"`
	Status      core.TaskStatus `json:"status"`
	TaskType    string          `json:"task_type"`
	Flag        Flag            `json:"flag"`
	Username    string          `json:"username"`
	ObjectType  string          `json:"object_type"`
	ObjectName  string          `json:"object_name"`
	ObjectAlias string          `json:"object_alias"`
	Message     string          `json:"msg"`
}

func (e *Entry) trimmed() RecentEntry {
	return RecentEntry{
		TaskID:      e.TaskID,
		Time:        e.Time,
		Status:      e.Status,
		TaskType:    e.TaskType,
		Flag:        e.Flag,
		Username:    e.Username,
		ObjectType:  e.ObjectType,
		ObjectName:  e.ObjectName,
		ObjectAlias: e.ObjectAlias,
		Message:     e.Message,
	}
}
