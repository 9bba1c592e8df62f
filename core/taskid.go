package core

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TaskKind is the single-character task kind multiplexed into a task id.
type TaskKind byte

const (
	// KindDummy marks synthetic identifiers for operations reported
	// synchronously - nothing is ever queued under them.
	KindDummy TaskKind = 'd'
	// KindExec is a user-initiated remote operation (the default).
	KindExec TaskKind = 'e'
	// KindAuto is a system-scheduled operation (periodic jobs).
	KindAuto TaskKind = 'a'
	// KindMgmt is a management-node operation.
	KindMgmt TaskKind = 'm'
	// KindInternal is framework housekeeping invisible to users.
	KindInternal TaskKind = 'i'
	// KindError marks identifiers minted for failure reporting.
	KindError TaskKind = 'f'
)

// Valid reports whether k is one of the defined kind characters.
func (k TaskKind) Valid() bool {
	switch k {
	case KindDummy, KindExec, KindAuto, KindMgmt, KindInternal, KindError:
		return true
	}
	return false
}

// Boundness is the datacenter-scoping character of a task id.
type Boundness byte

const (
	// DcBound scopes the task to the datacenter in its prefix.
	DcBound Boundness = 'd'
	// DcUnbound marks tasks that apply across datacenter boundaries.
	DcUnbound Boundness = 'u'
)

// Valid reports whether b is a defined boundness character.
func (b Boundness) Valid() bool {
	return b == DcBound || b == DcUnbound
}

// DefaultDatacenterID is the system default datacenter used when a task id
// carries no explicit datacenter component.
const DefaultDatacenterID = 1

const (
	suffixLen    = 19
	dummyHashLen = 8
)

// TaskID is the decoded form of a task identifier. The prefix fields are
// stable and derivable without any store lookup; the suffix is opaque and
// only guarantees queue-level uniqueness.
//
// Wire format: <creator><kind><owner><boundness><datacenter>-<suffix>
// e.g. "7e23d1-0f8b2c9a1d4e6f071" (creator 7, exec, owner 23, dc-bound, dc 1).
// The format is consumed by HTTP clients polling task status and must
// remain stable.
type TaskID struct {
	CreatorID    int
	Kind         TaskKind
	OwnerID      int
	Boundness    Boundness
	DatacenterID int

	suffix string
}

// TaskIDOptions configures NewTaskID. The zero value yields an exec-kind,
// dc-bound identifier in the default datacenter, owned by its creator.
type TaskIDOptions struct {
	// OwnerID is the account the task is attributed to. 0 means the creator.
	OwnerID int

	// Kind selects the task kind character. Zero means KindExec.
	Kind TaskKind

	// Boundness selects datacenter scoping. Zero means DcBound.
	Boundness Boundness

	// DatacenterID selects the datacenter component. 0 means the default.
	DatacenterID int

	// Dummy produces a deterministic suffix derived from the creator id,
	// recognizable via IsDummy without any lookup.
	Dummy bool
}

// NewTaskID builds a fresh task identifier for creatorID.
func NewTaskID(creatorID int, opts *TaskIDOptions) TaskID {
	if opts == nil {
		opts = &TaskIDOptions{}
	}

	t := TaskID{
		CreatorID:    creatorID,
		Kind:         opts.Kind,
		OwnerID:      opts.OwnerID,
		Boundness:    opts.Boundness,
		DatacenterID: opts.DatacenterID,
	}

	// Apply defaults for unset values
	if !t.Kind.Valid() {
		t.Kind = KindExec
	}
	if t.OwnerID == 0 {
		t.OwnerID = creatorID
	}
	if !t.Boundness.Valid() {
		t.Boundness = DcBound
	}
	if t.DatacenterID == 0 {
		t.DatacenterID = DefaultDatacenterID
	}

	t.suffix = newSuffix(creatorID, opts.Dummy)

	return t
}

// newSuffix produces the opaque suffix: a slice of a fresh random UUID, or,
// for dummy ids, the creator hash fragment spliced over its head.
func newSuffix(creatorID int, dummy bool) string {
	u := strings.ReplaceAll(uuid.New().String(), "-", "")
	if dummy {
		return dummyHash(creatorID) + u[dummyHashLen:suffixLen]
	}
	return u[:suffixLen]
}

// dummyHash returns the deterministic fragment identifying dummy task ids
// minted for creatorID.
func dummyHash(creatorID int) string {
	sum := sha1.Sum([]byte(strconv.Itoa(creatorID)))
	return hex.EncodeToString(sum[:])[:dummyHashLen]
}

// String serializes the identifier into its wire format.
func (t TaskID) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(t.CreatorID))
	b.WriteByte(byte(t.Kind))
	b.WriteString(strconv.Itoa(t.OwnerID))
	b.WriteByte(byte(t.Boundness))
	b.WriteString(strconv.Itoa(t.DatacenterID))
	b.WriteByte('-')
	b.WriteString(t.suffix)
	return b.String()
}

// Suffix returns the opaque uniqueness suffix.
func (t TaskID) Suffix() string {
	return t.suffix
}

// TaskType combines the kind and boundness components into the type tag
// recorded in task log entries (e.g. "exec", "mgmt-unbound").
func (t TaskID) TaskType() string {
	var kind string
	switch t.Kind {
	case KindDummy:
		kind = "dummy"
	case KindAuto:
		kind = "auto"
	case KindMgmt:
		kind = "mgmt"
	case KindInternal:
		kind = "internal"
	case KindError:
		kind = "error"
	default:
		kind = "exec"
	}
	if t.Boundness == DcUnbound {
		return kind + "-unbound"
	}
	return kind
}

// DeriveOptions selects the prefix fields a derived identifier overrides.
// Zero-valued fields are inherited from the source identifier.
type DeriveOptions struct {
	OwnerID      int
	Kind         TaskKind
	Boundness    Boundness
	DatacenterID int

	// KeepSuffix preserves the source suffix so the derived identifier still
	// addresses the same already-submitted unit of work (re-attributing an
	// in-flight task). Leave false when minting a distinct task that merely
	// shares lineage.
	KeepSuffix bool
}

// Derive copies the identifier, replacing the overridden prefix fields and,
// unless KeepSuffix is set, minting a fresh suffix.
func (t TaskID) Derive(opts DeriveOptions) TaskID {
	d := t
	if opts.OwnerID != 0 {
		d.OwnerID = opts.OwnerID
	}
	if opts.Kind.Valid() {
		d.Kind = opts.Kind
	}
	if opts.Boundness.Valid() {
		d.Boundness = opts.Boundness
	}
	if opts.DatacenterID != 0 {
		d.DatacenterID = opts.DatacenterID
	}
	if !opts.KeepSuffix {
		d.suffix = newSuffix(d.CreatorID, false)
	}
	return d
}

// ParseTaskID decodes the prefix components of a task identifier.
//
// Parsing is deliberately lenient: identifiers flow through loosely-typed
// transports (log lines, free-text fields) and a partial prefix must not
// crash the consumer. Missing trailing components default to kind=exec,
// owner=creator, dc-bound, default datacenter. A completely unparseable
// string decodes to the zero creator with defaults applied.
func ParseTaskID(s string) TaskID {
	t := TaskID{
		Kind:         KindExec,
		Boundness:    DcBound,
		DatacenterID: DefaultDatacenterID,
	}

	prefix := s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		prefix = s[:i]
		t.suffix = s[i+1:]
	}

	runs := splitRuns(prefix)

	if len(runs) > 0 {
		t.CreatorID, _ = strconv.Atoi(runs[0])
	}
	t.OwnerID = t.CreatorID
	if len(runs) > 1 && len(runs[1]) == 1 && TaskKind(runs[1][0]).Valid() {
		t.Kind = TaskKind(runs[1][0])
	}
	if len(runs) > 2 {
		if n, err := strconv.Atoi(runs[2]); err == nil {
			t.OwnerID = n
		}
	}
	if len(runs) > 3 && len(runs[3]) == 1 && Boundness(runs[3][0]).Valid() {
		t.Boundness = Boundness(runs[3][0])
	}
	if len(runs) > 4 {
		if n, err := strconv.Atoi(runs[4]); err == nil && n > 0 {
			t.DatacenterID = n
		}
	}

	return t
}

// splitRuns cuts a prefix into its alternating numeric/alphabetic runs.
func splitRuns(s string) []string {
	var runs []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || isDigit(s[i]) != isDigit(s[i-1]) {
			runs = append(runs, s[start:i])
			start = i
		}
	}
	return runs
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// IsDummy reports whether s encodes a dummy (never-queued) task identifier.
// It recomputes the expected hash fragment from the parsed creator id and
// compares it against the head of the suffix. Malformed input returns false.
func IsDummy(s string) bool {
	t := ParseTaskID(s)
	if len(t.suffix) < dummyHashLen {
		return false
	}
	return t.suffix[:dummyHashLen] == dummyHash(t.CreatorID)
}
