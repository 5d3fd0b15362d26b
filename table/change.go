package table

import "github.com/c360/espflow/event"

// ChangeKind says how a row changed.
type ChangeKind int

const (
	ChangeInserted ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
	ChangeEvicted
)

var changeKindNames = [...]string{"inserted", "updated", "deleted", "evicted"}

func (k ChangeKind) String() string {
	if k < 0 || int(k) >= len(changeKindNames) {
		return "unknown"
	}
	return changeKindNames[k]
}

// Change is one entry of the change log. Row is the full row after an insert
// or update and nil for deletions and evictions.
type Change struct {
	Version uint64
	Kind    ChangeKind
	Key     event.Key
	Row     event.Record
}
