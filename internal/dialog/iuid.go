package dialog

import "fmt"

// IUID is the Internal Unique Identity: a (shard, counter) pair assigned at
// insert time. HashEntry identifies the owning table shard; HashID is the
// monotonically increasing per-shard counter value assigned to this dialog.
type IUID struct {
	HashEntry uint32
	HashID    uint64
}

// String renders the IUID in the "entry.id" form used as the Record-Route
// parameter value and in RPC responses.
func (u IUID) String() string {
	return fmt.Sprintf("%d.%d", u.HashEntry, u.HashID)
}

// IsZero reports whether this IUID was never assigned.
func (u IUID) IsZero() bool {
	return u.HashEntry == 0 && u.HashID == 0
}

// ParseIUID parses the "entry.id" form produced by String.
func ParseIUID(s string) (IUID, error) {
	var entry uint32
	var id uint64
	n, err := fmt.Sscanf(s, "%d.%d", &entry, &id)
	if err != nil || n != 2 {
		return IUID{}, NewError(KindInvalid, "ParseIUID", "malformed iuid: "+s, err)
	}
	return IUID{HashEntry: entry, HashID: id}, nil
}
