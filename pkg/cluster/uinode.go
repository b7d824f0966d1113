package cluster

import (
	"net/netip"
	"time"

	"github.com/hapulse/hapulse/pkg/hostname"
)

const (
	// UINodeCacheTime is a re-notification interval for a rejected sender,
	// exposed for operator tooling. Nothing in this package reads it; the
	// cluster notifies once per unidentified-node entry (see EventSink).
	UINodeCacheTime = 60 * time.Second

	// UINodeCleanupTime is the age past which CleanupUINodes drops an entry.
	UINodeCleanupTime = 3600 * time.Second

	// maxUINodes bounds the unidentified-node table so a hostile network
	// cannot exhaust memory; inserts past the cap evict the stalest entry.
	maxUINodes = 1024
)

// ValidationResult classifies an inbound heartbeat sender.
type ValidationResult int

const (
	ValidNode ValidationResult = iota
	UnidentifiedNode
	GroupMismatch
	IPMismatch
	Unresolvable
)

func (r ValidationResult) String() string {
	switch r {
	case ValidNode:
		return "valid"
	case UnidentifiedNode:
		return "unidentified"
	case GroupMismatch:
		return "group-mismatch"
	case IPMismatch:
		return "ip-mismatch"
	case Unresolvable:
		return "unresolvable"
	default:
		return "invalid"
	}
}

// MarshalText encodes the result by name for JSON output.
func (r ValidationResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UINode records a sender whose heartbeat failed validation. Entries are
// keyed by (hostname, group, source address); receiving the same rejected
// heartbeat again refreshes LastReceived instead of inserting a duplicate.
type UINode struct {
	Hostname     hostname.Name
	GroupID      string
	Addr         netip.Addr
	LastReceived time.Time
	Result       ValidationResult
}

func (n *UINode) matches(host hostname.Name, groupID string, addr netip.Addr) bool {
	return n.Hostname.Equal(host) && n.GroupID == groupID && n.Addr == addr
}
