package cluster

import (
	"time"

	"github.com/hapulse/hapulse/pkg/hostname"
	"github.com/hapulse/hapulse/pkg/wire"
)

// NodeState is a node's role as last reported by the node itself.
type NodeState int32

const (
	StateUnknown NodeState = iota
	StateSlave
	StateToBeMaster
	StateToBeSlave
	StateMaster
	StateReplica
)

func (s NodeState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSlave:
		return "slave"
	case StateToBeMaster:
		return "to-be-master"
	case StateToBeSlave:
		return "to-be-slave"
	case StateMaster:
		return "master"
	case StateReplica:
		return "replica"
	default:
		return "invalid"
	}
}

// MarshalText encodes the state by name for JSON output.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseNodeState maps a state name back to its value. Unrecognized names
// (including "") parse as StateUnknown.
func ParseNodeState(s string) NodeState {
	for v := StateUnknown; v <= StateReplica; v++ {
		if v.String() == s {
			return v
		}
	}
	return StateUnknown
}

// Priority orders the configured nodes. Lower is more preferred.
type Priority uint16

const (
	// HighestPriority is assigned to the first configured node; subsequent
	// nodes count up from it.
	HighestPriority Priority = 1

	// ReplicaPriority marks any replica node.
	ReplicaPriority Priority = 0xFFFF
)

// NodeEntry is a configured peer. All fields except Hostname and Priority are
// runtime state owned by the cluster and mutated under its mutex.
type NodeEntry struct {
	Hostname hostname.Name
	Priority Priority

	State        NodeState
	Score        int16
	HeartbeatGap int16

	// LastHeard is the arrival time of the most recent valid heartbeat from
	// this peer. The zero value means none was ever received.
	LastHeard time.Time
}

// NewNodeEntry returns an entry in the initial (never heard from) state.
func NewNodeEntry(host hostname.Name, priority Priority) *NodeEntry {
	return &NodeEntry{
		Hostname: host,
		Priority: priority,
		State:    StateUnknown,
	}
}

// HeardFrom reports whether a heartbeat was ever received from this peer.
func (n *NodeEntry) HeardFrom() bool {
	return !n.LastHeard.IsZero()
}

func (n *NodeEntry) PackedSize(offset int) int {
	size := n.Hostname.PackedSize(offset)
	size += wire.SizeShort(offset + size)
	size += wire.SizeInt(offset + size)
	return size
}

func (n *NodeEntry) Pack(p *wire.Packer) {
	n.Hostname.Pack(p)
	p.PackShort(uint16(n.Priority))
	p.PackInt(int32(n.State))
}

func (n *NodeEntry) Unpack(u *wire.Unpacker) error {
	if err := n.Hostname.Unpack(u); err != nil {
		return err
	}
	prio, err := u.Short()
	if err != nil {
		return err
	}
	n.Priority = Priority(prio)
	state, err := u.Int()
	if err != nil {
		return err
	}
	n.State = NodeState(state)
	return nil
}
