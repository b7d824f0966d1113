package cluster

import (
	"strings"
	"time"

	"github.com/hapulse/hapulse/pkg/hostname"
)

// Params provides the configuration the cluster reads at Init and Reload.
// Getters are consulted live, so a reload picks up whatever the source
// currently holds.
type Params interface {
	// Port is the UDP port heartbeats are sent to and received on.
	Port() uint16

	// HeartbeatInterval is the fan-out period; a peer silent for longer than
	// this counts as not received in IsHeartbeatReceivedFromAll.
	HeartbeatInterval() time.Duration

	// StartupState is the role this node boots into (replica or slave).
	StartupState() NodeState

	// MasterHost names the node assumed to be master at startup, for
	// operator tooling; the cluster itself learns the master from election.
	MasterHost() string

	// NodeList is "group@host1,host2,…".
	NodeList() string

	// ReplicaList is the replica membership in the same format; the group
	// must match NodeList's.
	ReplicaList() string

	// PingHosts is a ":" or ","-separated list of reachability witnesses.
	PingHosts() string
}

// Transport delivers heartbeat datagrams. hbnet.Server is the production
// implementation; tests substitute an in-memory one.
type Transport interface {
	Start() error
	Stop()
	RemoteCall(dest hostname.Name, payload []byte) error
}

// parseNodeList splits "group@host1,host2" (":" also separates hosts) into
// the group id and the host list. Both are empty when the input has fewer
// than two tokens.
func parseNodeList(s string) (group string, hosts []string) {
	tokens := splitAny(s, "@:,")
	if len(tokens) < 2 {
		return "", nil
	}
	return tokens[0], tokens[1:]
}

// parsePingHosts splits a ":" or ","-separated host list.
func parsePingHosts(s string) []string {
	return splitAny(s, ":,")
}

func splitAny(s, delims string) []string {
	var tokens []string
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	}) {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}
