package cluster

import (
	"github.com/hapulse/hapulse/pkg/hostname"
)

// EventSink receives notable cluster events for operator visibility. Sinks
// are invoked outside the cluster mutex and must not call back into mutating
// cluster methods.
type EventSink interface {
	// NodeStateChanged fires when a valid heartbeat reports a different role
	// than the one on record for the peer.
	NodeStateChanged(host hostname.Name, from, to NodeState)

	// UnidentifiedSender fires when a rejected sender is first recorded in
	// the unidentified-node table. Refreshes of an existing entry do not
	// fire; at most one notification per sender per entry lifetime.
	UnidentifiedSender(n UINode)
}
