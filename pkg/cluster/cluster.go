// Package cluster implements the heartbeat membership core: a statically
// configured set of peers exchanging UDP heartbeats so higher-level election
// logic can pick a master and avoid split-brain. The cluster tracks each
// peer's reported role and liveness, records rejected senders in a bounded
// side table, and optionally probes external ping hosts to detect local
// isolation.
package cluster

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hapulse/hapulse/pkg/hbnet"
	"github.com/hapulse/hapulse/pkg/hostname"
)

var (
	ErrNodeListEmpty        = errors.New("cluster: node list is empty")
	ErrSelfNotFound         = errors.New("cluster: local hostname not in node list")
	ErrReplicaInNodeList    = errors.New("cluster: replica node must only appear in the replica list")
	ErrReplicaGroupMismatch = errors.New("cluster: replica list group differs from node list group")
	ErrNoPingHost           = errors.New("cluster: no configured ping host is reachable")
	ErrMasterDropped        = errors.New("cluster: master host missing from new node list")
	ErrUnknownNode          = errors.New("cluster: host not in node list")
)

// Options configures a Cluster.
type Options struct {
	Params    Params
	Transport Transport
	Logger    zerolog.Logger

	// Prober checks ping hosts; nil means ExecProber.
	Prober Prober

	// Events, when non-nil, receives node events (see EventSink).
	Events EventSink

	// OnStateChange, when non-nil, is invoked (outside the cluster mutex)
	// whenever a valid heartbeat from a peer whose last reported state was
	// master reports a different state, so election scores can be
	// recomputed immediately.
	OnStateChange func()

	// LocalHostname overrides the OS hostname; tests use it to pin identity.
	LocalHostname hostname.Name
}

// Cluster is the shared membership state. It is not copyable; Reload restores
// fields individually when a re-initialization fails.
type Cluster struct {
	params        Params
	transport     Transport
	log           zerolog.Logger
	prober        Prober
	events        EventSink
	onStateChange func()
	localOverride hostname.Name

	metricsInit sync.Once
	metricsObj  clusterMetrics

	mu       sync.Mutex
	state    NodeState
	groupID  string
	hostname hostname.Name

	// nodes owns every entry; myself and master point into it and are
	// rebound or cleared on every mutation of the list.
	nodes  []*NodeEntry
	myself *NodeEntry
	master *NodeEntry

	shutdown         bool
	hideToDemote     bool
	isolated         bool
	pingCheckEnabled bool

	uiNodes   []*UINode
	pingHosts []*PingHost
}

// New creates a cluster from o. Init must be called before use.
func New(o Options) *Cluster {
	prober := o.Prober
	if prober == nil {
		prober = ExecProber{}
	}
	return &Cluster{
		params:        o.Params,
		transport:     o.Transport,
		log:           o.Logger,
		prober:        prober,
		events:        o.Events,
		onStateChange: o.OnStateChange,
		localOverride: o.LocalHostname,
	}
}

// Init reads the configuration, builds the node, replica and ping-host
// lists, verifies this host is a member and at least one ping host answers,
// then starts the transport.
func (c *Cluster) Init() error {
	c.mu.Lock()
	err := c.initLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.transport.Start()
}

func (c *Cluster) initLocked() error {
	if c.localOverride != "" {
		c.hostname = c.localOverride
	} else {
		h, err := hostname.Local()
		if err != nil {
			return fmt.Errorf("find local hostname: %w", err)
		}
		c.hostname = h
	}

	c.pingCheckEnabled = true

	if c.params.StartupState() == StateReplica {
		c.state = StateReplica
	} else {
		c.state = StateSlave
	}

	if err := c.initNodesLocked(); err != nil {
		return err
	}
	if c.state == StateReplica && c.myself != nil {
		return ErrReplicaInNodeList
	}
	if err := c.initReplicaNodesLocked(); err != nil {
		return err
	}

	if c.myself == nil {
		return ErrSelfNotFound
	}
	if len(c.nodes) == 0 {
		return ErrNodeListEmpty
	}

	c.initPingHostsLocked()
	if !c.checkValidPingHostLocked() {
		return ErrNoPingHost
	}
	return nil
}

func (c *Cluster) initNodesLocked() error {
	group, hosts := parseNodeList(c.params.NodeList())
	if len(hosts) == 0 || group == "" {
		return nil
	}
	c.groupID = group

	priority := HighestPriority
	for _, h := range hosts {
		node := c.insertHostNodeLocked(h, priority)
		if node.Hostname.Equal(c.hostname) {
			c.myself = node
		}
		priority++
	}
	return nil
}

func (c *Cluster) initReplicaNodesLocked() error {
	group, hosts := parseNodeList(c.params.ReplicaList())
	if len(hosts) == 0 {
		return nil
	}
	if group != c.groupID {
		return ErrReplicaGroupMismatch
	}

	for _, h := range hosts {
		node := c.insertHostNodeLocked(h, ReplicaPriority)
		if node.Hostname.Equal(c.hostname) {
			c.myself = node
			c.state = StateReplica
		}
	}
	return nil
}

func (c *Cluster) initPingHostsLocked() {
	for _, h := range parsePingHosts(c.params.PingHosts()) {
		c.pingHosts = append(c.pingHosts, &PingHost{
			Hostname: hostname.Name(h),
			Result:   PingUnknown,
		})
	}
}

// checkValidPingHostLocked probes every ping host once. An empty list always
// passes; a non-empty list passes when at least one host answers. Hosts that
// are cluster members are useless as witnesses and are not probed.
func (c *Cluster) checkValidPingHostLocked() bool {
	if len(c.pingHosts) == 0 {
		return true
	}

	valid := false
	for _, h := range c.pingHosts {
		if c.findNodeLocked(h.Hostname) != nil {
			h.Result = PingUselessHost
			continue
		}
		h.Ping(c.prober)
		if h.Successful() {
			valid = true
		}
	}
	return valid
}

func (c *Cluster) insertHostNodeLocked(host string, priority Priority) *NodeEntry {
	name := hostname.Name(host)
	if name == "localhost" {
		name = c.hostname
	}
	node := NewNodeEntry(name, priority)
	c.nodes = append(c.nodes, node)
	return node
}

// clusterSnapshot is the deep copy Reload falls back to.
type clusterSnapshot struct {
	state            NodeState
	groupID          string
	hostname         hostname.Name
	nodes            []NodeEntry
	hasMyself        bool
	myselfHost       hostname.Name
	hasMaster        bool
	masterHost       hostname.Name
	pingCheckEnabled bool
	isolated         bool
	pingHosts        []PingHost
}

func (s *clusterSnapshot) find(host hostname.Name) *NodeEntry {
	for i := range s.nodes {
		if s.nodes[i].Hostname.Equal(host) {
			return &s.nodes[i]
		}
	}
	return nil
}

func (c *Cluster) snapshotLocked() clusterSnapshot {
	snap := clusterSnapshot{
		state:            c.state,
		groupID:          c.groupID,
		hostname:         c.hostname,
		pingCheckEnabled: c.pingCheckEnabled,
		isolated:         c.isolated,
	}
	for _, n := range c.nodes {
		snap.nodes = append(snap.nodes, *n)
	}
	for _, h := range c.pingHosts {
		snap.pingHosts = append(snap.pingHosts, *h)
	}
	if c.myself != nil {
		snap.hasMyself, snap.myselfHost = true, c.myself.Hostname
	}
	if c.master != nil {
		snap.hasMaster, snap.masterHost = true, c.master.Hostname
	}
	return snap
}

func (c *Cluster) restoreLocked(snap clusterSnapshot) {
	c.state = snap.state
	c.groupID = snap.groupID
	c.hostname = snap.hostname
	c.pingCheckEnabled = snap.pingCheckEnabled
	c.isolated = snap.isolated

	c.nodes, c.myself, c.master = nil, nil, nil
	for i := range snap.nodes {
		n := snap.nodes[i]
		c.nodes = append(c.nodes, &n)
		if snap.hasMyself && n.Hostname.Equal(snap.myselfHost) && c.myself == nil {
			c.myself = c.nodes[len(c.nodes)-1]
		}
		if snap.hasMaster && n.Hostname.Equal(snap.masterHost) && c.master == nil {
			c.master = c.nodes[len(c.nodes)-1]
		}
	}

	c.pingHosts = nil
	for i := range snap.pingHosts {
		h := snap.pingHosts[i]
		c.pingHosts = append(c.pingHosts, &h)
	}
}

// Reload re-reads the configuration and rebuilds the node and ping-host
// lists, carrying each surviving node's runtime state (role, score, gap,
// last-heard) over by hostname match. If re-initialization fails, or the
// recorded master is absent from the new list, the cluster is restored to
// its pre-reload state and an error is returned. The transport is left
// untouched; a port change requires a restart.
func (c *Cluster) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshotLocked()

	c.nodes, c.pingHosts = nil, nil
	c.myself, c.master = nil, nil
	c.groupID = ""

	if err := c.initLocked(); err != nil {
		c.restoreLocked(snap)
		return err
	}
	if snap.hasMaster && c.findNodeLocked(snap.masterHost) == nil {
		c.restoreLocked(snap)
		return ErrMasterDropped
	}

	for _, n := range c.nodes {
		if old := snap.find(n.Hostname); old != nil {
			n.State = old.State
			n.Score = old.Score
			n.HeartbeatGap = old.HeartbeatGap
			n.LastHeard = old.LastHeard
		}
		if snap.hasMaster && n.Hostname.Equal(snap.masterHost) {
			c.master = n
		}
	}

	c.state = snap.state
	c.pingCheckEnabled = snap.pingCheckEnabled
	return nil
}

// Stop invalidates the node references, marks the cluster shut down, drops
// all lists and stops the transport. Stopping twice is a no-op.
func (c *Cluster) Stop() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.myself, c.master = nil, nil
	c.shutdown = true
	c.state = StateUnknown
	c.nodes, c.uiNodes, c.pingHosts = nil, nil, nil
	c.mu.Unlock()

	c.transport.Stop()
}

// Hostname returns this node's identifier.
func (c *Cluster) Hostname() hostname.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostname
}

// State returns this node's current role.
func (c *Cluster) State() NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GroupID returns the cluster partition this node belongs to.
func (c *Cluster) GroupID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

// Myself returns a copy of this node's own entry, or false when the cluster
// is not initialized.
func (c *Cluster) Myself() (NodeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.myself == nil {
		return NodeEntry{}, false
	}
	return *c.myself, true
}

// SetMaster records the node elected master; the election itself happens
// outside this core. An empty host clears the record.
func (c *Cluster) SetMaster(host hostname.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if host == "" {
		c.master = nil
		return nil
	}
	n := c.findNodeLocked(host)
	if n == nil {
		return ErrUnknownNode
	}
	c.master = n
	return nil
}

// Master returns a copy of the recorded master's entry, or false when no
// master is known.
func (c *Cluster) Master() (NodeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.master == nil {
		return NodeEntry{}, false
	}
	return *c.master, true
}

// IsIsolated reports whether the last isolation check concluded this node is
// cut off from both its peers and its ping hosts.
func (c *Cluster) IsIsolated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolated
}

// HideToDemote reports whether heartbeat replies are suppressed so peers
// consider this node dead while it demotes itself.
func (c *Cluster) HideToDemote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hideToDemote
}

// SetHideToDemote toggles heartbeat reply suppression.
func (c *Cluster) SetHideToDemote(v bool) {
	c.mu.Lock()
	c.hideToDemote = v
	c.mu.Unlock()
}

func (c *Cluster) findNodeLocked(host hostname.Name) *NodeEntry {
	for _, n := range c.nodes {
		if n.Hostname.Equal(host) {
			return n
		}
	}
	return nil
}

// findNodeExceptMeLocked looks host up in the node list, never matching the
// local entry.
func (c *Cluster) findNodeExceptMeLocked(host hostname.Name) *NodeEntry {
	if c.hostname.Equal(host) {
		return nil
	}
	return c.findNodeLocked(host)
}

// classifyLocked implements the validation policy for an inbound heartbeat:
// membership is checked before group so stale configurations are told apart
// from impostors, then the claimed hostname must resolve back to the actual
// source address.
func (c *Cluster) classifyLocked(orig hostname.Name, groupID string, from netip.Addr) ValidationResult {
	node := c.findNodeExceptMeLocked(orig)
	if node == nil {
		return UnidentifiedNode
	}
	if c.groupID != groupID {
		return GroupMismatch
	}
	addr, err := orig.Resolve()
	if err != nil {
		return Unresolvable
	}
	if addr != from {
		return IPMismatch
	}
	return ValidNode
}

// OnHeartbeat validates an inbound header against the membership and applies
// it. Rejected senders are recorded in the unidentified-node table; valid
// heartbeats update the peer's role, gap and last-heard time. It reports
// whether the heartbeat was accepted, so the caller knows a reply is due.
func (c *Cluster) OnHeartbeat(hdr *Header, from netip.Addr) bool {
	m := c.m()
	from = from.Unmap()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return false
	}

	if !c.hostname.Equal(hdr.Dest) {
		c.mu.Unlock()
		m.heartbeats_received_total.misaddressed.Inc()
		c.log.Debug().
			Stringer("dest", hdr.Dest).
			Stringer("from", from).
			Msg("drop misaddressed heartbeat")
		return false
	}

	result := c.classifyLocked(hdr.Orig, hdr.GroupID, from)
	if result != ValidNode {
		var inserted *UINode
		ui := c.findUINodeLocked(hdr.Orig, hdr.GroupID, from)
		if ui != nil && ui.Result != result {
			c.removeUINodeLocked(ui)
			ui = nil
		}
		if ui == nil {
			inserted = c.insertUINodeLocked(hdr.Orig, hdr.GroupID, from, result)
		} else {
			ui.LastReceived = time.Now()
		}
		c.mu.Unlock()

		m.reject(result).Inc()
		if inserted != nil {
			c.log.Warn().
				Stringer("host", inserted.Hostname).
				Str("group", inserted.GroupID).
				Stringer("addr", inserted.Addr).
				Stringer("state", hdr.State).
				Stringer("result", result).
				Msg("receive heartbeat from unidentified host")
			if c.events != nil {
				c.events.UnidentifiedSender(*inserted)
			}
		}
		return false
	}

	if c.groupID != hdr.GroupID {
		c.mu.Unlock()
		return false
	}

	var (
		masterChanged bool
		roleChanged   bool
		oldState      NodeState
		peer          hostname.Name
	)
	node := c.findNodeExceptMeLocked(hdr.Orig)
	if node == nil {
		c.mu.Unlock()
		m.heartbeats_received_total.unknown_host.Inc()
		c.log.Debug().
			Stringer("host", hdr.Orig).
			Msg("receive heartbeat with unknown hostname")
		return false
	}

	if node.State == StateMaster && node.State != hdr.State {
		masterChanged = true
	}
	roleChanged = node.State != hdr.State
	oldState, peer = node.State, node.Hostname

	node.State = hdr.State
	if node.HeartbeatGap > 0 {
		node.HeartbeatGap--
	}
	node.LastHeard = time.Now()
	c.mu.Unlock()

	m.heartbeats_received_total.valid.Inc()
	if roleChanged && c.events != nil {
		c.events.NodeStateChanged(peer, oldState, hdr.State)
	}
	if masterChanged {
		m.master_changes_total.Inc()
		c.log.Debug().
			Stringer("host", peer).
			Stringer("from", oldState).
			Stringer("to", hdr.State).
			Msg("master node state has been changed")
		if c.onStateChange != nil {
			c.onStateChange()
		}
	}
	return true
}

// BuildHeader builds a heartbeat header from the current cluster state.
func (c *Cluster) BuildHeader(isRequest bool, dest hostname.Name) Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildHeaderLocked(isRequest, dest)
}

func (c *Cluster) buildHeaderLocked(isRequest bool, dest hostname.Name) Header {
	hdr := Header{
		IsRequest: isRequest,
		State:     c.state,
		GroupID:   c.groupID,
		Dest:      dest,
	}
	if c.myself != nil {
		hdr.Orig = c.myself.Hostname
	}
	return hdr
}

// SendHeartbeatRequest sends a single heartbeat request to dest.
func (c *Cluster) SendHeartbeatRequest(dest hostname.Name) error {
	hdr := c.BuildHeader(true, dest)
	if err := c.transport.RemoteCall(dest, hbnet.Marshal(hbnet.Heartbeat, &hdr)); err != nil {
		return err
	}
	c.m().heartbeats_sent_total.Inc()
	return nil
}

// SendHeartbeatToAll sends one heartbeat request to every peer and counts it
// against the peer's heartbeat gap; the gap drains as valid responses and
// requests arrive, so its magnitude is the number of outstanding
// unacknowledged requests.
func (c *Cluster) SendHeartbeatToAll() {
	type pending struct {
		dest    hostname.Name
		payload []byte
	}
	var out []pending

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	for _, n := range c.nodes {
		if c.hostname.Equal(n.Hostname) {
			continue
		}
		hdr := c.buildHeaderLocked(true, n.Hostname)
		out = append(out, pending{n.Hostname, hbnet.Marshal(hbnet.Heartbeat, &hdr)})
		n.HeartbeatGap++
	}
	c.mu.Unlock()

	for _, p := range out {
		if err := c.transport.RemoteCall(p.dest, p.payload); err != nil {
			c.log.Debug().
				Err(err).
				Stringer("dest", p.dest).
				Msg("send heartbeat request")
			continue
		}
		c.m().heartbeats_sent_total.Inc()
	}
}

// IsHeartbeatReceivedFromAll reports whether every peer was heard from within
// the heartbeat interval. A peer that was never heard from counts as not
// received.
func (c *Cluster) IsHeartbeatReceivedFromAll() bool {
	now := time.Now()
	interval := c.params.HeartbeatInterval()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n == c.myself {
			continue
		}
		if !n.HeardFrom() || now.Sub(n.LastHeard) > interval {
			return false
		}
	}
	return true
}

// CheckIsolation decides whether this node is cut off: when no heartbeats
// arrive from all peers, the ping hosts are probed, and only if every probe
// fails is the node considered isolated. Returns the resulting isolation
// state.
func (c *Cluster) CheckIsolation() bool {
	if c.IsHeartbeatReceivedFromAll() {
		c.mu.Lock()
		c.isolated = false
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	enabled := c.pingCheckEnabled && len(c.pingHosts) > 0
	var hosts []hostname.Name
	for _, h := range c.pingHosts {
		if h.Result != PingUselessHost {
			hosts = append(hosts, h.Hostname)
		}
	}
	c.mu.Unlock()

	if !enabled || len(hosts) == 0 {
		// without witnesses, silent peers cannot be told apart from a dead
		// local network
		return false
	}

	results := make(map[hostname.Name]PingResult, len(hosts))
	reachable := false
	for _, h := range hosts {
		r := c.prober.Probe(h)
		results[h] = r
		if r == PingSuccess {
			reachable = true
		}
	}

	c.mu.Lock()
	for _, h := range c.pingHosts {
		if r, ok := results[h.Hostname]; ok {
			h.Result = r
		}
	}
	c.isolated = !reachable
	isolated := c.isolated
	c.mu.Unlock()

	if isolated {
		c.log.Warn().Msg("heartbeat missing from a peer and no ping host reachable")
	}
	return isolated
}

func (c *Cluster) findUINodeLocked(host hostname.Name, groupID string, addr netip.Addr) *UINode {
	for _, n := range c.uiNodes {
		if n.matches(host, groupID, addr) {
			return n
		}
	}
	return nil
}

func (c *Cluster) insertUINodeLocked(host hostname.Name, groupID string, addr netip.Addr, result ValidationResult) *UINode {
	if n := c.findUINodeLocked(host, groupID, addr); n != nil {
		return n
	}

	if len(c.uiNodes) >= maxUINodes {
		stalest := 0
		for i, n := range c.uiNodes {
			if n.LastReceived.Before(c.uiNodes[stalest].LastReceived) {
				stalest = i
			}
		}
		c.uiNodes = append(c.uiNodes[:stalest], c.uiNodes[stalest+1:]...)
	}

	n := &UINode{
		Hostname:     host,
		GroupID:      groupID,
		Addr:         addr,
		LastReceived: time.Now(),
		Result:       result,
	}
	c.uiNodes = append(c.uiNodes, n)
	return n
}

func (c *Cluster) removeUINodeLocked(node *UINode) {
	for i, n := range c.uiNodes {
		if n == node {
			c.uiNodes = append(c.uiNodes[:i], c.uiNodes[i+1:]...)
			return
		}
	}
}

// CleanupUINodes drops unidentified-node entries not refreshed within
// UINodeCleanupTime. A periodic job drives it.
func (c *Cluster) CleanupUINodes() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.uiNodes[:0]
	for _, n := range c.uiNodes {
		if now.Sub(n.LastReceived) <= UINodeCleanupTime {
			kept = append(kept, n)
		}
	}
	c.uiNodes = kept
}

// Status is a point-in-time copy of the observable cluster state.
type Status struct {
	Hostname  hostname.Name `json:"hostname"`
	GroupID   string        `json:"group_id"`
	State     NodeState     `json:"state"`
	Master    hostname.Name `json:"master,omitempty"`
	Isolated  bool          `json:"isolated"`
	Nodes     []NodeEntry   `json:"nodes"`
	UINodes   []UINode      `json:"ui_nodes,omitempty"`
	PingHosts []PingHost    `json:"ping_hosts,omitempty"`
}

// Snapshot returns a copy of the observable cluster state for operator
// tooling.
func (c *Cluster) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Hostname: c.hostname,
		GroupID:  c.groupID,
		State:    c.state,
		Isolated: c.isolated,
	}
	if c.master != nil {
		st.Master = c.master.Hostname
	}
	for _, n := range c.nodes {
		st.Nodes = append(st.Nodes, *n)
	}
	for _, n := range c.uiNodes {
		st.UINodes = append(st.UINodes, *n)
	}
	for _, h := range c.pingHosts {
		st.PingHosts = append(st.PingHosts, *h)
	}
	return st
}
