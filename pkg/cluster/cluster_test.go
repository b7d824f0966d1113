package cluster

import (
	"errors"
	"net/netip"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hapulse/hapulse/pkg/hostname"
)

const (
	testLocal = hostname.Name("node-a")
	testPeer  = hostname.Name("127.0.0.1")
)

type testParams struct {
	mu          sync.Mutex
	port        uint16
	interval    time.Duration
	state       NodeState
	masterHost  string
	nodeList    string
	replicaList string
	pingHosts   string
}

func (p *testParams) Port() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

func (p *testParams) HeartbeatInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interval == 0 {
		return time.Hour
	}
	return p.interval
}

func (p *testParams) StartupState() NodeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *testParams) MasterHost() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.masterHost
}

func (p *testParams) NodeList() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeList
}

func (p *testParams) ReplicaList() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replicaList
}

func (p *testParams) PingHosts() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingHosts
}

func (p *testParams) set(fn func(*testParams)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type sentDatagram struct {
	dest    hostname.Name
	payload []byte
}

// memTransport delivers nothing and records everything, standing in for the
// UDP server.
type memTransport struct {
	mu      sync.Mutex
	started int
	stopped int
	sent    []sentDatagram
}

func (t *memTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started++
	return nil
}

func (t *memTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

func (t *memTransport) RemoteCall(dest hostname.Name, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentDatagram{dest, append([]byte(nil), payload...)})
	return nil
}

func (t *memTransport) calls() []sentDatagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentDatagram(nil), t.sent...)
}

// staticProber answers from a fixed table; unknown hosts fail.
type staticProber map[hostname.Name]PingResult

func (p staticProber) Probe(host hostname.Name) PingResult {
	if r, ok := p[host]; ok {
		return r
	}
	return PingFailure
}

func newTestCluster(t *testing.T, p *testParams) (*Cluster, *memTransport) {
	t.Helper()

	tr := &memTransport{}
	c := New(Options{
		Params:        p,
		Transport:     tr,
		Logger:        zerolog.Nop(),
		Prober:        staticProber{"witness-1": PingSuccess},
		LocalHostname: testLocal,
	})
	if err := c.Init(); err != nil {
		t.Fatalf("init cluster: %v", err)
	}
	return c, tr
}

func TestInit(t *testing.T) {
	c, tr := newTestCluster(t, &testParams{nodeList: "grp@node-a,127.0.0.1"})

	if got := c.GroupID(); got != "grp" {
		t.Errorf("group id = %q", got)
	}
	if got := c.Hostname(); got != testLocal {
		t.Errorf("hostname = %q", got)
	}
	if got := c.State(); got != StateSlave {
		t.Errorf("state = %v, want slave", got)
	}

	me, ok := c.Myself()
	if !ok {
		t.Fatal("myself not bound")
	}
	if me.Hostname != testLocal || me.Priority != HighestPriority {
		t.Errorf("myself = %+v", me)
	}

	st := c.Snapshot()
	if len(st.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(st.Nodes))
	}
	if st.Nodes[1].Hostname != testPeer || st.Nodes[1].Priority != HighestPriority+1 {
		t.Errorf("peer node = %+v", st.Nodes[1])
	}
	if st.Nodes[1].HeardFrom() {
		t.Error("fresh node claims a received heartbeat")
	}

	if tr.started != 1 {
		t.Errorf("transport started %d times", tr.started)
	}
}

func TestInitLocalhostSubstitution(t *testing.T) {
	c, _ := newTestCluster(t, &testParams{nodeList: "grp@localhost,127.0.0.1"})

	if _, ok := c.Myself(); !ok {
		t.Fatal("myself not bound via localhost substitution")
	}
	st := c.Snapshot()
	if st.Nodes[0].Hostname != testLocal {
		t.Errorf("localhost entry = %q, want %q", st.Nodes[0].Hostname, testLocal)
	}
}

func TestInitReplica(t *testing.T) {
	c, _ := newTestCluster(t, &testParams{
		nodeList:    "grp@127.0.0.1",
		replicaList: "grp@node-a",
	})

	if got := c.State(); got != StateReplica {
		t.Errorf("state = %v, want replica", got)
	}
	me, ok := c.Myself()
	if !ok {
		t.Fatal("myself not bound")
	}
	if me.Priority != ReplicaPriority {
		t.Errorf("replica priority = %v", me.Priority)
	}
}

func TestInitErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		p    *testParams
		err  error
	}{
		{"EmptyNodeList", &testParams{}, ErrSelfNotFound},
		{"SelfMissing", &testParams{nodeList: "grp@127.0.0.1,127.0.0.2"}, ErrSelfNotFound},
		{"ReplicaGroupMismatch", &testParams{nodeList: "grp@node-a,127.0.0.1", replicaList: "other@127.0.0.2"}, ErrReplicaGroupMismatch},
		{"ReplicaStartupInNodeList", &testParams{state: StateReplica, nodeList: "grp@node-a,127.0.0.1"}, ErrReplicaInNodeList},
		{"NoReachablePingHost", &testParams{nodeList: "grp@node-a,127.0.0.1", pingHosts: "dead-1:dead-2"}, ErrNoPingHost},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tr := &memTransport{}
			c := New(Options{
				Params:        tt.p,
				Transport:     tr,
				Logger:        zerolog.Nop(),
				Prober:        staticProber{},
				LocalHostname: testLocal,
			})
			if err := c.Init(); !errors.Is(err, tt.err) {
				t.Errorf("init = %v, want %v", err, tt.err)
			}
			if tr.started != 0 {
				t.Error("transport started despite failed init")
			}
		})
	}
}

func TestInitPingHosts(t *testing.T) {
	tr := &memTransport{}
	c := New(Options{
		Params:        &testParams{nodeList: "grp@node-a,127.0.0.1", pingHosts: "witness-1,dead-1"},
		Transport:     tr,
		Logger:        zerolog.Nop(),
		Prober:        staticProber{"witness-1": PingSuccess},
		LocalHostname: testLocal,
	})
	if err := c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	st := c.Snapshot()
	if len(st.PingHosts) != 2 {
		t.Fatalf("ping hosts = %d", len(st.PingHosts))
	}
	results := map[hostname.Name]PingResult{}
	for _, h := range st.PingHosts {
		results[h.Hostname] = h.Result
	}
	if results["witness-1"] != PingSuccess || results["dead-1"] != PingFailure {
		t.Errorf("ping results = %v", results)
	}
}

func TestStop(t *testing.T) {
	c, tr := newTestCluster(t, &testParams{nodeList: "grp@node-a,127.0.0.1"})

	c.Stop()

	if got := c.State(); got != StateUnknown {
		t.Errorf("state after stop = %v", got)
	}
	if _, ok := c.Myself(); ok {
		t.Error("myself still bound after stop")
	}
	if st := c.Snapshot(); len(st.Nodes) != 0 || len(st.UINodes) != 0 || len(st.PingHosts) != 0 {
		t.Error("lists not destroyed after stop")
	}
	if tr.stopped != 1 {
		t.Errorf("transport stopped %d times", tr.stopped)
	}

	// stopping again is a no-op
	c.Stop()
	if tr.stopped != 1 {
		t.Errorf("transport stopped %d times after second stop", tr.stopped)
	}
}

func setMaster(t *testing.T, c *Cluster, host hostname.Name) {
	t.Helper()
	if err := c.SetMaster(host); err != nil {
		t.Fatalf("set master %q: %v", host, err)
	}
}

func TestSetMaster(t *testing.T) {
	c, _ := newTestCluster(t, &testParams{nodeList: "grp@node-a,127.0.0.1"})

	if err := c.SetMaster("node-z"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("set unknown master = %v, want ErrUnknownNode", err)
	}
	if _, ok := c.Master(); ok {
		t.Error("master bound after failed set")
	}

	if err := c.SetMaster(testPeer); err != nil {
		t.Fatalf("set master: %v", err)
	}
	if m, ok := c.Master(); !ok || m.Hostname != testPeer {
		t.Errorf("master = %+v, %v", m, ok)
	}
	if st := c.Snapshot(); st.Master != testPeer {
		t.Errorf("snapshot master = %q", st.Master)
	}

	if err := c.SetMaster(""); err != nil {
		t.Fatalf("clear master: %v", err)
	}
	if _, ok := c.Master(); ok {
		t.Error("master still bound after clear")
	}
}

func TestReloadPreservesRuntimeState(t *testing.T) {
	p := &testParams{nodeList: "grp@node-a,127.0.0.1"}
	c, _ := newTestCluster(t, p)

	hdr := Header{IsRequest: false, State: StateMaster, GroupID: "grp", Orig: testPeer, Dest: testLocal}
	if !c.OnHeartbeat(&hdr, netip.MustParseAddr("127.0.0.1")) {
		t.Fatal("heartbeat not accepted")
	}
	setMaster(t, c, testPeer)

	p.set(func(p *testParams) { p.nodeList = "grp@node-a,127.0.0.1,127.0.0.2" })
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	st := c.Snapshot()
	if len(st.Nodes) != 3 {
		t.Fatalf("nodes after reload = %d", len(st.Nodes))
	}
	if st.Master != testPeer {
		t.Errorf("master after reload = %q", st.Master)
	}
	var peer *NodeEntry
	for i := range st.Nodes {
		if st.Nodes[i].Hostname == testPeer {
			peer = &st.Nodes[i]
		}
	}
	if peer == nil {
		t.Fatal("peer lost on reload")
	}
	if peer.State != StateMaster || !peer.HeardFrom() {
		t.Errorf("peer runtime state not carried over: %+v", peer)
	}
}

func TestReloadIdenticalConfigIsNoop(t *testing.T) {
	p := &testParams{nodeList: "grp@node-a,127.0.0.1"}
	c, _ := newTestCluster(t, p)

	hdr := Header{IsRequest: true, State: StateSlave, GroupID: "grp", Orig: testPeer, Dest: testLocal}
	c.OnHeartbeat(&hdr, netip.MustParseAddr("127.0.0.1"))
	setMaster(t, c, testPeer)

	before := c.Snapshot()
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := c.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Errorf("identical reload changed state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestReloadRollback(t *testing.T) {
	p := &testParams{nodeList: "grp@node-a,127.0.0.1"}
	c, _ := newTestCluster(t, p)

	hdr := Header{IsRequest: true, State: StateMaster, GroupID: "grp", Orig: testPeer, Dest: testLocal}
	c.OnHeartbeat(&hdr, netip.MustParseAddr("127.0.0.1"))
	setMaster(t, c, testPeer)

	before := c.Snapshot()

	// new config drops the master
	p.set(func(p *testParams) { p.nodeList = "grp@node-a,127.0.0.2" })
	if err := c.Reload(); !errors.Is(err, ErrMasterDropped) {
		t.Fatalf("reload = %v, want ErrMasterDropped", err)
	}

	after := c.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("failed reload did not restore state:\nbefore %+v\nafter  %+v", before, after)
	}

	// a failed init rolls back the same way
	p.set(func(p *testParams) { p.nodeList = "grp@127.0.0.2" })
	if err := c.Reload(); !errors.Is(err, ErrSelfNotFound) {
		t.Fatalf("reload = %v, want ErrSelfNotFound", err)
	}
	if after := c.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Error("failed init reload did not restore state")
	}
}

func TestSendHeartbeatToAll(t *testing.T) {
	c, tr := newTestCluster(t, &testParams{nodeList: "grp@node-a,127.0.0.1,127.0.0.2"})

	c.SendHeartbeatToAll()

	calls := tr.calls()
	if len(calls) != 2 {
		t.Fatalf("sent %d requests, want 2", len(calls))
	}
	for _, call := range calls {
		if call.dest.Equal(testLocal) {
			t.Error("sent a heartbeat to self")
		}

		hdr, err := decodeHeartbeat(call.payload)
		if err != nil {
			t.Fatalf("decode request to %s: %v", call.dest, err)
		}
		if !hdr.IsRequest || hdr.GroupID != "grp" || hdr.Orig != testLocal || !hdr.Dest.Equal(call.dest) {
			t.Errorf("request header = %+v", hdr)
		}
		if hdr.State != StateSlave {
			t.Errorf("request state = %v", hdr.State)
		}
	}

	for _, n := range c.Snapshot().Nodes {
		want := int16(1)
		if n.Hostname.Equal(testLocal) {
			want = 0
		}
		if n.HeartbeatGap != want {
			t.Errorf("gap of %s = %d, want %d", n.Hostname, n.HeartbeatGap, want)
		}
	}

	// the gap keeps counting outstanding requests
	c.SendHeartbeatToAll()
	for _, n := range c.Snapshot().Nodes {
		if !n.Hostname.Equal(testLocal) && n.HeartbeatGap != 2 {
			t.Errorf("gap of %s = %d, want 2", n.Hostname, n.HeartbeatGap)
		}
	}
}

func TestIsHeartbeatReceivedFromAll(t *testing.T) {
	p := &testParams{nodeList: "grp@node-a,127.0.0.1"}
	c, _ := newTestCluster(t, p)

	// never-received peers count as not received
	if c.IsHeartbeatReceivedFromAll() {
		t.Error("received-from-all true with a silent peer")
	}

	hdr := Header{IsRequest: true, State: StateSlave, GroupID: "grp", Orig: testPeer, Dest: testLocal}
	c.OnHeartbeat(&hdr, netip.MustParseAddr("127.0.0.1"))

	if !c.IsHeartbeatReceivedFromAll() {
		t.Error("received-from-all false right after a heartbeat")
	}

	// stale peers count as not received
	c.mu.Lock()
	c.findNodeLocked(testPeer).LastHeard = time.Now().Add(-2 * time.Hour)
	c.mu.Unlock()
	if c.IsHeartbeatReceivedFromAll() {
		t.Error("received-from-all true with a stale peer")
	}
}

func TestCheckIsolation(t *testing.T) {
	prober := staticProber{"witness-1": PingSuccess}
	tr := &memTransport{}
	c := New(Options{
		Params:        &testParams{nodeList: "grp@node-a,127.0.0.1", pingHosts: "witness-1"},
		Transport:     tr,
		Logger:        zerolog.Nop(),
		Prober:        prober,
		LocalHostname: testLocal,
	})
	if err := c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	// peers silent, but the witness answers: not isolated
	if c.CheckIsolation() {
		t.Error("isolated while the ping host answers")
	}

	prober["witness-1"] = PingFailure
	if !c.CheckIsolation() {
		t.Error("not isolated with silent peers and no reachable ping host")
	}
	if !c.IsIsolated() {
		t.Error("isolation flag not set")
	}

	// a heartbeat clears isolation
	hdr := Header{IsRequest: true, State: StateSlave, GroupID: "grp", Orig: testPeer, Dest: testLocal}
	c.OnHeartbeat(&hdr, netip.MustParseAddr("127.0.0.1"))
	if c.CheckIsolation() {
		t.Error("still isolated after a heartbeat")
	}
	if c.IsIsolated() {
		t.Error("isolation flag not cleared")
	}
}
