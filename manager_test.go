package melodix

import (
	"context"
	"testing"
)

func TestSetBotUserIDIsSettableOnceThenIdempotent(t *testing.T) {
	mgr := NewManager(nil)
	if err := mgr.SetBotUserID("bot-1"); err != nil {
		t.Fatalf("first SetBotUserID() error = %v", err)
	}
	if err := mgr.SetBotUserID("bot-1"); err != nil {
		t.Errorf("repeat SetBotUserID() with same id error = %v, want nil", err)
	}
	if err := mgr.SetBotUserID("bot-2"); err == nil {
		t.Error("SetBotUserID() with a different id error = nil, want a ConfigError")
	}
}

func TestAddNodeRejectsDuplicateIdentifier(t *testing.T) {
	mgr := NewManager(nil)
	cfg := NodeConfig{Identifier: "a", Host: "127.0.0.1", Port: 1, Password: "x"}
	if _, err := mgr.AddNode(cfg); err != nil {
		t.Fatalf("first AddNode() error = %v", err)
	}
	if _, err := mgr.AddNode(cfg); err == nil {
		t.Error("second AddNode() with the same identifier error = nil, want a ConfigError")
	}
}

// markReady forces a Node into the READY state with the given stats, without
// dialing anything, so GetIdealNode's ordering can be tested deterministically.
func markReady(n *Node, stats NodeStats) {
	n.mu.Lock()
	n.state = NodeReady
	n.stats = stats
	n.mu.Unlock()
}

func TestGetIdealNodePicksLowestPenaltyAmongReadyNodes(t *testing.T) {
	mgr := NewManager(nil)

	busy := newNode(NodeConfig{Identifier: "busy", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)
	idle := newNode(NodeConfig{Identifier: "idle", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)
	notReady := newNode(NodeConfig{Identifier: "notready", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)

	busyStats := NodeStats{Players: 10}
	busyStats.CPU.Cores = 1
	idleStats := NodeStats{Players: 0}
	idleStats.CPU.Cores = 4

	markReady(busy, busyStats)
	markReady(idle, idleStats)
	// notReady is left in NodeIdle.

	mgr.mu.Lock()
	mgr.nodes["busy"] = busy
	mgr.nodes["idle"] = idle
	mgr.nodes["notready"] = notReady
	mgr.nodeOrder = []string{"busy", "idle", "notready"}
	mgr.mu.Unlock()

	got, err := mgr.GetIdealNode()
	if err != nil {
		t.Fatalf("GetIdealNode() error = %v", err)
	}
	if got.Identifier() != "idle" {
		t.Errorf("GetIdealNode() = %q, want idle (lowest penalty)", got.Identifier())
	}
}

func TestGetIdealNodeTieBreaksByInsertionOrder(t *testing.T) {
	mgr := NewManager(nil)

	first := newNode(NodeConfig{Identifier: "first", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)
	second := newNode(NodeConfig{Identifier: "second", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)

	same := NodeStats{Players: 1}
	same.CPU.Cores = 4
	markReady(first, same)
	markReady(second, same)

	mgr.mu.Lock()
	mgr.nodes["first"] = first
	mgr.nodes["second"] = second
	mgr.nodeOrder = []string{"first", "second"}
	mgr.mu.Unlock()

	got, err := mgr.GetIdealNode()
	if err != nil {
		t.Fatalf("GetIdealNode() error = %v", err)
	}
	if got.Identifier() != "first" {
		t.Errorf("GetIdealNode() tie-break = %q, want first (insertion order)", got.Identifier())
	}
}

func TestGetIdealNodeErrorsWhenNoneReady(t *testing.T) {
	mgr := NewManager(nil)
	n := newNode(NodeConfig{Identifier: "x", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)
	mgr.mu.Lock()
	mgr.nodes["x"] = n
	mgr.nodeOrder = []string{"x"}
	mgr.mu.Unlock()

	if _, err := mgr.GetIdealNode(); err == nil {
		t.Error("GetIdealNode() error = nil, want a PreconditionError when no node is READY")
	}
}

func TestCreatePlayerReturnsExistingNonDestroyedPlayer(t *testing.T) {
	mgr := NewManager(nil)
	_ = mgr.SetBotUserID("bot-1")
	n := newNode(NodeConfig{Identifier: "x", Host: "h", Port: 1, Password: "x"}, mgr, mgr.bc)
	markReady(n, NodeStats{})
	mgr.mu.Lock()
	mgr.nodes["x"] = n
	mgr.nodeOrder = []string{"x"}
	mgr.mu.Unlock()

	first, err := mgr.CreatePlayer("guild-1")
	if err != nil {
		t.Fatalf("CreatePlayer() error = %v", err)
	}
	second, err := mgr.CreatePlayer("guild-1")
	if err != nil {
		t.Fatalf("second CreatePlayer() error = %v", err)
	}
	if first != second {
		t.Error("CreatePlayer() returned a new Player instead of the existing one")
	}
}

func TestCreatePlayerFailsWithoutBotUserID(t *testing.T) {
	mgr := NewManager(nil)
	if _, err := mgr.CreatePlayer("guild-1"); err == nil {
		t.Error("CreatePlayer() error = nil, want a ConfigError before SetBotUserID")
	}
}

func TestLoadTracksPrefixesBareQueriesWithSearchEngine(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	mgr := NewManager(nil)
	_ = mgr.SetBotUserID("bot-1")
	node := readyNode(t, f, mgr)
	mgr.mu.Lock()
	mgr.nodes["n1"] = node
	mgr.nodeOrder = []string{"n1"}
	mgr.mu.Unlock()

	cases := []struct {
		query string
		want  string
	}{
		{"never gonna give you up", "ytsearch:never gonna give you up"},
		{"https://example.com/track", "https://example.com/track"},
		{"scsearch:some artist", "scsearch:some artist"},
	}
	for _, c := range cases {
		if _, err := mgr.LoadTracks(context.Background(), c.query, nil); err != nil {
			t.Fatalf("LoadTracks(%q) error = %v", c.query, err)
		}
		f.mu.Lock()
		got := f.lastIdentifier
		f.mu.Unlock()
		if got != c.want {
			t.Errorf("LoadTracks(%q) sent identifier %q, want %q", c.query, got, c.want)
		}
	}
}

func TestHandleVoiceStateUpdateIgnoresOtherUsers(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	mgr, p, _ := newTestPlayer(t, f)

	// A voice state update for some other guild member must not touch our
	// player at all.
	mgr.HandleVoiceStateUpdate("guild-1", "someone-else", "sess", "chan-1")
	if got := p.State(); got != StateInstantiated {
		t.Errorf("State() = %v, want unchanged (instantiated) for a non-bot user update", got)
	}
}

func TestHandleVoiceServerUpdateRoutesToPlayer(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	mgr, p, _ := newTestPlayer(t, f)

	p.mu.Lock()
	p.state = StateWaitingForServer
	p.voice.SessionID = "sess-already-set"
	p.mu.Unlock()

	mgr.HandleVoiceServerUpdate("guild-1", "tok", "wss://region.example.com:443")

	// completeHandshake runs synchronously off this call since both halves of
	// the voice payload are now present.
	if !p.Connected() {
		t.Error("Connected() = false, want true once HandleVoiceServerUpdate completes the handshake")
	}
}
