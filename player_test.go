package melodix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeAudioServer serves both the v4 websocket and the v4 REST surface from
// one httptest.Server, so a Player driven against it exercises a real voice
// handshake PATCH end to end.
type fakeAudioServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	patches  []PlayerUpdate
	deletes  int
	// lastIdentifier is the identifier query of the latest loadtracks call.
	lastIdentifier string
}

func newFakeAudioServer(t *testing.T) *fakeAudioServer {
	f := &fakeAudioServer{}
	var upgrader websocket.Upgrader

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ready","resumed":false,"sessionId":"sess-1"}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}

		switch r.Method {
		case http.MethodPatch:
			var update PlayerUpdate
			_ = json.NewDecoder(r.Body).Decode(&update)
			f.mu.Lock()
			f.patches = append(f.patches, update)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(playerState{})
		case http.MethodDelete:
			f.mu.Lock()
			f.deletes++
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			if r.URL.Path == "/v4/loadtracks" {
				f.mu.Lock()
				f.lastIdentifier = r.URL.Query().Get("identifier")
				f.mu.Unlock()
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	return f
}

func (f *fakeAudioServer) lastPatch() PlayerUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patches[len(f.patches)-1]
}

func (f *fakeAudioServer) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func (f *fakeAudioServer) close() { f.srv.Close() }

// readyNode builds a Node wired at the fake server and blocks until it
// reaches NodeReady.
func readyNode(t *testing.T, f *fakeAudioServer, mgr *Manager) *Node {
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		t.Fatalf("parsing fake server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing fake server port: %v", err)
	}
	cfg := NodeConfig{
		Identifier: "n1",
		Host:       u.Hostname(),
		Port:       port,
		Password:   "secret",
	}.withDefaults()

	node := newNode(cfg, mgr, mgr.bc)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = node.dialOnce(ctx) }()
	waitForState(t, node, NodeReady, 2*time.Second)
	return node
}

func newTestPlayer(t *testing.T, f *fakeAudioServer) (*Manager, *Player, *Node) {
	mgr := NewManager(func(VoiceConnectPayload) error { return nil })
	if err := mgr.SetBotUserID("bot-1"); err != nil {
		t.Fatalf("SetBotUserID() error = %v", err)
	}
	node := readyNode(t, f, mgr)
	p := newPlayer(mgr, mgr.bc, "guild-1", node, DefaultPlayerOptions())
	mgr.mu.Lock()
	mgr.players["guild-1"] = p
	mgr.mu.Unlock()
	return mgr, p, node
}

func TestPlayerVoiceHandshakeCompletesOnBothCallbacks(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)

	done := make(chan error, 1)
	go func() { done <- p.Connect(context.Background(), "chan-1") }()

	// Give Connect a moment to register its handle before the callbacks land.
	time.Sleep(20 * time.Millisecond)
	p.onVoiceStateUpdate("voice-sess", "chan-1")
	p.onVoiceServerUpdate("token-1", "wss://region.example.com:443")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return after both voice callbacks arrived")
	}

	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped after handshake completes", got)
	}
	if !p.Connected() {
		t.Error("Connected() = false, want true once voice PATCH succeeds")
	}

	last := f.lastPatch()
	if last.Voice == nil {
		t.Fatal("last PATCH carried no voice payload")
	}
	if last.Voice.Endpoint != "region.example.com" {
		t.Errorf("voice.Endpoint = %q, want the scheme/port stripped", last.Voice.Endpoint)
	}
}

func TestPlayerOnVoiceStateUpdateNullChannelDestroysPlayer(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	mgr, p, node := newTestPlayer(t, f)

	done := make(chan error, 1)
	go func() { done <- p.Connect(context.Background(), "chan-1") }()
	time.Sleep(20 * time.Millisecond)

	p.onVoiceStateUpdate("voice-sess", "")

	select {
	case err := <-done:
		if err == nil {
			t.Error("Connect() error = nil, want an error once the bot left the channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not resolve after a null channel_id update")
	}

	if got := p.State(); got != StateDestroyed {
		t.Errorf("State() = %v, want destroyed", got)
	}
	if _, ok := mgr.GetPlayer("guild-1"); ok {
		t.Error("GetPlayer() still found the player after destruction")
	}
	_ = node
}

func TestPlayerPlayRejectsWhenNodeNotConnected(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	mgr := NewManager(nil)
	_ = mgr.SetBotUserID("bot-1")
	node := newNode(NodeConfig{Identifier: "down", Host: "127.0.0.1", Port: 1, Password: "x"}, mgr, mgr.bc)
	p := newPlayer(mgr, mgr.bc, "guild-2", node, DefaultPlayerOptions())

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	track := &Track{Encoded: "abc", Info: TrackInfo{Title: "t"}}
	if err := p.Play(context.Background(), track, PlayOptions{}); err == nil {
		t.Error("Play() error = nil, want a precondition error against a non-ready node")
	}
}

func TestPlayerPlayNoReplaceStillReplacesDifferentTrack(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)

	trackA := &Track{Encoded: "track-a", Info: TrackInfo{Title: "A"}}
	p.queue.SetCurrent(trackA)
	p.mu.Lock()
	p.state = StatePlaying
	p.playing = true
	p.mu.Unlock()

	trackB := &Track{Encoded: "track-b", Info: TrackInfo{Title: "B"}}
	if err := p.Play(context.Background(), trackB, PlayOptions{NoReplace: true}); err != nil {
		t.Fatalf("Play() error = %v, want NoReplace to still replace a different track", err)
	}
	last := f.lastPatch()
	if last.EncodedTrack == nil || *last.EncodedTrack != "track-b" {
		t.Errorf("last PATCH encodedTrack = %v, want track-b", last.EncodedTrack)
	}
}

func TestPlayerPlayNoReplaceNoOpsOnSameTrack(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)

	trackA := &Track{Encoded: "track-a", Info: TrackInfo{Title: "A"}}
	p.queue.SetCurrent(trackA)
	p.mu.Lock()
	p.state = StatePlaying
	p.playing = true
	p.mu.Unlock()

	before := f.patchCount()
	sameA := &Track{Encoded: "track-a", Info: TrackInfo{Title: "A"}}
	if err := p.Play(context.Background(), sameA, PlayOptions{NoReplace: true}); err != nil {
		t.Fatalf("Play() error = %v, want a no-op nil error for the already-playing track", err)
	}
	if got := f.patchCount(); got != before {
		t.Errorf("patchCount() = %d, want %d (NoReplace on the same track must not PATCH)", got, before)
	}
}

func TestPlayerPauseIsIdempotentAndRejectsResumeWithoutCurrent(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)
	p.mu.Lock()
	p.state = StateStopped
	p.paused = true // pretend already paused, with no current track, so resuming is rejected
	p.mu.Unlock()

	if err := p.Pause(context.Background(), true); err != nil {
		t.Errorf("Pause(true) error = %v, want nil (already paused is a no-op)", err)
	}
	if got := f.patchCount(); got != 0 {
		t.Errorf("patchCount() = %d, want 0 (idempotent no-op path never PATCHes)", got)
	}

	if err := p.Pause(context.Background(), false); err == nil {
		t.Error("Pause(false) error = nil, want a precondition error with no current track to resume")
	}
}

func TestPlayerSkipPlaysNextOrStopsWhenEmpty(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	if err := p.Skip(context.Background()); err != nil {
		t.Fatalf("Skip() error = %v, want Stop(false) on an empty queue", err)
	}
	if got := p.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped after Skip() on an empty queue", got)
	}

	p.queue.Add([]Track{{Encoded: "next-track", Info: TrackInfo{Title: "Next"}}})
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	if err := p.Skip(context.Background()); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	last := f.lastPatch()
	if last.EncodedTrack == nil || *last.EncodedTrack != "next-track" {
		t.Errorf("last PATCH encodedTrack = %v, want next-track", last.EncodedTrack)
	}
}

func TestProgressQueueLoopTrackReplaysOnFinished(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	prev := &Track{Encoded: "replay-me", Info: TrackInfo{Title: "Loop"}}
	p.queue.SetLoop(LoopTrack)
	p.progressQueue(context.Background(), "finished", prev)

	last := f.lastPatch()
	if last.EncodedTrack == nil || *last.EncodedTrack != "replay-me" {
		t.Errorf("last PATCH encodedTrack = %v, want replay-me", last.EncodedTrack)
	}
}

func TestProgressQueueNoOpOnStoppedReplacedCleanup(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, _ := newTestPlayer(t, f)
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	for _, reason := range []string{"stopped", "replaced", "cleanup"} {
		before := f.patchCount()
		p.progressQueue(context.Background(), reason, &Track{Encoded: "x"})
		if got := f.patchCount(); got != before {
			t.Errorf("reason %q: patchCount changed from %d to %d, want no PATCH", reason, before, got)
		}
	}
}

func TestMoveToNodeRejectsSameNodeAndDisconnectedTarget(t *testing.T) {
	f := newFakeAudioServer(t)
	defer f.close()
	_, p, node := newTestPlayer(t, f)

	if err := p.MoveToNode(context.Background(), node); err == nil {
		t.Error("MoveToNode(same node) error = nil, want a precondition error")
	}

	mgr := NewManager(nil)
	down := newNode(NodeConfig{Identifier: "down", Host: "127.0.0.1", Port: 1, Password: "x"}, mgr, mgr.bc)
	if err := p.MoveToNode(context.Background(), down); err == nil {
		t.Error("MoveToNode(not-ready target) error = nil, want a precondition error")
	}
}

func TestMoveToNodeSnapshotsStateOntoTarget(t *testing.T) {
	f1 := newFakeAudioServer(t)
	defer f1.close()
	f2 := newFakeAudioServer(t)
	defer f2.close()

	mgr := NewManager(func(VoiceConnectPayload) error { return nil })
	_ = mgr.SetBotUserID("bot-1")
	node1 := readyNode(t, f1, mgr)
	node2 := readyNode(t, f2, mgr)

	p := newPlayer(mgr, mgr.bc, "guild-move", node1, DefaultPlayerOptions())
	p.mu.Lock()
	p.state = StateStopped
	p.volume = 42
	p.mu.Unlock()
	p.queue.SetCurrent(&Track{Encoded: "moving-track", Info: TrackInfo{Title: "Move"}})

	if err := p.MoveToNode(context.Background(), node2); err != nil {
		t.Fatalf("MoveToNode() error = %v", err)
	}

	if p.Node() != node2 {
		t.Error("Node() did not update to the target after MoveToNode")
	}
	last := f2.lastPatch()
	if last.EncodedTrack == nil || *last.EncodedTrack != "moving-track" {
		t.Errorf("target PATCH encodedTrack = %v, want moving-track", last.EncodedTrack)
	}
	if last.Volume == nil || *last.Volume != 42 {
		t.Errorf("target PATCH volume = %v, want 42", last.Volume)
	}
	if f1.deletes == 0 {
		t.Error("old node never received a DELETE during the move")
	}
}
