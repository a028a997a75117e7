package melodix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keshon/melodix/internal/logging"
	"github.com/keshon/melodix/pkg/jobmgr"
)

// NodeState is the Node session lifecycle (§4.3).
type NodeState int32

const (
	NodeIdle NodeState = iota
	NodeDialing
	NodeOpenAwaitingReady
	NodeReady
	NodeClosed
	NodeReconnectPending
	NodeDestroyed
)

func (s NodeState) String() string {
	switch s {
	case NodeDialing:
		return "dialing"
	case NodeOpenAwaitingReady:
		return "open_awaiting_ready"
	case NodeReady:
		return "ready"
	case NodeClosed:
		return "closed"
	case NodeReconnectPending:
		return "reconnect_pending"
	case NodeDestroyed:
		return "destroyed"
	default:
		return "idle"
	}
}

// permanentCloseCodes are websocket close codes the protocol defines as
// terminal for a Node: never reconnect, surface an error, and tell the
// Manager this node failed permanently (§4.3).
var permanentCloseCodes = map[int]bool{
	4004: true, 4005: true, 4006: true, 4009: true, 4015: true, 4016: true,
}

// Node owns one WebSocket + REST session to an audio server. Nodes keep a
// guildID-keyed map of the Players routed through them, used to dispatch
// frames; the Manager decides when Players are created and destroyed.
type Node struct {
	cfg  NodeConfig
	mgr  *Manager
	rest *restClient
	bc   *broadcaster
	jobs *jobmgr.Manager
	log  zerolog.Logger

	mu               sync.RWMutex
	state            NodeState
	conn             *websocket.Conn
	sessionID        string
	reconnectAttempt int
	stats            NodeStats
	statsFresh       bool
	players          map[string]*Player
	callerClosed     bool

	writeMu sync.Mutex
}

func newNode(cfg NodeConfig, mgr *Manager, bc *broadcaster) *Node {
	cfg = cfg.withDefaults()
	n := &Node{
		cfg:     cfg,
		mgr:     mgr,
		bc:      bc,
		jobs:    jobmgr.NewManager(nil),
		log:     logging.ForNode(cfg.Identifier),
		players: make(map[string]*Player),
	}
	n.rest = newRESTClient(cfg, n.SessionID)
	return n
}

// Identifier returns the node's configured identifier.
func (n *Node) Identifier() string { return n.cfg.Identifier }

func (n *Node) getState() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Connected reports whether the node is READY (§4.3).
func (n *Node) Connected() bool { return n.getState() == NodeReady }

// SessionID returns the remembered session id, or "" if none.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Stats returns the latest health snapshot. Open Question (a): stats are
// treated as stale while the node is not connected, so callers should also
// check Connected().
func (n *Node) Stats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// Penalty is Infinity when not READY, otherwise the §3 health score. Stale
// stats (node disconnected since the last snapshot) still contribute a
// number, but Penalty is never consulted by GetIdealNode unless Connected().
func (n *Node) Penalty() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats.penalty(n.state == NodeReady)
}

func (n *Node) registerPlayer(p *Player) {
	n.mu.Lock()
	n.players[p.GuildID()] = p
	n.mu.Unlock()
}

func (n *Node) unregisterPlayer(guildID string) {
	n.mu.Lock()
	delete(n.players, guildID)
	n.mu.Unlock()
}

func (n *Node) playerFor(guildID string) *Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.players[guildID]
}

func (n *Node) boundPlayers() []*Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Player, 0, len(n.players))
	for _, p := range n.players {
		out = append(out, p)
	}
	return out
}

// invalidateSession clears the remembered session id and closes the socket so
// the dial loop reconnects and a fresh READY negotiates a new one. The REST
// client does not call it: a 404 on a session-scoped path is returned to the
// caller as a SessionError and leaves the session id as it is.
func (n *Node) invalidateSession() {
	n.mu.Lock()
	n.sessionID = ""
	conn := n.conn
	n.mu.Unlock()

	n.log.Warn().Msg("session invalidated by 404, forcing reconnect")
	if conn != nil {
		_ = conn.Close()
	}
}

// start begins the dial/reconnect loop as a named jobmgr job so Destroy can
// cancel it deterministically (§4.3).
func (n *Node) start() {
	jobName := "node:" + n.cfg.Identifier + ":dial"
	_ = n.jobs.StartAsync(jobName, n.dialLoop)
}

func (n *Node) dialLoop(ctx context.Context) error {
	for {
		if n.getState() == NodeDestroyed {
			return nil
		}
		if n.mgr.botUserID() == "" {
			// No reconnect is attempted while bot user id is unset (§4.3).
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		if err := n.dialOnce(ctx); err != nil {
			n.bc.debug(fmt.Sprintf("node %s dial failed: %v", n.cfg.Identifier, err))
		}

		if n.getState() == NodeDestroyed {
			return nil
		}

		n.mu.RLock()
		callerClosed := n.callerClosed
		n.mu.RUnlock()
		if callerClosed {
			return nil
		}

		delay, ok := n.nextReconnectDelay()
		if !ok {
			n.log.Error().Msg("reconnect attempts exhausted, node marked permanently failed")
			n.bc.nodeError(n, &TransportError{Msg: "reconnect attempts exhausted"})
			n.mgr.handleNodeDisconnection(n, true)
			return nil
		}

		n.setState(NodeReconnectPending)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (n *Node) nextReconnectDelay() (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reconnectAttempt >= n.cfg.Reconnect.MaxTries {
		return 0, false
	}
	attempt := n.reconnectAttempt
	n.reconnectAttempt++
	delay := n.cfg.Reconnect.InitialDelay * time.Duration(1<<uint(attempt))
	if delay > n.cfg.Reconnect.MaxDelay || delay <= 0 {
		delay = n.cfg.Reconnect.MaxDelay
	}
	return delay, true
}

// dialOnce performs one connect+read cycle; it returns when the dial fails or
// the connection closes. ctx bounds the dial itself; cancelling it afterwards
// does not close an open connection.
func (n *Node) dialOnce(ctx context.Context) error {
	n.setState(NodeDialing)

	headers := http.Header{}
	headers.Set("Authorization", n.cfg.Password)
	headers.Set("User-Id", n.mgr.botUserID())
	headers.Set("Client-Name", "melodix/1.0")

	// Open Question (b): Session-Id is sent when a session id is remembered;
	// otherwise Resume-Key is sent when one is configured. Never both.
	n.mu.RLock()
	sid := n.sessionID
	n.mu.RUnlock()
	if sid != "" {
		headers.Set("Session-Id", sid)
	} else if n.cfg.ResumeKey != "" {
		headers.Set("Resume-Key", n.cfg.ResumeKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, n.cfg.wsURL(), headers)
	if err != nil {
		n.setState(NodeClosed)
		return &TransportError{Msg: "dial " + n.cfg.wsURL(), Err: err}
	}

	n.mu.Lock()
	n.conn = conn
	n.callerClosed = false
	n.mu.Unlock()

	n.setState(NodeOpenAwaitingReady)
	n.bc.nodeConnect(n)

	return n.readLoop(ctx, conn)
}

func (n *Node) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			n.handleClose(code, reason)
			return err
		}
		n.handleFrame(raw)
	}
}

func closeInfo(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// handleClose runs on every websocket close, caller-initiated or not (§4.3).
func (n *Node) handleClose(code int, reason string) {
	n.mu.Lock()
	n.conn = nil
	keepSession := n.cfg.ResumeKey != ""
	if !keepSession {
		n.sessionID = ""
	}
	n.mu.Unlock()

	if n.getState() != NodeDestroyed {
		n.setState(NodeClosed)
	}
	n.bc.nodeDisconnect(n, code, reason)

	if permanentCloseCodes[code] {
		n.log.Error().Int("code", code).Str("reason", reason).Msg("permanent close code, disabling reconnect")
		n.bc.nodeError(n, &SessionError{Msg: reason, Code: code, Permanent: true})
		n.mu.Lock()
		n.callerClosed = true // suppress dialLoop's reconnect path; loop exits next iteration
		n.mu.Unlock()
		n.mgr.handleNodeDisconnection(n, true)
		return
	}

	// A transient, non-permanent close: dialLoop schedules a reconnect on its
	// own (unless this close was caller-initiated, in which case whoever
	// called disconnect() — Destroy or RemoveNode — owns any migration
	// decision). Players stay bound; no action needed here.
}

func (n *Node) handleFrame(raw []byte) {
	var env struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		n.bc.debug("node " + n.cfg.Identifier + ": malformed frame: " + err.Error())
		return
	}

	switch env.Op {
	case "ready":
		n.handleReady(raw)
	case "stats":
		n.handleStats(raw)
	case "playerUpdate":
		n.handlePlayerUpdate(raw)
	case "event":
		n.handleEvent(raw)
	default:
		n.bc.debug("node " + n.cfg.Identifier + ": unknown op " + env.Op)
	}
}

func (n *Node) handleReady(raw []byte) {
	var payload struct {
		Resumed   bool   `json:"resumed"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		n.bc.debug("node " + n.cfg.Identifier + ": malformed ready frame")
		return
	}

	n.mu.Lock()
	n.sessionID = payload.SessionID
	n.reconnectAttempt = 0
	n.mu.Unlock()

	n.setState(NodeReady)
	n.log.Info().Bool("resumed", payload.Resumed).Str("session", payload.SessionID).Msg("node ready")
	n.bc.nodeReady(n)

	if !payload.Resumed && n.cfg.ResumeKey != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
			defer cancel()
			if err := n.rest.UpdateSession(ctx, true, n.cfg.ResumeTimeoutSeconds); err != nil {
				n.bc.nodeError(n, err)
			}
		}()
	}
}

func (n *Node) handleStats(raw []byte) {
	var stats NodeStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		n.bc.debug("node " + n.cfg.Identifier + ": malformed stats frame")
		return
	}
	n.mu.Lock()
	n.stats = stats
	n.statsFresh = true
	n.mu.Unlock()
	n.bc.nodeStats(n, stats)
}

func (n *Node) handlePlayerUpdate(raw []byte) {
	var payload struct {
		GuildID string            `json:"guildId"`
		State   PlayerUpdateState `json:"state"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		n.bc.debug("node " + n.cfg.Identifier + ": malformed playerUpdate frame")
		return
	}
	if p := n.playerFor(payload.GuildID); p != nil {
		p.onServerUpdate(payload.State)
	}
}

func (n *Node) handleEvent(raw []byte) {
	var env struct {
		GuildID string `json:"guildId"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		n.bc.debug("node " + n.cfg.Identifier + ": malformed event frame")
		return
	}
	p := n.playerFor(env.GuildID)
	if p == nil {
		return
	}
	p.onServerEvent(env.Type, raw)
}

// disconnect is the caller-initiated close path (§4.3): clears any reconnect
// timer implicitly by marking callerClosed, closes gracefully (or terminates
// if still dialing), and purges the session id unless a resume key is
// configured.
func (n *Node) disconnect() {
	n.mu.Lock()
	n.callerClosed = true
	conn := n.conn
	if n.cfg.ResumeKey == "" {
		n.sessionID = ""
	}
	n.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
	}
}

// Destroy disables reconnect for the remainder of this Node's life (§4.3)
// and clears its player set; Players themselves are owned by the Manager.
func (n *Node) Destroy() {
	n.setState(NodeDestroyed)
	n.disconnect()
	n.jobs.Stop("node:" + n.cfg.Identifier + ":dial")

	n.mu.Lock()
	n.players = make(map[string]*Player)
	n.mu.Unlock()
}
