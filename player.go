package melodix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/melodix/internal/logging"
)

// PlayerState is the per-guild playback state machine (§4.4).
type PlayerState int

const (
	StateInstantiated PlayerState = iota
	StateConnecting
	StateWaitingForServer
	StateStopped
	StatePlaying
	StatePaused
	StateDisconnected
	StateDisconnectedLavalink
	StateConnectionFailed
	StateDestroyed
)

func (s PlayerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaitingForServer:
		return "waiting_for_server"
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDisconnected:
		return "disconnected"
	case StateDisconnectedLavalink:
		return "disconnected_lavalink"
	case StateConnectionFailed:
		return "connection_failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "instantiated"
	}
}

// voiceHandshakeTimeout bounds Connect's wait for both platform callbacks
// plus the completing REST PATCH (§4.4, §5).
const voiceHandshakeTimeout = 20 * time.Second

// connectHandle is the Go shape of the source's "promise + external
// resolver" (§9 design note): Connect returns control to the caller, while
// onVoiceStateUpdate/onVoiceServerUpdate resolve it from the Manager's
// dispatch goroutine.
type connectHandle struct {
	id   string
	done chan error
}

func newConnectHandle() *connectHandle {
	return &connectHandle{id: uuid.New().String(), done: make(chan error, 1)}
}

func (h *connectHandle) resolve(err error) {
	select {
	case h.done <- err:
	default:
	}
}

// Player is a per-guild voice handshake + playback state machine bound to
// exactly one Node at a time (§4.4). All command methods serialize through
// mu, held across the Node REST round trip, mirroring the teacher's
// Player.mu held across startTrack.
type Player struct {
	mgr     *Manager
	bc      *broadcaster
	guildID string
	opts    PlayerOptions
	log     zerolog.Logger

	mu             sync.Mutex
	node           *Node
	state          PlayerState
	queue          *Queue
	voiceChannelID string
	voice          VoiceState
	connect        *connectHandle
	moving         bool

	playing     bool
	paused      bool
	volume      int
	lastPos     int64
	lastPosAt   time.Time
	lastPing    int64
	connected   bool
}

func newPlayer(mgr *Manager, bc *broadcaster, guildID string, node *Node, opts PlayerOptions) *Player {
	p := &Player{
		mgr:     mgr,
		bc:      bc,
		guildID: guildID,
		opts:    opts,
		log:     logging.ForPlayer(guildID),
		node:    node,
		state:   StateInstantiated,
		queue:   NewQueue(),
		volume:  opts.InitialVolume,
	}
	node.registerPlayer(p)
	bc.playerCreate(p)
	return p
}

func (p *Player) GuildID() string { return p.guildID }

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Node() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

func (p *Player) Queue() *Queue { return p.queue }

func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// CurrentPosition implements §4.4.2.
func (p *Player) CurrentPosition() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.paused {
		return p.lastPos
	}
	elapsed := time.Since(p.lastPosAt).Milliseconds()
	pos := p.lastPos + elapsed
	length := int64(0)
	if cur := p.queue.Current(); cur != nil {
		length = cur.Info.Length
	}
	if pos < 0 {
		pos = 0
	}
	if length > 0 && pos > length {
		pos = length
	}
	return pos
}

// Connect runs the three-way voice handshake (§4.4).
func (p *Player) Connect(ctx context.Context, channelID string) error {
	p.mu.Lock()
	switch p.state {
	case StateInstantiated, StateDisconnected, StateConnectionFailed, StateDisconnectedLavalink:
	default:
		p.mu.Unlock()
		return &PreconditionError{Op: "Connect", Msg: "player is in state " + p.state.String()}
	}
	if p.mgr.botUserID() == "" {
		p.mu.Unlock()
		return &ConfigError{Msg: "bot user id not set"}
	}
	if p.connect != nil {
		p.mu.Unlock()
		return &PreconditionError{Op: "Connect", Msg: "connect already in flight"}
	}

	handle := newConnectHandle()
	p.log.Debug().Str("connect_id", handle.id).Str("channel", channelID).Msg("voice connect started")
	p.connect = handle
	p.voiceChannelID = channelID
	p.voice = VoiceState{}
	p.state = StateConnecting
	p.mu.Unlock()

	if err := p.mgr.sendVoiceConnect(p.guildID, &channelID, p.opts.SelfMute, p.opts.SelfDeaf); err != nil {
		p.mu.Lock()
		p.connect = nil
		p.state = StateConnectionFailed
		p.mu.Unlock()
		return err
	}

	select {
	case err := <-handle.done:
		return err
	case <-time.After(voiceHandshakeTimeout):
		p.mu.Lock()
		if p.connect == handle {
			p.connect = nil
		}
		p.state = StateConnectionFailed
		p.mu.Unlock()
		err := &PreconditionError{Op: "Connect", Msg: "voice handshake timed out after 20s"}
		go func() {
			_ = p.Disconnect(context.Background())
			p.forceDestroy()
		}()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onVoiceStateUpdate is routed by the Manager from a platform VOICE_STATE_UPDATE
// event for the bot's own user in this guild (§4.4 step 3).
func (p *Player) onVoiceStateUpdate(sessionID, channelID string) {
	p.mu.Lock()
	if channelID == "" {
		// The bot left the channel out of band; tear the player down.
		handle := p.connect
		p.connect = nil
		p.mu.Unlock()
		if handle != nil {
			handle.resolve(&PreconditionError{Op: "Connect", Msg: "bot left voice channel before handshake completed"})
		}
		p.forceDestroy()
		return
	}

	if p.state != StateConnecting && p.state != StateWaitingForServer {
		// Open Question (c): a new voice session id on a connected player is
		// re-sent with the cached token and endpoint; state is left as it is.
		connected := p.state == StateStopped || p.state == StatePlaying || p.state == StatePaused
		resend := connected && sessionID != "" && sessionID != p.voice.SessionID
		if resend {
			p.voice.SessionID = sessionID
		}
		node, voice := p.node, p.voice
		p.mu.Unlock()
		if resend && voice.complete() {
			if err := node.rest.applyVoice(context.Background(), p.guildID, voice); err != nil {
				p.bc.playerError(p, err)
			}
		}
		return
	}
	p.voice.SessionID = sessionID
	if p.state == StateConnecting {
		p.state = StateWaitingForServer
	}
	ready := p.voice.complete()
	p.mu.Unlock()

	if ready {
		p.completeHandshake(context.Background())
	}
}

// onVoiceServerUpdate is routed by the Manager from a platform VOICE_SERVER_UPDATE
// event (§4.4 step 4).
func (p *Player) onVoiceServerUpdate(token, endpoint string) {
	p.mu.Lock()
	if p.state != StateConnecting && p.state != StateWaitingForServer {
		p.mu.Unlock()
		return
	}
	p.voice.Token = token
	p.voice.Endpoint = normalizeEndpoint(endpoint)
	if p.state == StateConnecting {
		p.state = StateWaitingForServer
	}
	ready := p.voice.complete()
	p.mu.Unlock()

	if ready {
		p.completeHandshake(context.Background())
	}
}

// normalizeEndpoint strips scheme and port, per §4.4 step 4.
func normalizeEndpoint(endpoint string) string {
	e := endpoint
	if i := strings.Index(e, "://"); i >= 0 {
		e = e[i+3:]
	}
	if i := strings.LastIndex(e, ":"); i >= 0 {
		e = e[:i]
	}
	return strings.TrimSuffix(e, "/")
}

func (p *Player) completeHandshake(ctx context.Context) {
	p.mu.Lock()
	node := p.node
	voice := p.voice
	handle := p.connect
	p.mu.Unlock()

	err := node.rest.applyVoice(ctx, p.guildID, voice)

	p.mu.Lock()
	if err != nil {
		p.state = StateConnectionFailed
		p.connect = nil
		p.mu.Unlock()
		if handle != nil {
			handle.resolve(err)
		}
		go func() {
			_ = p.Disconnect(context.Background())
			p.forceDestroy()
		}()
		return
	}
	p.connected = true
	p.state = StateStopped
	p.connect = nil
	p.mu.Unlock()

	if handle != nil {
		handle.resolve(nil)
	}
}

// Disconnect leaves the voice channel and removes the player from its Node,
// without destroying the Player object itself.
func (p *Player) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return &PreconditionError{Op: "Disconnect", Msg: "player is destroyed"}
	}
	node := p.node
	p.connected = false
	p.state = StateDisconnected
	p.mu.Unlock()

	_ = p.mgr.sendVoiceConnect(p.guildID, nil, p.opts.SelfMute, p.opts.SelfDeaf)
	if node != nil {
		_ = node.rest.DeletePlayer(ctx, p.guildID)
	}
	return nil
}

// Destroy is the terminal caller-initiated teardown (§4.4, §5).
func (p *Player) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return nil
	}
	node := p.node
	handle := p.connect
	p.connect = nil
	p.state = StateDestroyed
	p.mu.Unlock()

	if handle != nil {
		handle.resolve(&PreconditionError{Op: "Connect", Msg: "player destroyed"})
	}

	_ = p.mgr.sendVoiceConnect(p.guildID, nil, p.opts.SelfMute, p.opts.SelfDeaf)
	if node != nil {
		_ = node.rest.DeletePlayer(ctx, p.guildID)
		node.unregisterPlayer(p.guildID)
	}
	p.mgr.forgetPlayer(p.guildID)
	p.bc.playerDestroy(p)
	return nil
}

// forceDestroy is used by internal failure paths that must not block on the
// caller-provided ctx (handshake timeout, fatal voice close).
func (p *Player) forceDestroy() {
	_ = p.Destroy(context.Background())
}

// PlayOptions customizes a Play call (§4.4). The zero value starts the track
// unpaused from the beginning with replacement always proceeding.
type PlayOptions struct {
	// NoReplace skips the PATCH when the node is already playing this exact
	// track; a genuinely different track still replaces it.
	NoReplace bool
	// Paused starts (or leaves) playback paused.
	Paused bool
	// Position, if non-nil, seeks to this offset (clamped to [0, length])
	// before playback starts.
	Position *int64
	// EndTime, if non-nil, truncates playback at this offset. Dropped
	// unless it is strictly greater than the effective position.
	EndTime *int64
}

// Play issues the PATCH that starts or replaces playback (§4.4). A nil track
// polls the queue.
func (p *Player) Play(ctx context.Context, track *Track, opts PlayOptions) error {
	p.mu.Lock()
	switch p.state {
	case StateStopped, StatePlaying, StatePaused, StateWaitingForServer:
	default:
		p.mu.Unlock()
		return &PreconditionError{Op: "Play", Msg: "player is in state " + p.state.String()}
	}
	node := p.node
	p.mu.Unlock()

	if !node.Connected() {
		return &PreconditionError{Op: "Play", Msg: "node is not ready"}
	}

	// Snapshot the track playing before this call mutates the queue, so the
	// NoReplace comparison below is against what was actually playing, not
	// against the track we are about to set as current.
	prev := p.queue.Current()

	var t *Track
	if track != nil {
		t = track
	} else {
		t = p.queue.Poll()
		if t == nil {
			p.mu.Lock()
			p.state = StateStopped
			p.mu.Unlock()
			p.bc.queueEnd(p)
			return node.rest.StopPlayer(ctx, p.guildID)
		}
	}

	if opts.NoReplace {
		p.mu.Lock()
		samePlaying := p.playing && trackEquals(prev, t)
		p.mu.Unlock()
		if samePlaying {
			return nil
		}
	}

	if track != nil {
		p.queue.SetCurrent(t)
	}

	encoded := t.Encoded
	paused := opts.Paused
	update := PlayerUpdate{EncodedTrack: &encoded, Paused: &paused}

	if opts.Position != nil {
		pos := *opts.Position
		if pos < 0 {
			pos = 0
		}
		if t.Info.Length > 0 && pos > t.Info.Length {
			pos = t.Info.Length
		}
		update.Position = &pos
		if opts.EndTime != nil && *opts.EndTime > pos {
			end := *opts.EndTime
			update.EndTime = &end
		}
	} else if opts.EndTime != nil && *opts.EndTime > 0 {
		end := *opts.EndTime
		update.EndTime = &end
	}

	_, err := node.rest.PatchPlayer(ctx, p.guildID, update, opts.NoReplace)
	return err
}

// Stop implements §4.4 Stop(clearQueue).
func (p *Player) Stop(ctx context.Context, clearQueue bool) error {
	p.mu.Lock()
	node := p.node
	p.queue.ClearCurrent()
	p.playing = false
	p.lastPos = 0
	p.state = StateStopped
	p.mu.Unlock()

	if clearQueue {
		p.queue.Clear()
	}

	if node.Connected() {
		return node.rest.StopPlayer(ctx, p.guildID)
	}
	return nil
}

// Pause implements §4.4 Pause(bool): idempotent, and never promotes an empty
// player from STOPPED to PLAYING.
func (p *Player) Pause(ctx context.Context, paused bool) error {
	p.mu.Lock()
	if p.paused == paused {
		p.mu.Unlock()
		return nil
	}
	node := p.node
	hasCurrent := p.queue.Current() != nil
	p.mu.Unlock()

	if !hasCurrent && !paused {
		return &PreconditionError{Op: "Pause", Msg: "no current track to resume"}
	}

	update := PlayerUpdate{Paused: &paused}
	if _, err := node.rest.PatchPlayer(ctx, p.guildID, update, false); err != nil {
		return err
	}

	p.mu.Lock()
	p.paused = paused
	if hasCurrent {
		if paused {
			p.state = StatePaused
		} else {
			p.state = StatePlaying
		}
	}
	p.mu.Unlock()
	return nil
}

// Seek implements §4.4 Seek(ms).
func (p *Player) Seek(ctx context.Context, positionMs int64) error {
	p.mu.Lock()
	cur := p.queue.Current()
	node := p.node
	p.mu.Unlock()

	if cur == nil {
		return &PreconditionError{Op: "Seek", Msg: "no current track"}
	}
	if !cur.Info.IsSeekable {
		return &PreconditionError{Op: "Seek", Msg: "current track is not seekable"}
	}

	pos := positionMs
	if pos < 0 {
		pos = 0
	}
	if cur.Info.Length > 0 && pos > cur.Info.Length {
		pos = cur.Info.Length
	}

	update := PlayerUpdate{Position: &pos}
	if _, err := node.rest.PatchPlayer(ctx, p.guildID, update, false); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastPos = pos
	p.lastPosAt = now()
	p.mu.Unlock()
	return nil
}

// SetVolume implements §4.4 SetVolume(v).
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 1000 {
		volume = 1000
	}

	p.mu.Lock()
	if p.volume == volume {
		p.mu.Unlock()
		return nil
	}
	node := p.node
	p.mu.Unlock()

	update := PlayerUpdate{Volume: &volume}
	if _, err := node.rest.PatchPlayer(ctx, p.guildID, update, false); err != nil {
		return err
	}

	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

// SetLoop updates the queue's loop policy; does not touch the server.
func (p *Player) SetLoop(mode LoopMode) bool {
	return p.queue.SetLoop(mode)
}

// Skip implements §4.4 Skip().
func (p *Player) Skip(ctx context.Context) error {
	next := p.queue.Peek()
	if next != nil {
		return p.Play(ctx, next, PlayOptions{})
	}
	return p.Stop(ctx, false)
}

// onServerUpdate is dispatched by the owning Node on a playerUpdate frame.
func (p *Player) onServerUpdate(state PlayerUpdateState) {
	p.mu.Lock()
	p.lastPos = state.Position
	p.lastPosAt = now()
	p.connected = state.Connected
	p.lastPing = state.Ping
	p.mu.Unlock()
	p.bc.playerStateUpdate(p, state)
}

// onServerEvent is dispatched by the owning Node on an event frame (§4.4).
func (p *Player) onServerEvent(eventType string, raw []byte) {
	switch eventType {
	case "TrackStartEvent":
		p.handleTrackStart(raw)
	case "TrackEndEvent":
		p.handleTrackEnd(raw)
	case "TrackExceptionEvent":
		p.handleTrackException(raw)
	case "TrackStuckEvent":
		p.handleTrackStuck(raw)
	case "WebSocketClosedEvent":
		p.handleWebSocketClosed(raw)
	default:
		p.bc.debug("player " + p.guildID + ": unknown event type " + eventType)
	}
}

func (p *Player) handleTrackStart(raw []byte) {
	var payload struct {
		Track Track `json:"track"`
	}
	_ = json.Unmarshal(raw, &payload)

	p.mu.Lock()
	p.playing = true
	p.paused = false
	p.state = StatePlaying
	p.lastPos = 0
	p.lastPosAt = now()
	p.mu.Unlock()

	cur := p.queue.Current()
	p.bc.trackStart(p, cur)
}

func (p *Player) handleTrackEnd(raw []byte) {
	var payload struct {
		Track  Track  `json:"track"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &payload)

	prev := p.queue.Current()
	if payload.Reason != "replaced" {
		p.queue.ClearCurrent()
	}

	p.mu.Lock()
	p.playing = false
	p.state = StateStopped
	p.mu.Unlock()

	p.bc.trackEnd(p, prev, payload.Reason)

	if payload.Reason != "replaced" {
		p.progressQueue(context.Background(), payload.Reason, prev)
	}
}

func (p *Player) handleTrackException(raw []byte) {
	var payload struct {
		Track     Track  `json:"track"`
		Exception struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
			Cause    string `json:"cause"`
		} `json:"exception"`
	}
	_ = json.Unmarshal(raw, &payload)

	prev := p.queue.Current()
	p.queue.ClearCurrent()

	p.mu.Lock()
	p.playing = false
	p.state = StateStopped
	p.mu.Unlock()

	err := fmt.Errorf("%s: %s", payload.Exception.Severity, payload.Exception.Message)
	p.bc.trackException(p, prev, err)

	if payload.Exception.Severity == "fault" {
		faultErr := &FaultError{Msg: payload.Exception.Message}
		p.bc.playerError(p, faultErr)
		p.bc.debug("player " + p.guildID + ": fatal track exception, destroying")
		go p.forceDestroy()
		return
	}
	p.progressQueue(context.Background(), "loadFailed", prev)
}

func (p *Player) handleTrackStuck(raw []byte) {
	var payload struct {
		Track       Track `json:"track"`
		ThresholdMs int64 `json:"thresholdMs"`
	}
	_ = json.Unmarshal(raw, &payload)

	prev := p.queue.Current()
	p.queue.ClearCurrent()

	p.mu.Lock()
	p.playing = false
	p.state = StateStopped
	p.mu.Unlock()

	p.bc.trackStuck(p, prev, payload.ThresholdMs)
	p.progressQueue(context.Background(), "stuck", prev)
}

func (p *Player) handleWebSocketClosed(raw []byte) {
	var payload struct {
		Code     int    `json:"code"`
		Reason   string `json:"reason"`
		ByRemote bool   `json:"byRemote"`
	}
	_ = json.Unmarshal(raw, &payload)

	p.mu.Lock()
	p.connected = false
	p.state = StateDisconnectedLavalink
	p.mu.Unlock()

	p.bc.playerWebSocketClosed(p, payload.Code, payload.Reason, payload.ByRemote)

	switch payload.Code {
	case 4004, 4006, 4014:
		faultErr := &FaultError{Msg: payload.Reason, Code: payload.Code}
		p.bc.playerError(p, faultErr)
		p.bc.debug(fmt.Sprintf("player %s: fatal voice close code %d, destroying", p.guildID, payload.Code))
		go p.forceDestroy()
	}
}

// progressQueue implements §4.4.1.
func (p *Player) progressQueue(ctx context.Context, reason string, prev *Track) {
	if p.queue.Loop() == LoopTrack && reason == "finished" {
		if prev != nil {
			_ = p.Play(ctx, prev, PlayOptions{})
		}
		return
	}

	switch reason {
	case "stopped", "replaced", "cleanup":
		return
	}

	// The track handlers have already cleared current, so Poll cannot
	// re-append it for QUEUE loop; put the finished track back at the tail.
	if prev != nil && p.queue.Loop() == LoopQueue {
		p.queue.Add([]Track{*prev})
	}
	next := p.queue.Poll()
	if next != nil {
		_ = p.Play(ctx, next, PlayOptions{})
		return
	}

	p.mu.Lock()
	node := p.node
	p.state = StateStopped
	p.mu.Unlock()

	p.bc.queueEnd(p)
	if node != nil && node.Connected() {
		_ = node.rest.StopPlayer(ctx, p.guildID)
	}
}

// MoveToNode implements §4.4.3 node transfer without audible interruption.
func (p *Player) MoveToNode(ctx context.Context, target *Node) error {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return &PreconditionError{Op: "MoveToNode", Msg: "player is destroyed"}
	}
	if p.moving {
		p.mu.Unlock()
		return &PreconditionError{Op: "MoveToNode", Msg: "move already in progress"}
	}
	old := p.node
	if target == old {
		p.mu.Unlock()
		return &PreconditionError{Op: "MoveToNode", Msg: "target is the current node"}
	}
	if !target.Connected() {
		p.mu.Unlock()
		return &PreconditionError{Op: "MoveToNode", Msg: "target node is not ready"}
	}
	p.moving = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.moving = false
		p.mu.Unlock()
	}()

	p.mu.Lock()
	cur := p.queue.Current()
	position := p.currentPositionLocked()
	volume := p.volume
	paused := p.paused
	voice := p.voice
	p.mu.Unlock()

	if old != nil && old.Connected() {
		_ = old.rest.DeletePlayer(ctx, p.guildID)
	}

	if old != nil {
		old.unregisterPlayer(p.guildID)
	}
	target.registerPlayer(p)

	update := PlayerUpdate{
		Position: &position,
		Volume:   &volume,
		Paused:   &paused,
	}
	if cur != nil {
		update.EncodedTrack = &cur.Encoded
	}
	if voice.complete() {
		update.Voice = &voice
	}

	if _, err := target.rest.PatchPlayer(ctx, p.guildID, update, false); err != nil {
		p.forceDestroy()
		return err
	}

	p.mu.Lock()
	p.node = target
	p.mu.Unlock()

	p.bc.playerMove(p, old, target)
	return nil
}

// currentPositionLocked is CurrentPosition's body for callers already
// holding mu (MoveToNode's snapshot step).
func (p *Player) currentPositionLocked() int64 {
	if !p.playing || p.paused {
		return p.lastPos
	}
	elapsed := time.Since(p.lastPosAt).Milliseconds()
	pos := p.lastPos + elapsed
	length := int64(0)
	if cur := p.queue.Current(); cur != nil {
		length = cur.Info.Length
	}
	if pos < 0 {
		pos = 0
	}
	if length > 0 && pos > length {
		pos = length
	}
	return pos
}

// Connected reports whether the player's voice connection to the audio
// server is currently up, per the last playerUpdate frame.
func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
