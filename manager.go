package melodix

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/melodix/internal/logging"
	"github.com/keshon/melodix/pkg/util"
)

// VoiceConnectPayload is the platform voice-connect opcode the host bot must
// deliver to the chat platform's gateway (§6): `{op:4, d:{...}}`.
type VoiceConnectPayload struct {
	Op int              `json:"op"`
	D  VoiceConnectData `json:"d"`
}

// VoiceConnectData is the op 4 payload body.
type VoiceConnectData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// SendFunc delivers a voice-connect payload to the chat platform's gateway
// on behalf of the bot. Supplied by the host process; assumed non-blocking
// (§5 suspension points).
type SendFunc func(payload VoiceConnectPayload) error

var (
	urlPattern    = regexp.MustCompile(`^(?:https?|ftp)://`)
	searchPattern = regexp.MustCompile(`^(ytsearch|ytmsearch|scsearch|amsearch|dzsearch|spsearch):`)
)

// Manager is the fleet of Nodes and Players for one bot process (§4.5).
type Manager struct {
	send         SendFunc
	defaultOpts  PlayerOptions
	bc           *broadcaster
	log          zerolog.Logger

	mu        sync.RWMutex
	userID    string
	nodes     map[string]*Node
	nodeOrder []string
	players   map[string]*Player
}

// NewManager constructs an empty Manager. send delivers the platform
// voice-connect opcode; it may be nil until SetSendFunc is called, in which
// case Connect calls fail with a ConfigError.
func NewManager(send SendFunc) *Manager {
	return &Manager{
		send:        send,
		defaultOpts: DefaultPlayerOptions(),
		bc:          &broadcaster{},
		log:         logging.ForManager(),
		nodes:       make(map[string]*Node),
		players:     make(map[string]*Player),
	}
}

// AddListener subscribes l to every Node/Player/Track event the Manager's
// fleet emits (§9 design note: Manager owns the one broadcaster everything
// below it shares).
func (m *Manager) AddListener(l EventListener) {
	m.bc.add(l)
}

// SetSendFunc installs or replaces the platform voice-connect delivery
// callback.
func (m *Manager) SetSendFunc(send SendFunc) {
	m.mu.Lock()
	m.send = send
	m.mu.Unlock()
}

// SetBotUserID sets the bot's platform user id once. A second call with a
// different id returns a ConfigError; an idempotent call with the same id is
// a no-op.
func (m *Manager) SetBotUserID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID != "" && m.userID != id {
		return &ConfigError{Msg: "bot user id already set"}
	}
	m.userID = id
	return nil
}

func (m *Manager) botUserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

func (m *Manager) sendVoiceConnect(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	m.mu.RLock()
	send := m.send
	m.mu.RUnlock()
	if send == nil {
		return &ConfigError{Msg: "no voice-connect send callback configured"}
	}
	return send(VoiceConnectPayload{
		Op: 4,
		D: VoiceConnectData{
			GuildID:   guildID,
			ChannelID: channelID,
			SelfMute:  selfMute,
			SelfDeaf:  selfDeaf,
		},
	})
}

// AddNode validates cfg, creates a Node, and starts its dial loop (§4.5).
func (m *Manager) AddNode(cfg NodeConfig) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.nodes[cfg.Identifier]; exists {
		m.mu.Unlock()
		return nil, &ConfigError{Msg: "node identifier already registered: " + cfg.Identifier}
	}
	node := newNode(cfg, m, m.bc)
	m.nodes[cfg.Identifier] = node
	m.nodeOrder = append(m.nodeOrder, cfg.Identifier)
	m.mu.Unlock()

	node.start()
	return node, nil
}

// RemoveNode takes the node out of the fleet, migrates or destroys its bound
// Players, and then closes and destroys the node (§4.5).
func (m *Manager) RemoveNode(ctx context.Context, identifier string) error {
	m.mu.Lock()
	node, ok := m.nodes[identifier]
	if !ok {
		m.mu.Unlock()
		return &ConfigError{Msg: "unknown node identifier: " + identifier}
	}
	delete(m.nodes, identifier)
	for i, id := range m.nodeOrder {
		if id == identifier {
			m.nodeOrder = append(m.nodeOrder[:i], m.nodeOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.handleNodeDisconnection(node, false)
	node.Destroy()
	return nil
}

// GetIdealNode returns the READY node with smallest Penalty(), ties broken
// by insertion order (§4.5).
func (m *Manager) GetIdealNode() (*Node, error) {
	return m.getIdealNodeExcluding(nil)
}

func (m *Manager) getIdealNodeExcluding(exclude *Node) (*Node, error) {
	m.mu.RLock()
	order := make([]string, len(m.nodeOrder))
	copy(order, m.nodeOrder)
	nodes := make(map[string]*Node, len(m.nodes))
	for k, v := range m.nodes {
		nodes[k] = v
	}
	m.mu.RUnlock()

	var best *Node
	bestPenalty := 0.0
	for _, id := range order {
		n := nodes[id]
		if n == nil || n == exclude {
			continue
		}
		if !n.Connected() {
			continue
		}
		pen := n.Penalty()
		if best == nil || pen < bestPenalty {
			best = n
			bestPenalty = pen
		}
	}
	if best == nil {
		return nil, &PreconditionError{Op: "GetIdealNode", Msg: "no READY node available"}
	}
	return best, nil
}

// GetPlayer returns the existing Player for guildID, if any.
func (m *Manager) GetPlayer(guildID string) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[guildID]
	return p, ok
}

func (m *Manager) forgetPlayer(guildID string) {
	m.mu.Lock()
	delete(m.players, guildID)
	m.mu.Unlock()
}

// CreatePlayer returns the existing non-destroyed Player for guildID, or
// constructs one on GetIdealNode() (§4.5).
func (m *Manager) CreatePlayer(guildID string, opts ...PlayerOptions) (*Player, error) {
	if m.botUserID() == "" {
		return nil, &ConfigError{Msg: "bot user id not set"}
	}

	m.mu.Lock()
	if existing, ok := m.players[guildID]; ok && existing.State() != StateDestroyed {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	node, err := m.GetIdealNode()
	if err != nil {
		return nil, err
	}

	playerOpts := m.defaultOpts
	if len(opts) > 0 {
		playerOpts = opts[0]
	}

	p := newPlayer(m, m.bc, guildID, node, playerOpts)

	m.mu.Lock()
	m.players[guildID] = p
	m.mu.Unlock()

	return p, nil
}

// LoadTracks resolves q against a search-engine prefix when it names neither
// a URL nor an existing search prefix, then asks the hint player's node (if
// READY) or the fleet's ideal node to resolve it (§4.5).
func (m *Manager) LoadTracks(ctx context.Context, q string, hintPlayer *Player) (*LoadResult, error) {
	var node *Node
	if hintPlayer != nil {
		if n := hintPlayer.Node(); n != nil && n.Connected() {
			node = n
		}
	}
	if node == nil {
		n, err := m.GetIdealNode()
		if err != nil {
			return nil, err
		}
		node = n
	}

	query := q
	if !urlPattern.MatchString(query) && !searchPattern.MatchString(query) {
		query = "ytsearch:" + query
	}

	return node.rest.LoadTracks(ctx, query)
}

// HandleVoiceStateUpdate routes a platform VOICE_STATE_UPDATE payload for the
// bot's own user into the matching Player (§4.5, §4.4 step 3).
func (m *Manager) HandleVoiceStateUpdate(guildID, userID, sessionID, channelID string) {
	if m.botUserID() == "" || userID != m.botUserID() {
		return
	}
	p, ok := m.GetPlayer(guildID)
	if !ok {
		return
	}
	p.onVoiceStateUpdate(sessionID, channelID)
}

// HandleVoiceServerUpdate routes a platform VOICE_SERVER_UPDATE payload into
// the matching Player (§4.5, §4.4 step 4).
func (m *Manager) HandleVoiceServerUpdate(guildID, token, endpoint string) {
	if m.botUserID() == "" {
		return
	}
	p, ok := m.GetPlayer(guildID)
	if !ok {
		return
	}
	p.onVoiceServerUpdate(token, endpoint)
}

// handleNodeDisconnection migrates every non-destroyed Player bound to n onto
// a fresh ideal node, or destroys it if none is available (§4.5). The
// migration fan-out runs through pkg/util.Parallel, bounded at a small
// worker limit, since each migration is an independent REST round trip.
func (m *Manager) handleNodeDisconnection(n *Node, permanent bool) {
	players := n.boundPlayers()
	if len(players) == 0 {
		return
	}

	target, err := m.getIdealNodeExcluding(n)
	if err != nil && !permanent {
		time.Sleep(500*time.Millisecond + minReconnectDelay(n))
		target, err = m.getIdealNodeExcluding(n)
	}

	const migrateWorkers = 4
	_ = util.Parallel(players, migrateWorkers, func(ctx context.Context, p *Player) error {
		if err != nil || target == nil {
			_ = p.Destroy(context.Background())
			return nil
		}
		if moveErr := p.MoveToNode(context.Background(), target); moveErr != nil {
			m.log.Warn().Err(moveErr).Str("guild", p.GuildID()).Msg("player migration failed, destroying")
			_ = p.Destroy(context.Background())
		}
		return nil
	})
}

func minReconnectDelay(n *Node) time.Duration {
	return n.cfg.Reconnect.InitialDelay
}
