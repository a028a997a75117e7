package melodix

import "time"

// EventListener is the narrow observer contract a caller implements to learn
// about node, player, and track lifecycle. Every method has a default no-op
// embedding (BaseListener) so callers only override what they care about,
// the same shape the teacher used for its discordgo handler registrations.
type EventListener interface {
	OnNodeConnect(n *Node)
	OnNodeReady(n *Node)
	OnNodeDisconnect(n *Node, code int, reason string)
	OnNodeError(n *Node, err error)
	OnNodeStats(n *Node, stats NodeStats)

	OnPlayerCreate(p *Player)
	OnPlayerDestroy(p *Player)
	OnPlayerMove(p *Player, from, to *Node)
	OnPlayerStateUpdate(p *Player, state PlayerUpdateState)
	OnPlayerWebSocketClosed(p *Player, code int, reason string, byRemote bool)
	OnPlayerError(p *Player, err error)

	OnTrackStart(p *Player, track *Track)
	OnTrackEnd(p *Player, track *Track, reason string)
	OnTrackException(p *Player, track *Track, err error)
	OnTrackStuck(p *Player, track *Track, thresholdMs int64)
	OnQueueEnd(p *Player)

	OnDebug(msg string)
}

// BaseListener implements EventListener with no-ops. Embed it in a caller's
// listener struct to override only the events it needs.
type BaseListener struct{}

func (BaseListener) OnNodeConnect(n *Node)                                   {}
func (BaseListener) OnNodeReady(n *Node)                                     {}
func (BaseListener) OnNodeDisconnect(n *Node, code int, reason string)       {}
func (BaseListener) OnNodeError(n *Node, err error)                         {}
func (BaseListener) OnNodeStats(n *Node, stats NodeStats)                   {}
func (BaseListener) OnPlayerCreate(p *Player)                               {}
func (BaseListener) OnPlayerDestroy(p *Player)                              {}
func (BaseListener) OnPlayerMove(p *Player, from, to *Node)                 {}
func (BaseListener) OnPlayerStateUpdate(p *Player, state PlayerUpdateState) {}
func (BaseListener) OnPlayerWebSocketClosed(p *Player, code int, reason string, byRemote bool) {
}
func (BaseListener) OnPlayerError(p *Player, err error) {}
func (BaseListener) OnTrackStart(p *Player, track *Track)                     {}
func (BaseListener) OnTrackEnd(p *Player, track *Track, reason string)        {}
func (BaseListener) OnTrackException(p *Player, track *Track, err error)      {}
func (BaseListener) OnTrackStuck(p *Player, track *Track, thresholdMs int64)   {}
func (BaseListener) OnQueueEnd(p *Player)                                     {}
func (BaseListener) OnDebug(msg string)                                       {}

// PlayerUpdateState mirrors the decoded `playerUpdate.state` payload (§6).
type PlayerUpdateState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// broadcaster fans events out to every registered EventListener. A Manager
// owns exactly one; Nodes and Players created through it share the same
// broadcaster so Manager.AddListener subscribes to everything underneath it,
// matching the "Manager subscribes to a narrow NodeObserver" design note.
type broadcaster struct {
	listeners []EventListener
}

func (b *broadcaster) add(l EventListener) {
	b.listeners = append(b.listeners, l)
}

func (b *broadcaster) debug(msg string) {
	for _, l := range b.listeners {
		l.OnDebug(msg)
	}
}

func (b *broadcaster) nodeConnect(n *Node) {
	for _, l := range b.listeners {
		l.OnNodeConnect(n)
	}
}

func (b *broadcaster) nodeReady(n *Node) {
	for _, l := range b.listeners {
		l.OnNodeReady(n)
	}
}

func (b *broadcaster) nodeDisconnect(n *Node, code int, reason string) {
	for _, l := range b.listeners {
		l.OnNodeDisconnect(n, code, reason)
	}
}

func (b *broadcaster) nodeError(n *Node, err error) {
	for _, l := range b.listeners {
		l.OnNodeError(n, err)
	}
}

func (b *broadcaster) nodeStats(n *Node, stats NodeStats) {
	for _, l := range b.listeners {
		l.OnNodeStats(n, stats)
	}
}

func (b *broadcaster) playerCreate(p *Player) {
	for _, l := range b.listeners {
		l.OnPlayerCreate(p)
	}
}

func (b *broadcaster) playerDestroy(p *Player) {
	for _, l := range b.listeners {
		l.OnPlayerDestroy(p)
	}
}

func (b *broadcaster) playerMove(p *Player, from, to *Node) {
	for _, l := range b.listeners {
		l.OnPlayerMove(p, from, to)
	}
}

func (b *broadcaster) playerStateUpdate(p *Player, state PlayerUpdateState) {
	for _, l := range b.listeners {
		l.OnPlayerStateUpdate(p, state)
	}
}

func (b *broadcaster) playerWebSocketClosed(p *Player, code int, reason string, byRemote bool) {
	for _, l := range b.listeners {
		l.OnPlayerWebSocketClosed(p, code, reason, byRemote)
	}
}

func (b *broadcaster) playerError(p *Player, err error) {
	for _, l := range b.listeners {
		l.OnPlayerError(p, err)
	}
}

func (b *broadcaster) trackStart(p *Player, t *Track) {
	for _, l := range b.listeners {
		l.OnTrackStart(p, t)
	}
}

func (b *broadcaster) trackEnd(p *Player, t *Track, reason string) {
	for _, l := range b.listeners {
		l.OnTrackEnd(p, t, reason)
	}
}

func (b *broadcaster) trackException(p *Player, t *Track, err error) {
	for _, l := range b.listeners {
		l.OnTrackException(p, t, err)
	}
}

func (b *broadcaster) trackStuck(p *Player, t *Track, thresholdMs int64) {
	for _, l := range b.listeners {
		l.OnTrackStuck(p, t, thresholdMs)
	}
}

func (b *broadcaster) queueEnd(p *Player) {
	for _, l := range b.listeners {
		l.OnQueueEnd(p)
	}
}

// now exists so tests can observe wall-clock fields without reaching for
// time.Now() directly in assertions; kept trivial on purpose.
func now() time.Time { return time.Now() }
