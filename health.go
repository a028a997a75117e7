package melodix

import "math"

// NodeStats is the decoded `stats` websocket frame (§6, §3.1). Only a subset
// feeds the penalty formula; the rest is kept so OnNodeStats subscribers see
// the full server payload.
type NodeStats struct {
	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	UptimeMs       int64 `json:"uptime"`
	CPU            struct {
		Cores        int     `json:"cores"`
		SystemLoad   float64 `json:"systemLoad"`
		LavalinkLoad float64 `json:"lavalinkLoad"`
	} `json:"cpu"`
	Memory struct {
		Free       int64 `json:"free"`
		Used       int64 `json:"used"`
		Allocated  int64 `json:"allocated"`
		Reservable int64 `json:"reservable"`
	} `json:"memory"`
	FrameStats struct {
		Sent   int64 `json:"sent"`
		Nulled int64 `json:"nulled"`
		Deficit int64 `json:"deficit"`
	} `json:"frameStats"`
}

const bytesPerMiB = 1024 * 1024

// penalty implements the §3 formula. Infinity when the node is not READY.
// Lower is better.
func (s NodeStats) penalty(ready bool) float64 {
	if !ready {
		return math.Inf(1)
	}

	p := float64(s.Players)

	if s.CPU.Cores > 0 {
		loadFraction := 100 * s.CPU.SystemLoad / float64(s.CPU.Cores)
		p += math.Round(math.Pow(1.05, loadFraction)*10 - 10)
	}

	p += math.Round(float64(s.Memory.Used) / float64(bytesPerMiB))
	p += float64(s.FrameStats.Deficit) / 3000
	p += 2 * float64(s.FrameStats.Nulled) / 3000

	return p
}
