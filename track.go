package melodix

// TrackInfo is the decoded metadata the audio server attaches to a track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	SourceName string `json:"sourceName"`
}

// Track is an opaque, server-produced encoded string plus its decoded info.
// Immutable once received from the audio server; Requester is the one field
// the client is allowed to attach after the fact.
type Track struct {
	Encoded   string    `json:"encoded"`
	Info      TrackInfo `json:"info"`
	Requester string    `json:"-"`
}

// WithRequester returns a shallow copy of the track annotated with a
// requester id. Tracks are otherwise treated as immutable once the audio
// server has produced them.
func (t Track) WithRequester(requester string) Track {
	t.Requester = requester
	return t
}

func (t Track) clone() *Track {
	c := t
	return &c
}

// trackEquals compares tracks by encoded-string identity, the equality rule
// Queue.Remove uses (§4.1).
func trackEquals(a, b *Track) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Encoded == b.Encoded
}
