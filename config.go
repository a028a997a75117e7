package melodix

import (
	"strconv"
	"time"
)

// ReconnectPolicy controls the websocket reconnect backoff schedule (§4.3,
// §5): delay = min(InitialDelay*2^attempt, MaxDelay), up to MaxTries.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxTries     int
}

// DefaultReconnectPolicy mirrors typical Lavalink client defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     60 * time.Second,
		MaxTries:     10,
	}
}

// NodeConfig is the fixed options struct for one audio server connection
// (§9 design note: "dynamic options objects become a fixed config struct").
type NodeConfig struct {
	Identifier string
	Host       string
	Port       int
	Secure     bool
	Password   string

	ResumeKey            string
	ResumeTimeoutSeconds int
	RetryAmount          int
	Reconnect            ReconnectPolicy
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.RetryAmount <= 0 {
		c.RetryAmount = 3
	}
	if c.Reconnect.InitialDelay <= 0 && c.Reconnect.MaxDelay <= 0 && c.Reconnect.MaxTries <= 0 {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.ResumeTimeoutSeconds <= 0 {
		c.ResumeTimeoutSeconds = 60
	}
	return c
}

func (c NodeConfig) validate() error {
	if c.Host == "" {
		return &ConfigError{Msg: "node host must not be empty"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Msg: "node port must be in [1,65535]"}
	}
	if c.Password == "" {
		return &ConfigError{Msg: "node password must not be empty"}
	}
	if c.Identifier == "" {
		return &ConfigError{Msg: "node identifier must not be empty"}
	}
	return nil
}

// restBaseURL returns the http(s) base URL for REST calls to this node.
func (c NodeConfig) restBaseURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.hostPort()
}

// wsURL returns the ws(s) URL for the node's v4 websocket endpoint.
func (c NodeConfig) wsURL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return scheme + "://" + c.hostPort() + "/v4/websocket"
}

func (c NodeConfig) hostPort() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// PlayerOptions are the default voice-join parameters a newly created Player
// uses unless overridden (§9).
type PlayerOptions struct {
	SelfDeaf      bool
	SelfMute      bool
	InitialVolume int
}

// DefaultPlayerOptions returns non-deafened, non-muted, volume 100.
func DefaultPlayerOptions() PlayerOptions {
	return PlayerOptions{SelfDeaf: false, SelfMute: false, InitialVolume: 100}
}
