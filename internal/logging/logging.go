// Package logging wraps zerolog with the handful of helpers the rest of the
// module needs: a process-wide console sink (matching the teacher's plain,
// human-readable stdlib log output) and per-component child loggers tagged
// with stable fields (component, node, guild) instead of the teacher's
// bracketed "[Player] ..." prefixes.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once base
	mu   sync.Mutex
)

type base struct {
	logger zerolog.Logger
	set    bool
}

// Root returns the process-wide base logger, initializing a console writer
// on first use. Tests may call SetOutput to redirect it.
func Root() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !once.set {
		once.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		once.set = true
	}
	return once.logger
}

// SetOutput replaces the root logger's writer. Used by tests that want quiet
// output or by a host process that wants JSON instead of console formatting.
func SetOutput(w zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	once.logger = w
	once.set = true
}

// For returns a child logger tagged with component=name.
func For(name string) zerolog.Logger {
	return Root().With().Str("component", name).Logger()
}

// ForNode returns a child logger tagged component=node,node=<identifier>.
func ForNode(identifier string) zerolog.Logger {
	return For("node").With().Str("node", identifier).Logger()
}

// ForPlayer returns a child logger tagged component=player,guild=<guildID>.
func ForPlayer(guildID string) zerolog.Logger {
	return For("player").With().Str("guild", guildID).Logger()
}

// ForManager returns a child logger tagged component=manager.
func ForManager() zerolog.Logger {
	return For("manager")
}
