// cmd/discord/main.go wires melodix into a Discord bot via discordgo, the
// same shape as the teacher's cmd/discord/main.go: load config, open a
// session, register handlers, block on a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/melodix"
)

func decodeLoadData(result *melodix.LoadResult, out any) error {
	return json.Unmarshal(result.Data, out)
}

func main() {
	log.Println("[INFO] starting melodix discord demo...")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.Fatalf("failed to create discord session: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildVoiceStates

	mgr := melodix.NewManager(nil)
	mgr.SetSendFunc(func(payload melodix.VoiceConnectPayload) error {
		channelID := ""
		if payload.D.ChannelID != nil {
			channelID = *payload.D.ChannelID
		}
		return dg.ChannelVoiceJoinManual(payload.D.GuildID, channelID, payload.D.SelfMute, payload.D.SelfDeaf)
	})
	mgr.AddListener(&consoleListener{session: dg})

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if err := mgr.SetBotUserID(r.User.ID); err != nil {
			log.Printf("[ERR] setting bot user id: %v", err)
			return
		}
		log.Printf("[INFO] discord session ready as %s", r.User.Username)
	})

	dg.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		mgr.HandleVoiceStateUpdate(v.GuildID, v.UserID, v.SessionID, v.ChannelID)
	})

	dg.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceServerUpdate) {
		mgr.HandleVoiceServerUpdate(v.GuildID, v.Token, v.Endpoint)
	})

	commands := &musicCommands{mgr: mgr, prefix: cfg.CommandPrefix}
	dg.AddHandler(commands.onMessageCreate)

	if _, err := mgr.AddNode(melodix.NodeConfig{
		Identifier: "main",
		Host:       cfg.LavalinkHost,
		Port:       cfg.LavalinkPort,
		Secure:     cfg.LavalinkSecure,
		Password:   cfg.LavalinkPassword,
	}); err != nil {
		log.Fatalf("failed to add lavalink node: %v", err)
	}

	if err := dg.Open(); err != nil {
		log.Fatalf("failed to open discord session: %v", err)
	}
	defer dg.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("[INFO] received signal %s, shutting down...", s)
		cancel()
	case <-ctx.Done():
	}

	log.Println("[INFO] melodix discord demo exited cleanly")
}

// musicCommands is a minimal text-command surface over Manager, standing in
// for the teacher's slash-command framework (out of scope per §1's
// "CLI/bot command wiring" non-goal — this demo shows the wiring, not a
// command registry).
type musicCommands struct {
	mgr    *melodix.Manager
	prefix string
}

func (c *musicCommands) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || !strings.HasPrefix(m.Content, c.prefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(m.Content, c.prefix))
	if len(fields) == 0 {
		return
	}

	ctx := context.Background()
	switch strings.ToLower(fields[0]) {
	case "play":
		c.handlePlay(ctx, s, m, strings.Join(fields[1:], " "))
	case "skip":
		c.handleSkip(ctx, s, m)
	case "stop":
		c.handleStop(ctx, s, m)
	case "np":
		c.handleNowPlaying(s, m)
	}
}

func (c *musicCommands) reply(s *discordgo.Session, m *discordgo.MessageCreate, msg string) {
	_, _ = s.ChannelMessageSend(m.ChannelID, msg)
}

func (c *musicCommands) handlePlay(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, query string) {
	if query == "" {
		c.reply(s, m, "usage: play <url or search terms>")
		return
	}

	voiceChannelID := authorVoiceChannel(s, m.GuildID, m.Author.ID)
	if voiceChannelID == "" {
		c.reply(s, m, "join a voice channel first")
		return
	}

	player, err := c.mgr.CreatePlayer(m.GuildID)
	if err != nil {
		c.reply(s, m, fmt.Sprintf("could not create player: %v", err))
		return
	}

	if player.State() == melodix.StateInstantiated || player.State() == melodix.StateDisconnected {
		if err := player.Connect(ctx, voiceChannelID); err != nil {
			c.reply(s, m, fmt.Sprintf("could not join voice channel: %v", err))
			return
		}
	}

	result, err := c.mgr.LoadTracks(ctx, query, player)
	if err != nil {
		c.reply(s, m, fmt.Sprintf("load failed: %v", err))
		return
	}

	track, err := firstTrack(result)
	if err != nil {
		c.reply(s, m, err.Error())
		return
	}
	track = track.WithRequester(m.Author.ID)

	player.Queue().Add([]melodix.Track{track})
	if player.State() == melodix.StateStopped {
		if err := player.Play(ctx, nil, melodix.PlayOptions{}); err != nil {
			c.reply(s, m, fmt.Sprintf("play failed: %v", err))
			return
		}
	}
	c.reply(s, m, fmt.Sprintf("queued: %s", track.Info.Title))
}

func (c *musicCommands) handleSkip(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	player, ok := c.mgr.GetPlayer(m.GuildID)
	if !ok {
		c.reply(s, m, "nothing is playing")
		return
	}
	if err := player.Skip(ctx); err != nil {
		c.reply(s, m, fmt.Sprintf("skip failed: %v", err))
		return
	}
	c.reply(s, m, "skipped")
}

func (c *musicCommands) handleStop(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	player, ok := c.mgr.GetPlayer(m.GuildID)
	if !ok {
		c.reply(s, m, "nothing is playing")
		return
	}
	if err := player.Stop(ctx, true); err != nil {
		c.reply(s, m, fmt.Sprintf("stop failed: %v", err))
		return
	}
	c.reply(s, m, "stopped and cleared the queue")
}

func (c *musicCommands) handleNowPlaying(s *discordgo.Session, m *discordgo.MessageCreate) {
	player, ok := c.mgr.GetPlayer(m.GuildID)
	if !ok {
		c.reply(s, m, "nothing is playing")
		return
	}
	cur := player.Queue().Current()
	if cur == nil {
		c.reply(s, m, "nothing is playing")
		return
	}
	c.reply(s, m, fmt.Sprintf("now playing: %s (%d/%dms)", cur.Info.Title, player.CurrentPosition(), cur.Info.Length))
}

func authorVoiceChannel(s *discordgo.Session, guildID, userID string) string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

// firstTrack extracts the first playable track from a loadtracks response,
// handling the v4 loadType discriminator (track/playlist/search/empty/error).
func firstTrack(result *melodix.LoadResult) (melodix.Track, error) {
	switch result.LoadType {
	case "track":
		var t melodix.Track
		if err := decodeLoadData(result, &t); err != nil {
			return melodix.Track{}, err
		}
		return t, nil
	case "search":
		var tracks []melodix.Track
		if err := decodeLoadData(result, &tracks); err != nil {
			return melodix.Track{}, err
		}
		if len(tracks) == 0 {
			return melodix.Track{}, fmt.Errorf("no results")
		}
		return tracks[0], nil
	case "playlist":
		var playlist struct {
			Tracks []melodix.Track `json:"tracks"`
		}
		if err := decodeLoadData(result, &playlist); err != nil {
			return melodix.Track{}, err
		}
		if len(playlist.Tracks) == 0 {
			return melodix.Track{}, fmt.Errorf("empty playlist")
		}
		return playlist.Tracks[0], nil
	case "empty":
		return melodix.Track{}, fmt.Errorf("no matches found")
	default:
		return melodix.Track{}, fmt.Errorf("load error: %s", string(result.Data))
	}
}

// consoleListener logs lifecycle events through the standard logger with the
// teacher's bracket-tagged log lines. It posts nothing to a text channel.
type consoleListener struct {
	melodix.BaseListener
	session *discordgo.Session
}

func (l *consoleListener) OnNodeReady(n *melodix.Node) {
	log.Printf("[INFO] node %s ready", n.Identifier())
}

func (l *consoleListener) OnNodeDisconnect(n *melodix.Node, code int, reason string) {
	log.Printf("[WARN] node %s disconnected: code=%d reason=%s", n.Identifier(), code, reason)
}

func (l *consoleListener) OnNodeError(n *melodix.Node, err error) {
	log.Printf("[ERR] node %s error: %v", n.Identifier(), err)
}

func (l *consoleListener) OnPlayerError(p *melodix.Player, err error) {
	log.Printf("[ERR] guild %s player error: %v", p.GuildID(), err)
}

func (l *consoleListener) OnTrackStart(p *melodix.Player, track *melodix.Track) {
	if track == nil {
		return
	}
	log.Printf("[INFO] guild %s now playing %s", p.GuildID(), track.Info.Title)
}

func (l *consoleListener) OnQueueEnd(p *melodix.Player) {
	log.Printf("[INFO] guild %s queue ended", p.GuildID())
}

func (l *consoleListener) OnDebug(msg string) {
	log.Printf("[DEBUG] %s", msg)
}
