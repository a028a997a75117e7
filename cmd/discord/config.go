package main

import (
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// config is the demo bot's environment-driven configuration, loaded the
// same way the teacher's internal/config.New() loads DISCORD_TOKEN, but via
// caarlos0/env struct tags instead of manual os.Getenv calls.
type config struct {
	DiscordToken     string `env:"DISCORD_TOKEN,required"`
	LavalinkHost     string `env:"LAVALINK_HOST" envDefault:"127.0.0.1"`
	LavalinkPort     int    `env:"LAVALINK_PORT" envDefault:"2333"`
	LavalinkPassword string `env:"LAVALINK_PASSWORD" envDefault:"youshallnotpass"`
	LavalinkSecure   bool   `env:"LAVALINK_SECURE" envDefault:"false"`
	CommandPrefix    string `env:"COMMAND_PREFIX" envDefault:"!"`
}

func loadConfig() (*config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[INFO] no .env file found, falling back to system environment variables")
	}
	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
