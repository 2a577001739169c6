package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DiscordConfig holds the bot-identity fields the source bot's
// discord.json carried; the voice pipeline only needs enough of it to
// open a session and join one voice channel.
type DiscordConfig struct {
	Token        string `json:"token"`
	GuildID      string `json:"guild_id"`
	ChannelID    string `json:"channel_id"`
	LogChannelID string `json:"log_channel_id"`
}

// LoadDiscordConfig reads discord.json from the same config directory
// voice.json lives in. A missing file is not an error here either; an
// empty Token simply means the caller cannot open a session yet.
func LoadDiscordConfig() (DiscordConfig, error) {
	var cfg DiscordConfig

	path, err := getConfigPath("discord.json")
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return cfg, nil
}
