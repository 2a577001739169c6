package transport

import "github.com/bwmarrin/discordgo"

// DiscordLogSink implements log.TranscriptSink over a Discord text
// channel, the role the source bot's log.Post played directly against
// its own global session/channel pair.
type DiscordLogSink struct {
	Session   *discordgo.Session
	ChannelID string
}

func (d *DiscordLogSink) Post(msg string) error {
	if d.Session == nil || d.ChannelID == "" {
		return nil
	}
	_, err := d.Session.ChannelMessageSend(d.ChannelID, msg)
	return err
}
