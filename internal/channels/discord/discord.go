// Package discord connects the core to Discord via the gateway API.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       *config.Config
	botUserID string // populated on start
}

// New creates a Discord channel from config. The token comes from
// SWARMGATE_DISCORD_TOKEN.
func New(cfg *config.Config, router bus.MessageRouter) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Gateways.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", router),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord gateway")
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers a reply, chunking past Discord's message limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord not running")
	}
	if msg.ChannelID == "" || msg.Content == "" {
		return nil
	}
	for _, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChannelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// handleMessage forwards incoming Discord messages to the core. The bot's
// own messages are dropped here; other bots' messages flow through with the
// bot flag set so loop prevention can do its job.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID {
		return
	}

	content := m.Content
	var files []string
	for _, att := range m.Attachments {
		files = append(files, att.URL)
	}
	if content == "" && len(files) == 0 {
		return
	}

	channelName := ""
	if ch, err := c.session.State.Channel(m.ChannelID); err == nil {
		channelName = ch.Name
	}

	slog.Debug("discord message received",
		"sender", m.Author.ID, "channel", m.ChannelID, "bot", m.Author.Bot,
		"preview", channels.Truncate(content, 50))

	c.Publish(bus.InboundMessage{
		ChannelID:         m.ChannelID,
		ChannelName:       channelName,
		UserID:            m.Author.ID,
		Content:           content,
		IsBot:             m.Author.Bot,
		MentionedAgentIDs: c.mentions(m),
		MessageID:         m.ID,
		Files:             files,
		Metadata: map[string]string{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	})
}

// mentions maps Discord @-mentions and textual @name references onto
// configured agent IDs.
func (c *Channel) mentions(m *discordgo.MessageCreate) []string {
	names := make(map[string]string)
	for _, id := range c.cfg.AgentIDs() {
		if ac := c.cfg.Agent(id); ac != nil {
			names[id] = ac.DisplayName
		}
	}
	return channels.ExtractMentions(m.Content, names)
}
