// Package telegram connects the core to Telegram via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

const maxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	cfg        *config.Config
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config. The token comes from
// SWARMGATE_TELEGRAM_TOKEN.
func New(cfg *config.Config, router bus.MessageRouter) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Gateways.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", router),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	c.SetRunning(true)
	go func() {
		defer close(c.pollDone)
		for update := range updates {
			if update.Message != nil {
				c.handleMessage(update.Message)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop to drain.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
	return nil
}

// Send delivers a reply, chunking past Telegram's message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram not running")
	}
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChannelID, err)
	}
	for _, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// handleMessage forwards an incoming Telegram message to the core.
func (c *Channel) handleMessage(m *telego.Message) {
	if m.From == nil {
		return
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}
	var files []string
	if m.Document != nil {
		files = append(files, m.Document.FileID)
	}
	if len(m.Photo) > 0 {
		// renditions are ordered smallest first
		files = append(files, m.Photo[len(m.Photo)-1].FileID)
	}
	if content == "" && len(files) == 0 {
		return
	}

	names := make(map[string]string)
	for _, id := range c.cfg.AgentIDs() {
		if ac := c.cfg.Agent(id); ac != nil {
			names[id] = ac.DisplayName
		}
	}

	slog.Debug("telegram message received",
		"sender", m.From.ID, "chat", m.Chat.ID, "bot", m.From.IsBot,
		"preview", channels.Truncate(content, 50))

	c.Publish(bus.InboundMessage{
		ChannelID:         strconv.FormatInt(m.Chat.ID, 10),
		ChannelName:       m.Chat.Title,
		UserID:            strconv.FormatInt(m.From.ID, 10),
		Content:           content,
		IsBot:             m.From.IsBot,
		MentionedAgentIDs: channels.ExtractMentions(content, names),
		MessageID:         strconv.Itoa(m.MessageID),
		Files:             files,
		Metadata: map[string]string{
			"username": m.From.Username,
		},
	})
}
