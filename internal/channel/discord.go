package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"threadrelay/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger.With("component", "discord"),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session

	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		in, ok := discordInbound(m.Message, s.State.User.ID)
		if !ok {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"mention", in.Mention,
			"content_len", len(in.Content),
		)
		bus.Publish(in)
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		content := "/" + data.Name
		if data.Name == "ask" {
			content = ""
		}
		for _, opt := range data.Options {
			if opt.Type == discordgo.ApplicationCommandOptionString {
				content = strings.TrimSpace(content + " " + opt.StringValue())
			}
		}

		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		})

		var userID string
		switch {
		case i.Member != nil && i.Member.User != nil:
			userID = i.Member.User.ID
		case i.User != nil:
			userID = i.User.ID
		}
		bus.Publish(domain.InboundMessage{
			Channel:   "discord",
			ChatID:    i.ChannelID,
			SenderID:  userID,
			Content:   content,
			Mention:   true,
			Timestamp: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(_ context.Context, msg domain.OutboundMessage) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	d.sendMessage(msg.ChatID, msg.Content)
	return nil
}

// discordInbound converts a message. DMs carry no guild id and are direct.
// Threads are channels in Discord, so the channel id already scopes a
// thread and ThreadID stays empty.
func discordInbound(m *discordgo.Message, botID string) (domain.InboundMessage, bool) {
	in := domain.InboundMessage{
		Channel:   "discord",
		ChatID:    m.ChannelID,
		SenderID:  m.Author.ID,
		Timestamp: m.Timestamp,
	}
	text := m.Content
	if m.GuildID == "" {
		in.Direct = true
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			in.Mention = true
		}
	}
	if in.Mention {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	in.Content = strings.TrimSpace(text)
	if in.Content == "" && !in.Mention {
		return in, false
	}
	return in, true
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "ask",
			Description: "Ask the assistant a question",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "question",
					Description: "Your question",
					Required:    true,
				},
			},
		},
		{
			Name:        "status",
			Description: "Show the conversation bound to this channel",
		},
		{
			Name:        "reset",
			Description: "Forget this conversation and start fresh",
		},
		{
			Name:        "help",
			Description: "Show available commands",
		},
	}

	guildID := d.guildID // empty = global commands
	for _, cmd := range commands {
		_, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, guildID, cmd)
		if err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}
