package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"threadrelay/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

var slackMentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken  string
	appToken  string
	activator Activator
	client    *slack.Client
	socket    *socketmode.Client
	bus       domain.MessageBus
	logger    *slog.Logger
	botUID    string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	// Activator handles assistant thread events. Optional.
	Activator Activator
	Logger    *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken:  cfg.BotToken,
		appToken:  cfg.AppToken,
		activator: cfg.Activator,
		logger:    cfg.Logger.With("component", "slack"),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound("slack", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		s.sendMessage(ctx, msg.ChatID, msg.ThreadID, msg.Content)
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(cmd)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op; the socket closes when Start's context is cancelled.
func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if s.client == nil {
		return fmt.Errorf("slack: not connected")
	}
	s.sendMessage(ctx, msg.ChatID, msg.ThreadID, msg.Content)
	return nil
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		s.logger.Info("slack mention received", "user", ev.User, "channel", ev.Channel)
		thread := ev.ThreadTimeStamp
		if thread == "" {
			thread = ev.TimeStamp
		}
		s.bus.Publish(domain.InboundMessage{
			Channel:   "slack",
			ChatID:    ev.Channel,
			ThreadID:  thread,
			SenderID:  ev.User,
			Content:   stripSlackMentions(ev.Text),
			Mention:   true,
			Timestamp: time.Now(),
		})

	case *slackevents.MessageEvent:
		if in, ok := s.inboundFromMessage(ev); ok {
			s.bus.Publish(in)
		}

	case *slackevents.AssistantThreadStartedEvent:
		th := ev.AssistantThread
		if th.ChannelID == "" || th.ThreadTimeStamp == "" {
			s.logger.Warn("assistant thread started without channel or thread")
			return
		}
		s.logger.Info("assistant thread started", "user", th.UserID, "channel", th.ChannelID, "thread", th.ThreadTimeStamp)
		if s.activate(ctx, th.ChannelID, th.ThreadTimeStamp) {
			s.bus.SendOutbound(domain.OutboundMessage{
				Channel:  "slack",
				ChatID:   th.ChannelID,
				ThreadID: th.ThreadTimeStamp,
				Content:  s.activator.Greeting(),
				Format:   "markdown",
			})
		}

	case *slackevents.AssistantThreadContextChangedEvent:
		th := ev.AssistantThread
		if th.ChannelID == "" || th.ThreadTimeStamp == "" {
			return
		}
		s.logger.Debug("assistant thread context changed", "channel", th.ChannelID, "thread", th.ThreadTimeStamp)
		s.activate(ctx, th.ChannelID, th.ThreadTimeStamp)
	}
}

// inboundFromMessage converts a plain message event. Top-level channel
// messages are dropped: only DMs and thread replies can reach a session.
// Channel messages that mention the bot are dropped too, since they also
// arrive as app_mention events.
func (s *Slack) inboundFromMessage(ev *slackevents.MessageEvent) (domain.InboundMessage, bool) {
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" || ev.SubType != "" {
		return domain.InboundMessage{}, false
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return domain.InboundMessage{}, false
	}
	in := domain.InboundMessage{
		Channel:   "slack",
		ChatID:    ev.Channel,
		SenderID:  ev.User,
		Content:   text,
		Timestamp: time.Now(),
	}
	if ev.ChannelType == "im" {
		in.Direct = true
		return in, true
	}
	if ev.ThreadTimeStamp == "" {
		s.logger.Debug("ignoring top-level channel message", "channel", ev.Channel)
		return domain.InboundMessage{}, false
	}
	if s.botUID != "" && strings.Contains(text, "<@"+s.botUID+">") {
		return domain.InboundMessage{}, false
	}
	in.ThreadID = ev.ThreadTimeStamp
	return in, true
}

func (s *Slack) activate(ctx context.Context, channelID, thread string) bool {
	if s.activator == nil {
		return false
	}
	if err := s.activator.Activate(ctx, "slack:"+channelID, thread); err != nil {
		s.logger.Error("activate assistant thread failed", "channel", channelID, "thread", thread, "err", err)
		return false
	}
	return true
}

func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	content := strings.TrimSpace(cmd.Command + " " + cmd.Text)

	s.logger.Info("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)

	s.bus.Publish(domain.InboundMessage{
		Channel:   "slack",
		ChatID:    cmd.ChannelID,
		SenderID:  cmd.UserID,
		Content:   content,
		Direct:    true,
		Timestamp: time.Now(),
	})
}

func (s *Slack) sendMessage(ctx context.Context, channelID, thread, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if thread != "" {
			opts = append(opts, slack.MsgOptionTS(thread))
		}
		if _, _, err := s.client.PostMessageContext(ctx, channelID, opts...); err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "thread", thread, "err", err)
		}
	}
}

func stripSlackMentions(text string) string {
	return strings.TrimSpace(slackMentionRe.ReplaceAllString(text, ""))
}
