package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadrelay/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
}

// ParseCommand checks if a message starts with "/" and parses it into a
// ChatCommand. Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") || len(parts[0]) == 1 {
		return nil
	}
	return &ChatCommand{Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")), Args: parts[1:]}
}

var startTime = time.Now()

// handleCommand answers the chat commands. Unknown commands are not handled
// and go through the flow like any other message.
func (o *Orchestrator) handleCommand(ctx context.Context, cmd *ChatCommand, key string) (string, bool, error) {
	switch cmd.Name {
	case "help":
		return helpText(), true, nil

	case "reset", "new", "clear":
		id, ok, err := o.sessions.GetBackendID(ctx, key)
		if err != nil {
			return "", true, err
		}
		if ok {
			if err := o.flow.Reset(ctx, id); err != nil {
				return "", true, fmt.Errorf("reset conversation %s: %w", id, err)
			}
		}
		if err := o.sessions.Reset(ctx, key); err != nil {
			return "", true, err
		}
		return "Conversation cleared. Starting fresh.", true, nil

	case "status":
		return o.statusText(ctx, key)
	}
	return "", false, nil
}

func (o *Orchestrator) statusText(ctx context.Context, key string) (string, bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", key)

	row, err := o.sessions.Lookup(ctx, key)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		sb.WriteString("No conversation yet.\n")
	case err != nil:
		return "", true, err
	default:
		fmt.Fprintf(&sb, "Active: %t\n", row.Active)
		if row.BackendID != "" {
			fmt.Fprintf(&sb, "Conversation: %s\n", row.BackendID)
			if history, err := o.flow.History(ctx, row.BackendID); err == nil {
				fmt.Fprintf(&sb, "Turns: %d\n", len(history)/2)
			}
		}
	}
	fmt.Fprintf(&sb, "Uptime: %s", time.Since(startTime).Round(time.Second))
	return sb.String(), true, nil
}

func helpText() string {
	return `Available commands:
/help   - Show this help
/reset  - Forget this conversation and start fresh
/status - Show the conversation bound to this chat`
}
