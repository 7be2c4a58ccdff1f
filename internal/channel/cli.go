package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"threadrelay/internal/domain"

	"github.com/fatih/color"
)

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	title     string
	spinner   bool
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}

	prompt  *color.Color
	botName *color.Color
	errText *color.Color
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
	// Title labels replies. Defaults to "Assistant".
	Title string
	// Spinner animates a "Thinking..." line while a turn runs.
	Spinner bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Title == "" {
		cfg.Title = "Assistant"
	}
	return &CLI{
		logger:  cfg.Logger.With("component", "cli"),
		in:      cfg.In,
		out:     cfg.Out,
		title:   cfg.Title,
		spinner: cfg.Spinner,
		prompt:  color.New(color.FgCyan, color.Bold),
		botName: color.New(color.FgGreen, color.Bold),
		errText: color.New(color.FgRed),
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until context is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound("cli", func(msg domain.OutboundMessage) {
		c.stopThinking()
		c.render(msg)
		c.showPrompt()
	})

	_, _ = fmt.Fprintln(c.out, "Type your message and press Enter. /help lists commands, /quit exits.")
	c.showPrompt()

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errCh <- scanner.Err()
	}()

	for {
		var raw string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err // nil on EOF
		case raw = <-lines:
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			c.showPrompt()
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		c.startThinking()
		c.bus.Publish(domain.InboundMessage{
			Channel:   "cli",
			ChatID:    "direct",
			SenderID:  "user",
			Content:   line,
			Direct:    true,
			Timestamp: time.Now(),
		})
	}
}

func (c *CLI) render(msg domain.OutboundMessage) {
	_, _ = fmt.Fprint(c.out, "\r\033[K")
	_, _ = c.botName.Fprintf(c.out, "%s> ", c.title)
	if msg.IsError {
		_, _ = c.errText.Fprintln(c.out, msg.Content)
		return
	}
	_, _ = fmt.Fprintln(c.out, msg.Content)
}

func (c *CLI) showPrompt() {
	_, _ = c.prompt.Fprint(c.out, "You> ")
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.thinkMu.Lock()
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				c.thinkMu.Unlock()
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.render(msg)
	return nil
}
