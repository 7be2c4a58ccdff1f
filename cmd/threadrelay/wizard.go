package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"threadrelay/internal/config"

	"github.com/spf13/cobra"
)

// providerMeta describes a classifier provider option for the wizard.
type providerMeta struct {
	Name         string
	NeedsKey     bool
	EnvVar       string
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "ollama", APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b"},
	{Name: "openai", NeedsKey: true, EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
	{Name: "claude", NeedsKey: true, EnvVar: "ANTHROPIC_API_KEY", APIBase: "https://api.anthropic.com", DefaultModel: "claude-3-5-haiku-latest"},
	{Name: "groq", NeedsKey: true, EnvVar: "GROQ_API_KEY", APIBase: "https://api.groq.com/openai/v1", DefaultModel: "llama-3.1-8b-instant"},
}

var knownChannels = []struct {
	ID   string
	Desc string
}{
	{"web", "Browser chat page"},
	{"cli", "Interactive terminal chat"},
	{"slack", "Slack app (Socket Mode)"},
	{"telegram", "Telegram bot"},
	{"discord", "Discord bot"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: engine, classifier provider, front end",
		Long:  "Walks through the reasoning engine endpoint, result delivery, the classifier provider and the chat front end, then writes the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'threadrelay serve', or 'threadrelay chat' for a terminal session.")
			return nil
		},
	}
}

type prompter struct {
	r   *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

// choose returns a 1-based menu choice, falling back to def on bad input.
func (p *prompter) choose(label string, n, def int) (int, error) {
	s, err := p.ask(fmt.Sprintf("%s (1-%d)", label, n), fmt.Sprint(def))
	if err != nil {
		return 0, err
	}
	var idx int
	if k, _ := fmt.Sscanf(s, "%d", &idx); k != 1 || idx < 1 || idx > n {
		return def, nil
	}
	return idx, nil
}

// runWizard applies the answers read from in to cfg and validates the result.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	p := &prompter{r: bufio.NewReader(in), out: out}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}

	fmt.Fprintln(out, "\n--- Step 1: Reasoning engine ---")
	base, err := p.ask("Engine base URL", cfg.Engine.BaseURL)
	if err != nil {
		return err
	}
	cfg.Engine.BaseURL = base
	tok, err := p.ask("Engine bearer token (or ${ENV_VAR})", cfg.Engine.Token)
	if err != nil {
		return err
	}
	cfg.Engine.Token = tok

	fmt.Fprintln(out, "  1) pull - poll the engine for results")
	fmt.Fprintln(out, "  2) push - the engine calls our webhook")
	def := 1
	if cfg.Engine.DeliveryMode == "push" {
		def = 2
	}
	mode, err := p.choose("Result delivery", 2, def)
	if err != nil {
		return err
	}
	cfg.Engine.DeliveryMode = "pull"
	if mode == 2 {
		cfg.Engine.DeliveryMode = "push"
		urlBase, err := p.ask("Public base URL the engine can reach", cfg.Webhook.URLBase)
		if err != nil {
			return err
		}
		cfg.Webhook.URLBase = urlBase
	}

	fmt.Fprintln(out, "\n--- Step 2: Classifier provider ---")
	for i, pm := range knownProviders {
		fmt.Fprintf(out, "  %d) %s", i+1, pm.Name)
		if pm.NeedsKey {
			fmt.Fprintf(out, " (needs %s)", pm.EnvVar)
		}
		fmt.Fprintln(out)
	}
	def = 1
	for i, pm := range knownProviders {
		if pm.Name == cfg.General.DefaultProvider {
			def = i + 1
		}
	}
	idx, err := p.choose("Provider", len(knownProviders), def)
	if err != nil {
		return err
	}
	prov := knownProviders[idx-1]
	pc := cfg.Providers[prov.Name]
	pc.Enabled = true
	if pc.APIBase == "" {
		pc.APIBase = prov.APIBase
	}
	if pc.DefaultModel == "" {
		pc.DefaultModel = prov.DefaultModel
	}
	if prov.NeedsKey {
		key, err := p.ask("API key (or ${"+prov.EnvVar+"})", "${"+prov.EnvVar+"}")
		if err != nil {
			return err
		}
		pc.APIKey = key
	}
	cfg.Providers[prov.Name] = pc
	cfg.General.DefaultProvider = prov.Name
	cfg.Flow.Classifier = "llm"

	fmt.Fprintln(out, "\n--- Step 3: Front end ---")
	for i, c := range knownChannels {
		fmt.Fprintf(out, "  %d) %s - %s\n", i+1, c.ID, c.Desc)
	}
	chIdx, err := p.choose("Front end", len(knownChannels), 1)
	if err != nil {
		return err
	}
	chID := knownChannels[chIdx-1].ID
	cfg.Channels.Web.Enabled = chID == "web"
	cfg.Channels.CLI.Enabled = chID == "cli"
	cfg.Channels.Slack.Enabled = chID == "slack"
	cfg.Channels.Telegram.Enabled = chID == "telegram"
	cfg.Channels.Discord.Enabled = chID == "discord"

	switch chID {
	case "slack":
		if cfg.Channels.Slack.BotToken, err = p.ask("Slack bot token (xoxb-...)", cfg.Channels.Slack.BotToken); err != nil {
			return err
		}
		if cfg.Channels.Slack.AppToken, err = p.ask("Slack app token (xapp-...)", cfg.Channels.Slack.AppToken); err != nil {
			return err
		}
	case "telegram":
		if cfg.Channels.Telegram.Token, err = p.ask("Telegram bot token (from @BotFather)", cfg.Channels.Telegram.Token); err != nil {
			return err
		}
	case "discord":
		if cfg.Channels.Discord.Token, err = p.ask("Discord bot token", cfg.Channels.Discord.Token); err != nil {
			return err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
