package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for threadrelay.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Engine    EngineConfig              `json:"engine"`
	Webhook   WebhookConfig             `json:"webhook"`
	Flow      FlowConfig                `json:"flow"`
	Session   SessionConfig             `json:"session"`
	Providers map[string]ProviderConfig `json:"providers"`
	Server    ServerConfig              `json:"server"`
	Channels  ChannelsConfig            `json:"channels"`
	Memory    MemoryConfig              `json:"memory"`
	Metrics   MetricsConfig             `json:"metrics"`
	API       APIConfig                 `json:"api"`
}

type GeneralConfig struct {
	DataDir               string   `json:"dataDir"`
	LogLevel              string   `json:"logLevel"`
	LogFile               string   `json:"logFile,omitempty"`
	DefaultProvider       string   `json:"defaultProvider"`
	FailoverChain         []string `json:"failoverChain,omitempty"`
	MaxConcurrentMessages int      `json:"maxConcurrentMessages"`
}

// EngineConfig points at the asynchronous reasoning engine.
type EngineConfig struct {
	BaseURL              string `json:"baseUrl"`
	Token                string `json:"token"`
	DeliveryMode         string `json:"deliveryMode"` // "pull" | "push"
	PollIntervalMs       int    `json:"pollIntervalMs"`
	PollTimeoutSeconds   int    `json:"pollTimeoutSeconds"`
	SubmitTimeoutSeconds int    `json:"submitTimeoutSeconds"`
	StatusTimeoutSeconds int    `json:"statusTimeoutSeconds"`
	RatePerMinute        int    `json:"ratePerMinute"` // 0 = unlimited
	Burst                int    `json:"burst,omitempty"`
}

func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

func (e EngineConfig) PollTimeout() time.Duration {
	return time.Duration(e.PollTimeoutSeconds) * time.Second
}

// WebhookConfig configures push delivery of job results.
type WebhookConfig struct {
	URLBase              string `json:"urlBase"` // public base URL the engine calls back
	Path                 string `json:"path"`
	Token                string `json:"token,omitempty"`
	Secret               string `json:"secret,omitempty"` // HMAC-SHA256 secret for X-Signature-256
	StreamTimeoutSeconds int    `json:"streamTimeoutSeconds"`
	BufferTTLSeconds     int    `json:"bufferTtlSeconds"`
	BufferMaxSize        int    `json:"bufferMaxSize"`
	DedupeTTLSeconds     int    `json:"dedupeTtlSeconds"`
}

// CallbackURL is the absolute URL handed to the engine at submission.
func (w WebhookConfig) CallbackURL() string {
	return strings.TrimRight(w.URLBase, "/") + w.Path
}

func (w WebhookConfig) StreamTimeout() time.Duration {
	return time.Duration(w.StreamTimeoutSeconds) * time.Second
}

func (w WebhookConfig) BufferTTL() time.Duration {
	return time.Duration(w.BufferTTLSeconds) * time.Second
}

func (w WebhookConfig) DedupeTTL() time.Duration {
	return time.Duration(w.DedupeTTLSeconds) * time.Second
}

// FlowConfig configures message classification and the fixed replies.
type FlowConfig struct {
	Classifier         string   `json:"classifier"` // "llm" | "keyword"
	ClassifierProvider string   `json:"classifierProvider,omitempty"`
	PleasantryProvider string   `json:"pleasantryProvider,omitempty"`
	Topic              string   `json:"topic"`
	TopicKeywords      []string `json:"topicKeywords,omitempty"`
	Greeting           string   `json:"greeting"`
	Redirect           string   `json:"redirect"`
	Apology            string   `json:"apology"`
}

// SessionConfig configures the channel-to-session mapping table.
type SessionConfig struct {
	Store          string `json:"store"` // "memory" | "sqlite"
	ActiveTTLHours int    `json:"activeTtlHours"`
}

func (s SessionConfig) ActiveTTL() time.Duration {
	return time.Duration(s.ActiveTTLHours) * time.Hour
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

// ServerConfig is the HTTP listener that hosts the web chat, the webhook
// receiver, health and metrics.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ChannelsConfig struct {
	Web      WebConfig      `json:"web"`
	CLI      CLIConfig      `json:"cli"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

type WebConfig struct {
	Enabled          bool   `json:"enabled"`
	Title            string `json:"title"`
	CookieName       string `json:"cookieName"`
	TicketTTLSeconds int    `json:"ticketTtlSeconds"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MemoryConfig selects where conversation state is persisted.
type MemoryConfig struct {
	Backend                   string `json:"backend"` // "sqlite" | "postgres" | "memory"
	DBPath                    string `json:"dbPath"`
	DSN                       string `json:"dsn,omitempty"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// APIConfig configures the OpenAI-compatible API gateway.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.threadrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".threadrelay"
	}
	return filepath.Join(home, ".threadrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file. The format follows the extension: .yaml/.yml and
// .toml are accepted next to JSON. Values may reference the environment with
// ${VAR} or ${VAR:-default}.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	data, err = toJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// toJSON converts YAML and TOML documents to JSON so a single set of struct
// tags drives decoding.
func toJSON(path string, data []byte) ([]byte, error) {
	var m map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if u, err := url.Parse(cfg.Engine.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "engine.baseUrl must be an absolute http(s) URL")
	}
	switch cfg.Engine.DeliveryMode {
	case "pull":
	case "push":
		if cfg.Webhook.URLBase == "" {
			errs = append(errs, "webhook.urlBase is required when engine.deliveryMode is push")
		}
	default:
		errs = append(errs, "engine.deliveryMode must be one of: pull, push")
	}
	if cfg.Engine.PollIntervalMs < 10 {
		errs = append(errs, "engine.pollIntervalMs must be >= 10")
	}
	if cfg.Engine.PollTimeoutSeconds < 1 {
		errs = append(errs, "engine.pollTimeoutSeconds must be >= 1")
	}
	if cfg.Engine.SubmitTimeoutSeconds < 1 || cfg.Engine.StatusTimeoutSeconds < 1 {
		errs = append(errs, "engine.submitTimeoutSeconds and engine.statusTimeoutSeconds must be >= 1")
	}
	if cfg.Engine.RatePerMinute < 0 {
		errs = append(errs, "engine.ratePerMinute must be >= 0")
	}

	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		errs = append(errs, "webhook.path must start with /")
	}
	if cfg.Webhook.StreamTimeoutSeconds < 1 {
		errs = append(errs, "webhook.streamTimeoutSeconds must be >= 1")
	}
	if cfg.Webhook.BufferTTLSeconds < 1 {
		errs = append(errs, "webhook.bufferTtlSeconds must be >= 1")
	}
	if cfg.Webhook.BufferMaxSize < 1 {
		errs = append(errs, "webhook.bufferMaxSize must be >= 1")
	}
	if cfg.Webhook.DedupeTTLSeconds < 0 {
		errs = append(errs, "webhook.dedupeTtlSeconds must be >= 0")
	}

	switch cfg.Flow.Classifier {
	case "keyword":
	case "llm":
		name := cfg.Flow.ClassifierProvider
		if name == "" {
			name = cfg.General.DefaultProvider
		}
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("flow.classifier llm references unknown provider: %q", name))
		}
	default:
		errs = append(errs, "flow.classifier must be one of: llm, keyword")
	}
	if cfg.Flow.PleasantryProvider != "" {
		if _, ok := cfg.Providers[cfg.Flow.PleasantryProvider]; !ok {
			errs = append(errs, fmt.Sprintf("flow.pleasantryProvider references unknown provider: %s", cfg.Flow.PleasantryProvider))
		}
	}
	if cfg.Flow.Apology == "" || cfg.Flow.Redirect == "" {
		errs = append(errs, "flow.apology and flow.redirect must not be empty")
	}

	switch cfg.Session.Store {
	case "memory", "sqlite":
	default:
		errs = append(errs, "session.store must be one of: memory, sqlite")
	}
	if cfg.Session.ActiveTTLHours < 0 {
		errs = append(errs, "session.activeTtlHours must be >= 0")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Channels.Web.TicketTTLSeconds < 1 {
		errs = append(errs, "channels.web.ticketTtlSeconds must be >= 1")
	}

	switch cfg.Memory.Backend {
	case "memory":
	case "sqlite":
		if cfg.Memory.DBPath == "" {
			errs = append(errs, "memory.dbPath is required for the sqlite backend")
		}
	case "postgres":
		if cfg.Memory.DSN == "" {
			errs = append(errs, "memory.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, "memory.backend must be one of: sqlite, postgres, memory")
	}
	if cfg.Memory.MaxHistoryPerConversation < 0 {
		errs = append(errs, "memory.maxHistoryPerConversation must be >= 0")
	}

	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" && name != "ollama" && name != "openai" && name != "claude" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
