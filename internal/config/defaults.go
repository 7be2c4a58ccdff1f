package config

const (
	DefaultGreeting = "Hi! How can I help you with Chase Freedom card benefits?"
	DefaultRedirect = "I can only help with questions about Chase Freedom card benefits. What would you like to know about your card?"
	DefaultApology  = "Sorry, I encountered an error processing your request. Please try again."
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:               "~/.threadrelay",
			LogLevel:              "info",
			DefaultProvider:       "ollama",
			MaxConcurrentMessages: 10,
		},
		Engine: EngineConfig{
			BaseURL:              "http://localhost:8000",
			DeliveryMode:         "pull",
			PollIntervalMs:       1000,
			PollTimeoutSeconds:   60,
			SubmitTimeoutSeconds: 10,
			StatusTimeoutSeconds: 5,
			RatePerMinute:        0,
		},
		Webhook: WebhookConfig{
			Path:                 "/api/webhook",
			StreamTimeoutSeconds: 60,
			BufferTTLSeconds:     600,
			BufferMaxSize:        10000,
			DedupeTTLSeconds:     600,
		},
		Flow: FlowConfig{
			Classifier:    "llm",
			Topic:         "Chase Freedom credit card benefits",
			TopicKeywords: defaultTopicKeywords(),
			Greeting:      DefaultGreeting,
			Redirect:      DefaultRedirect,
			Apology:       DefaultApology,
		},
		Session: SessionConfig{
			Store: "sqlite",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled:          true,
				Title:            "Card Benefits Assistant",
				CookieName:       "threadrelay_session",
				TicketTTLSeconds: 600,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
			Telegram: TelegramConfig{
				ParseMode: "Markdown",
			},
		},
		Memory: MemoryConfig{
			Backend:                   "sqlite",
			DBPath:                    "~/.threadrelay/state.db",
			MaxHistoryPerConversation: 200,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		API: APIConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

func defaultTopicKeywords() []string {
	return []string{
		"chase", "freedom", "card", "credit", "benefit", "benefits",
		"cashback", "cash back", "reward", "rewards", "points",
		"apr", "fee", "fees", "interest", "limit", "statement",
		"purchase protection", "warranty", "insurance", "travel",
		"redeem", "bonus", "category", "categories", "payment",
	}
}
