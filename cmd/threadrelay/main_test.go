package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"threadrelay/internal/config"
	"threadrelay/internal/domain"
	"threadrelay/internal/fakeengine"
	"threadrelay/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, engineURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.General.DataDir = dir
	cfg.Memory.DBPath = filepath.Join(dir, "state.db")
	cfg.Engine.BaseURL = engineURL
	cfg.Engine.PollIntervalMs = 10
	cfg.Engine.PollTimeoutSeconds = 5
	cfg.Flow.Classifier = "keyword"
	cfg.Metrics.Enabled = false
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestAppPullModeTurns(t *testing.T) {
	engine := fakeengine.New(fakeengine.Config{Delay: 20 * time.Millisecond, Logger: quietLogger()})
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.close()

	ctx := context.Background()
	req := orchestrator.TurnRequest{Channel: "web:abc", Message: "What is the APR on my card?"}
	first, err := a.orch.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassQuestion, first.Classification)
	assert.Contains(t, first.Response, "APR")
	require.NotEmpty(t, first.ConversationID)

	req.Message = "hello"
	second, err := a.orch.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, domain.ClassPleasantries, second.Classification)
	assert.Equal(t, cfg.Flow.Greeting, second.Response)
}

func TestAppPushModeTurn(t *testing.T) {
	var relay http.Handler
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeHTTP(w, r)
	}))
	defer relaySrv.Close()

	engine := fakeengine.New(fakeengine.Config{Delay: 10 * time.Millisecond, PushDuplicates: 1, Logger: quietLogger()})
	engineSrv := httptest.NewServer(engine.Handler())
	defer engineSrv.Close()

	cfg := testConfig(t, engineSrv.URL)
	cfg.Engine.DeliveryMode = "push"
	cfg.Webhook.URLBase = relaySrv.URL
	cfg.Webhook.Token = "hook-token"
	cfg.Webhook.StreamTimeoutSeconds = 5
	require.NoError(t, config.Validate(cfg))

	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.close()
	relay = newWebChannel(cfg, a, quietLogger(), true).Handler()

	reply, err := a.orch.HandleTurn(context.Background(), orchestrator.TurnRequest{
		Channel: "api:tester",
		Message: "Does my card have purchase protection?",
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Response, "purchase protection")
}

func TestStreamOutlastsTurn(t *testing.T) {
	for _, mode := range []string{"pull", "push"} {
		t.Run(mode, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Engine.DeliveryMode = mode
			cfg.Engine.PollTimeoutSeconds = 60
			cfg.Webhook.StreamTimeoutSeconds = 60

			wait := engineWait(cfg)
			assert.Equal(t, 60*time.Second, wait)
			assert.Greater(t, turnBudget(cfg), wait)
			assert.Greater(t, streamBudget(cfg), turnBudget(cfg))
		})
	}

	cfg := config.Defaults()
	cfg.Engine.DeliveryMode = "push"
	cfg.Engine.PollTimeoutSeconds = 5
	cfg.Webhook.StreamTimeoutSeconds = 90
	assert.Equal(t, 90*time.Second, engineWait(cfg))

	cfg.Engine.DeliveryMode = "pull"
	assert.Equal(t, 5*time.Second, engineWait(cfg))
}

func TestAppMemoryBackends(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Memory.Backend = "memory"
	cfg.Session.Store = "memory"

	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.db)
	assert.Equal(t, "pull", a.reasoner.Mode())

	_, err = os.Stat(cfg.Memory.DBPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunWizard(t *testing.T) {
	answers := strings.Join([]string{
		"https://engine.example.com",
		"${ENGINE_TOKEN}",
		"2",
		"https://relay.example.com",
		"2",
		"",
		"3",
		"xoxb-1",
		"xapp-1",
	}, "\n") + "\n"

	cfg := config.Defaults()
	var out strings.Builder
	require.NoError(t, runWizard(strings.NewReader(answers), &out, cfg))

	assert.Equal(t, "https://engine.example.com", cfg.Engine.BaseURL)
	assert.Equal(t, "${ENGINE_TOKEN}", cfg.Engine.Token)
	assert.Equal(t, "push", cfg.Engine.DeliveryMode)
	assert.Equal(t, "https://relay.example.com", cfg.Webhook.URLBase)
	assert.Equal(t, "openai", cfg.General.DefaultProvider)
	assert.Equal(t, "${OPENAI_API_KEY}", cfg.Providers["openai"].APIKey)
	assert.True(t, cfg.Providers["openai"].Enabled)
	assert.True(t, cfg.Channels.Slack.Enabled)
	assert.False(t, cfg.Channels.Web.Enabled)
	assert.Equal(t, "xapp-1", cfg.Channels.Slack.AppToken)
	assert.Contains(t, out.String(), "Front end")
}

func TestRunWizardDefaults(t *testing.T) {
	cfg := config.Defaults()
	answers := strings.Repeat("\n", 5)
	require.NoError(t, runWizard(strings.NewReader(answers), io.Discard, cfg))

	assert.Equal(t, "pull", cfg.Engine.DeliveryMode)
	assert.Equal(t, "ollama", cfg.General.DefaultProvider)
	assert.True(t, cfg.Channels.Web.Enabled)
}

func TestBackupRoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "state.db")
	cfgPath := filepath.Join(src, "config.yaml")
	require.NoError(t, os.WriteFile(dbPath, []byte("db-bytes"), 0o644))
	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("wal-bytes"), 0o644))
	require.NoError(t, os.WriteFile(cfgPath, []byte("general: {}"), 0o644))

	files := backupFiles(dbPath, cfgPath)
	require.Len(t, files, 3)

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, createTarGz(archive, files))

	dst := t.TempDir()
	newDB := filepath.Join(dst, "data", "state.db")
	newCfg := filepath.Join(dst, "config.yaml")
	restored, err := extractTarGz(archive, newDB, newCfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{newDB, newDB + "-wal", newCfg}, restored)

	got, err := os.ReadFile(newDB)
	require.NoError(t, err)
	assert.Equal(t, "db-bytes", string(got))
	got, err = os.ReadFile(newCfg)
	require.NoError(t, err)
	assert.Equal(t, "general: {}", string(got))
}

func TestRestoreTarget(t *testing.T) {
	db, cfg := "/data/state.db", "/etc/threadrelay/config.json"

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"state.db", db, true},
		{"state.db-shm", db + "-shm", true},
		{"config.toml", cfg, true},
		{"notes.txt", "", false},
		{"other.db", "", false},
	}
	for _, tt := range tests {
		got, ok := restoreTarget(tt.name, db, cfg)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KB", humanSize(1536))
	assert.Equal(t, "2.0 MB", humanSize(2<<20))
}

func TestServiceTemplates(t *testing.T) {
	unit := renderSystemd("/usr/local/bin/threadrelay", "/home/u/.threadrelay/config.json")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/threadrelay serve --config /home/u/.threadrelay/config.json")

	plist := renderLaunchd("/usr/local/bin/threadrelay", "/cfg.json", "/logs")
	assert.Contains(t, plist, "<string>"+launchdLabel+"</string>")
	assert.Contains(t, plist, "<string>serve</string>")
	assert.Contains(t, plist, "/logs/threadrelay-error.log")
	assert.NotContains(t, plist, "{{")
}

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	cfg := config.Defaults()
	cfg.General.LogLevel = "debug"
	cfg.General.LogFile = filepath.Join(t.TempDir(), "logs", "relay.log")

	l, closeFn, err := setupLogger(cfg, slog.LevelWarn)
	require.NoError(t, err)
	l.Info("dropped")
	l.Warn("kept")
	closeFn()

	data, err := os.ReadFile(cfg.General.LogFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")

	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
