// DotChat - conversational chat server
// License: MIT
//
// Copyright (c) 2026 DotChat contributors

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/dotchat/pkg/agent"
	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/channels"
	"github.com/dotsetgreg/dotchat/pkg/chatclient"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/gateway"
	"github.com/dotsetgreg/dotchat/pkg/heartbeat"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/sentiment"
	"github.com/dotsetgreg/dotchat/pkg/session"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "dotchat"
	shutdownTimeout = 10 * time.Second
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(out, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(out, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath(override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return config.DefaultPath()
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func applyLogging(cfg *config.Config, debug bool) {
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
}

func onboard(out io.Writer, in io.Reader, configPath string, force bool) error {
	configPath = getConfigPath(configPath)

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s\n", configPath)
		fmt.Fprint(out, "Overwrite? (y/n): ")
		reader := bufio.NewReader(in)
		response, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read input: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(out, "%s is ready! Config written to %s\n", appName, configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your API key to provider.api_key (or set GroqAPIKey)")
	fmt.Fprintln(out, "     Get one at: https://console.groq.com/keys")
	fmt.Fprintln(out, "  2. Start the server: dotchat serve")
	fmt.Fprintf(out, "  3. Open http://%s/ or run: dotchat chat\n", cfg.ListenAddr())
	fmt.Fprintln(out, "  4. Check readiness: dotchat status")
	return nil
}

type serveOptions struct {
	configPath string
	debug      bool
}

// serveCmd wires the full server and blocks until SIGINT or SIGTERM.
func serveCmd(ctx context.Context, out io.Writer, opts serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyLogging(cfg, opts.debug)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	sessions := session.NewStore()
	msgBus := bus.NewMessageBusWithBuffer(cfg.Session.LaneBuffer * 8)
	defer msgBus.Close()

	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, provider, sessions)
	if err != nil {
		return err
	}
	if cfg.Sentiment.Enabled {
		agentLoop.SetClassifier(sentiment.NewAnalyzer())
	}

	store, recorder, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	if recorder != nil {
		agentLoop.SetRecorder(recorder)
	}

	channelManager, err := channels.NewManager(cfg, msgBus, sessions)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	stats := runtimeStats(sessions, channelManager, agentLoop, msgBus, recorder)
	server := gateway.NewServer(cfg, channelManager.WebSocket(), func() map[string]interface{} {
		status := map[string]interface{}{
			"version":  formatVersion(),
			"provider": providers.ActiveProviderName(cfg),
			"dialect":  cfg.Server.Dialect,
			"channels": channelManager.GetStatus(),
		}
		for name, fn := range stats {
			status[name] = fn()
		}
		return status
	})

	var beat *heartbeat.Service
	if cfg.Heartbeat.Enabled {
		beat, err = heartbeat.NewService(cfg.Heartbeat.Schedule)
		if err != nil {
			return err
		}
		for name, fn := range stats {
			beat.AddSource(name, fn)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go agentLoop.Run(runCtx)

	if err := channelManager.StartAll(runCtx); err != nil {
		return err
	}
	if err := server.Start(runCtx); err != nil {
		_ = channelManager.StopAll(context.Background())
		return err
	}
	if beat != nil {
		if err := beat.Start(runCtx); err != nil {
			logger.WarnCF("heartbeat", "Heartbeat not started", map[string]interface{}{"error": err.Error()})
		}
	}

	fmt.Fprintf(out, "✓ %s serving %q via %s on http://%s/\n",
		appName, cfg.Assistant.Name, providers.ActiveProviderName(cfg), server.Addr())
	fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(channelManager.GetEnabledChannels(), ", "))
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	<-sigCtx.Done()
	fmt.Fprintln(out, "\nShutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	server.SetReady(false)
	if beat != nil {
		beat.Stop()
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WarnCF("gateway", "HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	_ = channelManager.StopAll(shutdownCtx)
	cancel()
	agentLoop.Stop()
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			logger.WarnCF("history", "History queue not fully drained", map[string]interface{}{"error": err.Error()})
		}
	}
	if store != nil {
		_ = store.Close()
	}

	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// openHistory returns nil store and recorder when persistence is disabled.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, *history.Recorder, error) {
	store, err := history.Open(ctx, cfg)
	if errors.Is(err, history.ErrStorageDisabled) {
		logger.InfoC("history", "Persistence disabled")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open history store: %w", err)
	}
	logger.InfoCF("history", "Persistence enabled", map[string]interface{}{
		"backend": cfg.Storage.Backend,
	})
	return store, history.NewRecorder(store, cfg.Storage.QueueSize), nil
}

func runtimeStats(sessions *session.Store, manager *channels.Manager, loop *agent.AgentLoop, msgBus *bus.MessageBus, recorder *history.Recorder) map[string]heartbeat.StatsFunc {
	stats := map[string]heartbeat.StatsFunc{
		"sessions": func() map[string]interface{} {
			return map[string]interface{}{
				"active":      sessions.Count(),
				"connections": manager.Connections(),
			}
		},
		"agent": loop.Stats,
		"bus": func() map[string]interface{} {
			return map[string]interface{}{
				"dropped_inbound":  msgBus.DroppedInbound(),
				"dropped_outbound": msgBus.DroppedOutbound(),
			}
		},
	}
	if recorder != nil {
		stats["history"] = func() map[string]interface{} {
			return map[string]interface{}{
				"written": recorder.Written(),
				"failed":  recorder.Failed(),
				"dropped": recorder.Dropped(),
			}
		}
	}
	return stats
}

type chatOptions struct {
	configPath  string
	url         string
	message     string
	displayName string
}

func chatURL(cfg *config.Config, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d/ws", host, cfg.Server.Port)
}

func chatCmd(ctx context.Context, out io.Writer, opts chatOptions) error {
	url := opts.url
	if strings.TrimSpace(url) == "" {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		url = chatURL(cfg, "")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chatclient.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	if name := strings.TrimSpace(opts.displayName); name != "" {
		if err := client.SetPreferences(protocol.Preferences{DisplayName: name}); err != nil {
			return err
		}
	}

	if strings.TrimSpace(opts.message) != "" {
		return askAndPrint(ctx, out, client, opts.message)
	}

	fmt.Fprintf(out, "%s (Ctrl+C to exit)\n\n", client.Greeting())
	interactiveMode(ctx, out, client)
	return nil
}

func askAndPrint(ctx context.Context, out io.Writer, client *chatclient.Client, text string) error {
	reply, err := client.Ask(ctx, text)
	var serverErr *chatclient.ServerError
	if errors.As(err, &serverErr) {
		fmt.Fprintf(out, "\n%s %s\n\n", appName, serverErr.Message)
		return nil
	}
	if err != nil {
		return err
	}
	if reply.Sentiment != "" {
		fmt.Fprintf(out, "\n%s [%s] %s\n\n", appName, reply.Sentiment, reply.Message)
		return nil
	}
	fmt.Fprintf(out, "\n%s %s\n\n", appName, reply.Message)
	return nil
}

func interactiveMode(ctx context.Context, out io.Writer, client *chatclient.Client) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dotchat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})

	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, out, os.Stdin, client)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return
		}

		if err := askAndPrint(ctx, out, client, input); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			if errors.Is(err, chatclient.ErrClosed) {
				return
			}
		}
	}
}

func simpleInteractiveMode(ctx context.Context, out io.Writer, in io.Reader, client *chatclient.Client) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return
		}

		if err := askAndPrint(ctx, out, client, input); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			if errors.Is(err, chatclient.ErrClosed) {
				return
			}
		}
	}
}

type historyOptions struct {
	configPath string
	sessionID  string
	limit      int
	asJSON     bool
}

func historyCmd(ctx context.Context, out io.Writer, opts historyOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	store, err := history.Open(ctx, cfg)
	if errors.Is(err, history.ErrStorageDisabled) {
		return fmt.Errorf("storage.backend is %q; set it to sqlite or postgres to record history", cfg.Storage.Backend)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	var records []history.Record
	if strings.TrimSpace(opts.sessionID) != "" {
		records, err = store.ListBySession(ctx, opts.sessionID, opts.limit)
	} else {
		records, err = store.Recent(ctx, opts.limit)
	}
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No history recorded yet.")
		return nil
	}
	for _, rec := range records {
		label := rec.Sentiment
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(out, "[%s] %s (%s)\n", rec.Timestamp.Local().Format("2006-01-02 15:04:05"), rec.SessionID, label)
		fmt.Fprintf(out, "  you: %s\n", rec.UserMessage)
		fmt.Fprintf(out, "  bot: %s\n\n", rec.BotResponse)
	}
	return nil
}

func schemaCmd(out io.Writer, names []string) error {
	if len(names) == 0 {
		for _, name := range protocol.SchemaNames() {
			fmt.Fprintln(out, name)
		}
		return nil
	}
	for _, name := range names {
		data, ok, err := protocol.SchemaJSON(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unknown event %q (known: %s)", name, strings.Join(protocol.SchemaNames(), ", "))
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}

func statusCmd(out io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	configPath = getConfigPath(configPath)

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(out, "Build: %s\n", build)
	}
	fmt.Fprintln(out)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintln(out, "Config:", configPath, "✓")
	} else {
		fmt.Fprintln(out, "Config:", configPath, "✗ (using defaults and environment)")
	}

	status := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "not set"
	}

	providerName, configured, mode, credErr := providers.ProviderCredentialStatus(cfg)
	fmt.Fprintf(out, "Assistant: %s\n", cfg.Assistant.Name)
	fmt.Fprintf(out, "Provider: %s\n", providerName)
	if cfg.Provider.Model != "" {
		fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	}
	if credErr != nil {
		fmt.Fprintf(out, "Credentials: %v\n", credErr)
	} else {
		fmt.Fprintf(out, "Credentials: %s (%s)\n", status(configured), mode)
	}
	fmt.Fprintf(out, "Listen: http://%s/ (dialect %s)\n", cfg.ListenAddr(), cfg.Server.Dialect)

	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		path := cfg.SQLitePath()
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintln(out, "History:", "sqlite", path, "✓")
		} else {
			fmt.Fprintln(out, "History:", "sqlite", path, "not initialized")
		}
	case config.StoragePostgres:
		fmt.Fprintln(out, "History: postgres", status(strings.TrimSpace(cfg.Storage.DatabaseURL) != ""))
	default:
		fmt.Fprintln(out, "History: disabled")
	}

	if cfg.Channels.Discord.Enabled {
		fmt.Fprintln(out, "Discord token:", status(strings.TrimSpace(cfg.Channels.Discord.Token) != ""))
	}

	ready := credErr == nil && configured && cfg.Validate() == nil
	fmt.Fprintln(out, "Server ready:", status(ready))
	return nil
}
