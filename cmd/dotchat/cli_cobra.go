package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "dotchat",
		Short: "Conversational chat server with websocket, web client, and Discord channels",
		Long: strings.TrimSpace(`dotchat serves a chat assistant backed by an OpenAI-compatible model.

Use CLI commands to onboard, run the server, chat with it from a terminal,
inspect stored history, and print the websocket event schemas.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default ~/.dotchat/config.json)")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand(&configPath))
	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newChatCommand(&configPath))
	root.AddCommand(newHistoryCommand(&configPath))
	root.AddCommand(newSchemaCommand())
	root.AddCommand(newStatusCommand(&configPath))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config to ~/.dotchat/config.json",
		Long:    "Create a default configuration file for a new dotchat installation.",
		Example: "  dotchat onboard",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.OutOrStdout(), cmd.InOrStdin(), *configPath, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server (web client, websocket, Discord)",
		Long:  "Start the HTTP server with the web client and websocket endpoint, the enabled channels, the reply loop, and the heartbeat.",
		Example: strings.Join([]string{
			"  dotchat serve",
			"  dotchat serve --debug",
			"  DOTCHAT_SERVER_DIALECT=groq dotchat serve",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd(cmd.Context(), cmd.OutOrStdout(), serveOptions{
				configPath: *configPath,
				debug:      debug,
			})
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newChatCommand(configPath *string) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running server from the terminal",
		Long:  "Connect to a running dotchat server over its websocket endpoint and chat interactively, or send a one-shot message.",
		Example: strings.Join([]string{
			"  dotchat chat",
			"  dotchat chat --message \"hello there\"",
			"  dotchat chat --url ws://chat.example.com/ws --name Ada",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = *configPath
			return chatCmd(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "Websocket URL (default derived from server.host and server.port)")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVar(&opts.displayName, "name", "", "Display name the assistant should use for you")
	return cmd
}

func newHistoryCommand(configPath *string) *cobra.Command {
	var opts historyOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored conversation history",
		Long:  "Print persisted exchanges from the configured storage backend.",
		Example: strings.Join([]string{
			"  dotchat history",
			"  dotchat history --session 3f2a9c1e --limit 50",
			"  dotchat history --json",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = *configPath
			return historyCmd(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Only show exchanges of this session")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum number of exchanges")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print one JSON record per line")
	return cmd
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [event...]",
		Short: "Print JSON schemas of the websocket events",
		Long:  "List the websocket event names, or print the JSON schema of each named event.",
		Example: strings.Join([]string{
			"  dotchat schema",
			"  dotchat schema user_message bot_response",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return schemaCmd(cmd.OutOrStdout(), args)
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and backend readiness",
		Example: "  dotchat status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout(), *configPath)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotchat version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
