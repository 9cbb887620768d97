package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ChatRelay/internal/archive"
	"ChatRelay/internal/backend"
	"ChatRelay/internal/chatbot"
	"ChatRelay/internal/config"
	"ChatRelay/internal/relay"
	"ChatRelay/internal/telemetry"
)

var (
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Real-time chat relay between browsers and a generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCommand(), newChatCommand(), newArchiveCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv()
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	var addr, backendName, model string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if backendName != "" {
				cfg.Backend.Name = backendName
				cfg.Backend.APIKey = os.Getenv(config.APIKeyEnv(backendName))
			}
			if model != "" {
				cfg.Backend.Model = model
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :3000)")
	cmd.Flags().StringVar(&backendName, "backend", "", "Generation backend (gemini|openai|ollama|anthropic|echo)")
	cmd.Flags().StringVar(&model, "model", "", "Model name for the backend")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, "chatrelay", cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdown()

	gen, err := backend.New(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}
	if c, ok := gen.(io.Closer); ok {
		defer c.Close()
	}
	instrumented, err := backend.Instrument(gen, tracer, meter, logger)
	if err != nil {
		return fmt.Errorf("failed to instrument backend: %w", err)
	}

	opts := []relay.Option{relay.WithGenerateTimeout(cfg.Backend.Timeout)}
	if cfg.Archive.Enabled {
		store, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer store.Close()
		opts = append(opts, relay.WithArchive(store))
		logger.Info("archiving exchanges", "path", cfg.Archive.Path)
	}

	srv, err := relay.NewServer(cfg.Server, instrumented, logger, meter, opts...)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	return srv.Run(ctx)
}

func newChatCommand() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running relay from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Client.URL = url
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			// The terminal is for the conversation; logs only go to the file.
			logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, "chatrelay_client", false)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer closeLog()

			bot := chatbot.NewChatBot(cfg.Client, os.Stdin, os.Stdout, logger)
			return bot.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Relay websocket URL (default from config, ws://localhost:3000/ws)")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "archive <connection-id>",
		Short: "Print the archived exchanges of one connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Archive.Path
			}

			store, err := archive.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer store.Close()

			exchanges, err := store.Exchanges(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(exchanges) == 0 {
				fmt.Println("No exchanges archived for", args[0])
				return nil
			}
			for _, ex := range exchanges {
				fmt.Printf("#%d %s (%s, %s, %s)\n", ex.Seq, ex.Timestamp.Format("2006-01-02 15:04:05"), ex.Backend, ex.Outcome, ex.Duration)
				fmt.Printf("  You: %s\n", ex.UserText)
				fmt.Printf("  Bot: %s\n", ex.Response)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "db", "", "Archive database path (default from config)")
	return cmd
}
