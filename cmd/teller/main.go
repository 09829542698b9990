package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/teller/internal/config"
	"github.com/tjfontaine/teller/internal/telemetry"
	"github.com/tjfontaine/teller/pkg/teller"
)

var (
	// Global flags
	configPath string
	verbose    bool

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "teller",
	Short: "Teller - banking support assistant",
	Long: `Teller answers customer questions about their bank account.

A language model decides which account operations to run; sensitive
operations are only executed once the customer has verified their
identity with a PIN earlier in the conversation.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat API over HTTP",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Starts an interactive session against the configured policy.

Type a message and press enter. /exit quits; /thread prints the current
thread id.`,
	RunE: runChat,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "teller", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	chatCmd.Flags().String("thread", "", "resume an existing thread")
	chatCmd.Flags().String("customer", "", "customer id hint for the assistant")
	chatCmd.Flags().Bool("local", false, "use the local model")

	rootCmd.AddCommand(serveCmd, chatCmd, versionCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// setup loads configuration and builds the assistant. The returned cleanup
// flushes the tracer.
func setup(logOut io.Writer, opts ...teller.Option) (*teller.Teller, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := newLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)

	cleanup := func() {}
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initialize tracer: %w", err)
		}
		cleanup = func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}
	}

	opts = append([]teller.Option{teller.WithConfig(cfg), teller.WithLogger(logger)}, opts...)
	t, err := teller.New(opts...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return t, logger, cleanup, nil
}
