package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChamsBouzaiene/mneme/internal/config"
)

type rootOptions struct {
	viper    *viper.Viper
	cfg      *config.Manager
	settings *config.Settings
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mneme: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "mneme",
		Short:         "Conversational memory for chat models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("data-dir", "", "directory holding session memory (default: user config dir)")
	flags.String("store", config.StoreFile, "memory store backend (file, sqlite)")
	flags.String("provider", "", "LLM provider (default: LLM_PROVIDER or ollama)")
	flags.String("model", "", "chat model (default: the provider's model)")
	flags.String("classifier-model", "", "model used for topic shift checks")
	flags.String("summarizer-model", "", "model used to summarize evicted messages")
	flags.String("greeting-model", "", "model used for welcome greetings")
	flags.Int("window-size", 3, "active window size in messages")
	flags.String("max-blob-size", "8MiB", "largest memory blob a store will write")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newStdioCmd(opts),
		newChatCmd(opts),
		newResetCmd(opts),
		newWelcomeCmd(opts),
		newStatusCmd(opts),
		newSearchCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) init(cmd *cobra.Command) error {
	cfg, err := config.NewManager()
	if err != nil {
		return err
	}
	o.cfg = cfg

	o.viper = config.NewViper(cfg.Dir())
	if err := config.BindFlags(o.viper, cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	settings, err := config.ReadSettings(o.viper)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(settings.DataDir) {
		abs, err := filepath.Abs(settings.DataDir)
		if err != nil {
			return fmt.Errorf("failed to resolve data dir: %w", err)
		}
		settings.DataDir = abs
	}
	o.settings = settings

	setupLogging(settings.LogLevel)
	return nil
}

// setupLogging writes human-readable logs to stderr. stdout is reserved
// for protocol output.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
	}
}
