package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Settings are the runtime knobs of the memory service.
type Settings struct {
	DataDir         string
	Store           string
	Provider        string
	WindowSize      int
	Model           string
	ClassifierModel string
	SummarizerModel string
	GreetingModel   string
	MaxBlobSize     int64
	MaxTopicChars   int
	MaxHistoryLines int
	HTTPAddr        string
	LogLevel        string
	SearchEnabled   bool
	SessionIdle     time.Duration // 0 keeps sessions in memory forever
}

// NewViper returns a viper instance with defaults, MNEME_* environment
// binding and an optional mneme.yaml from the working directory or the
// config dir.
func NewViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", configDir)
	v.SetDefault("store", StoreFile)
	v.SetDefault("provider", "")
	v.SetDefault("window_size", 3)
	v.SetDefault("model", "")
	v.SetDefault("classifier_model", "")
	v.SetDefault("summarizer_model", "")
	v.SetDefault("greeting_model", "")
	v.SetDefault("max_blob_size", "8MiB")
	v.SetDefault("compaction.max_topic_chars", 0)
	v.SetDefault("compaction.max_history_lines", 0)
	v.SetDefault("http.addr", ":5003")
	v.SetDefault("log_level", "info")
	v.SetDefault("search", true)
	v.SetDefault("session_idle", "30m")

	v.SetConfigName("mneme")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}

	v.SetEnvPrefix("mneme")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps command-line flags onto settings keys. Flags use dashes
// where keys use underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if key == "http_addr" {
			key = "http.addr"
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// ReadSettings loads the optional config file and decodes all settings.
func ReadSettings(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}
	return Decode(v)
}

// Decode turns the current viper values into Settings.
func Decode(v *viper.Viper) (*Settings, error) {
	maxBlob, err := units.RAMInBytes(v.GetString("max_blob_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid max_blob_size %q: %w", v.GetString("max_blob_size"), err)
	}

	s := &Settings{
		DataDir:         expandHome(v.GetString("data_dir")),
		Store:           strings.ToLower(v.GetString("store")),
		Provider:        v.GetString("provider"),
		WindowSize:      v.GetInt("window_size"),
		Model:           v.GetString("model"),
		ClassifierModel: v.GetString("classifier_model"),
		SummarizerModel: v.GetString("summarizer_model"),
		GreetingModel:   v.GetString("greeting_model"),
		MaxBlobSize:     maxBlob,
		MaxTopicChars:   v.GetInt("compaction.max_topic_chars"),
		MaxHistoryLines: v.GetInt("compaction.max_history_lines"),
		HTTPAddr:        v.GetString("http.addr"),
		LogLevel:        v.GetString("log_level"),
		SearchEnabled:   v.GetBool("search"),
		SessionIdle:     v.GetDuration("session_idle"),
	}
	return s, s.Validate()
}

// Validate checks settings that have no sensible fallback.
func (s *Settings) Validate() error {
	switch s.Store {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q (supported: %s, %s)", s.Store, StoreFile, StoreSQLite)
	}
	if s.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", s.WindowSize)
	}
	if s.SessionIdle < 0 {
		return fmt.Errorf("session_idle must not be negative")
	}
	if s.MaxBlobSize <= 0 {
		return fmt.Errorf("max_blob_size must be positive")
	}
	if s.DataDir == "" {
		return fmt.Errorf("data_dir is empty")
	}
	return nil
}

// Compaction reports whether any long-term memory limit is set.
func (s *Settings) Compaction() bool {
	return s.MaxTopicChars > 0 || s.MaxHistoryLines > 0
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
