package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "BOT"

const (
	ModeLambda = "lambda"
	ModePoll   = "poll"

	SourceSSM  = "ssm"
	SourceFile = "file"

	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Settings holds the non-secret process settings. Secrets (tokens, API keys)
// are resolved separately through a [Provider].
type Settings struct {
	Mode            string        `mapstructure:"mode"`
	ConfigSource    string        `mapstructure:"config_source"`
	ConfigFile      string        `mapstructure:"config_file"`
	ParamPrefix     string        `mapstructure:"param_prefix"`
	SessionBackend  string        `mapstructure:"session_backend"`
	StateTable      string        `mapstructure:"state_table"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	VoicesDir       string        `mapstructure:"voices_dir"`
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`
	LogLevel        string        `mapstructure:"log_level"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	OpenAIBaseURL   string        `mapstructure:"openai_base_url"`
	ChatModel       string        `mapstructure:"chat_model"`
	TelegramBaseURL string        `mapstructure:"telegram_base_url"`
	ProgressNotices bool          `mapstructure:"progress_notices"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
}

var defaults = map[string]any{
	"config_source":     SourceSSM,
	"config_file":       "config/default.yaml",
	"param_prefix":      "/voicegpt-bot",
	"session_backend":   BackendDynamoDB,
	"state_table":       "",
	"sqlite_path":       "sessions.db",
	"voices_dir":        "voices",
	"ffmpeg_path":       "ffmpeg",
	"log_level":         "info",
	"metrics_addr":      ":9090",
	"webhook_secret":    "",
	"openai_base_url":   "",
	"chat_model":        "",
	"telegram_base_url": "https://api.telegram.org",
	"progress_notices":  true,
	"poll_timeout":      30 * time.Second,
}

// Load resolves Settings from command-line args, BOT_* environment variables
// and an optional .env file, in that order of precedence.
func Load(args []string) (*Settings, error) {
	flags := pflag.NewFlagSet("voicegpt-bot", pflag.ContinueOnError)
	envFile := flags.StringP("env-file", "e", ".env", "Env file path")
	flags.StringP("mode", "m", "", "Run mode: lambda or poll (default: detected)")
	flags.String("config-source", SourceSSM, "Secret source: ssm or file")
	flags.String("config-file", "config/default.yaml", "Secrets file used when config-source=file")
	flags.String("session-backend", BackendDynamoDB, "Session backend: dynamodb, sqlite or memory")
	flags.StringP("log-level", "l", "info", "Log level")
	flags.String("metrics-addr", ":9090", "Prometheus listen address in poll mode (empty disables)")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file %q: %w", *envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("mode", "")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, name := range []string{"mode", "config-source", "config-file", "session-backend", "log-level", "metrics-addr"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind flag %q: %w", name, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: decode settings: %w", err)
	}
	if s.Mode == "" {
		s.Mode = detectMode()
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func detectMode() string {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return ModeLambda
	}
	return ModePoll
}

// Validate returns a joined error listing every incoherent setting.
func Validate(s *Settings) error {
	var errs []error
	switch s.Mode {
	case ModeLambda, ModePoll:
	default:
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: lambda, poll", s.Mode))
	}
	switch s.ConfigSource {
	case SourceSSM:
		if strings.TrimSpace(s.ParamPrefix) == "" {
			errs = append(errs, errors.New("param_prefix is required when config_source=ssm"))
		}
	case SourceFile:
		if strings.TrimSpace(s.ConfigFile) == "" {
			errs = append(errs, errors.New("config_file is required when config_source=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("config_source %q is invalid; valid values: ssm, file", s.ConfigSource))
	}
	switch s.SessionBackend {
	case BackendDynamoDB:
		if strings.TrimSpace(s.StateTable) == "" {
			errs = append(errs, errors.New("state_table is required when session_backend=dynamodb"))
		}
	case BackendSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			errs = append(errs, errors.New("sqlite_path is required when session_backend=sqlite"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("session_backend %q is invalid; valid values: dynamodb, sqlite, memory", s.SessionBackend))
	}
	if strings.TrimSpace(s.VoicesDir) == "" {
		errs = append(errs, errors.New("voices_dir must not be empty"))
	}
	return errors.Join(errs...)
}
