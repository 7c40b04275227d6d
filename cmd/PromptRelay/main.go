package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/PromptRelay/internal/api"
	"github.com/BTreeMap/PromptRelay/internal/faq"
	"github.com/BTreeMap/PromptRelay/internal/genai"
	"github.com/BTreeMap/PromptRelay/internal/lockfile"
	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/BTreeMap/PromptRelay/internal/twiliowhatsapp"
	"github.com/BTreeMap/PromptRelay/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PromptRelay state data
	DefaultStateDir = "/var/lib/promptrelay"
	// DefaultWhatsmeowDBFileName is the default whatsmeow device store filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
)

// Config holds the process configuration, read from the environment (and .env) and then
// overridden by command line flags.
type Config struct {
	APIAddr  string `env:"API_ADDR"`
	Port     string `env:"PORT"`
	StateDir string `env:"PROMPTRELAY_STATE_DIR" envDefault:"/var/lib/promptrelay"`

	DatabaseDSN string `env:"DATABASE_DSN"`

	OpenAIKey       string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `env:"OPENAI_BASE_URL"`
	AzureEndpoint   string        `env:"AZURE_OPENAI_ENDPOINT"`
	AzureAPIVersion string        `env:"AZURE_OPENAI_API_VERSION" envDefault:"2025-01-01-preview"`
	AssistantID     string        `env:"ASSISTANT_ID"`
	PollInterval    time.Duration `env:"ASSISTANT_POLL_INTERVAL" envDefault:"1s"`
	RunTimeout      time.Duration `env:"ASSISTANT_RUN_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"ASSISTANT_REQUEST_TIMEOUT" envDefault:"30s"`

	Backend string `env:"MESSAGING_BACKEND" envDefault:"cloudapi"`

	WhatsAppAPIKey  string `env:"WHATSAPP_API_KEY"`
	PhoneNumberID   string `env:"WHATSAPP_PHONE_NUMBER_ID"`
	VerifyToken     string `env:"WHATSAPP_VERIFY_TOKEN"`
	AppSecret       string `env:"WHATSAPP_APP_SECRET"`
	GraphAPIURL     string `env:"WHATSAPP_API_URL" envDefault:"https://graph.facebook.com"`
	GraphAPIVersion string `env:"WHATSAPP_API_VERSION" envDefault:"v18.0"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `env:"TWILIO_WEBHOOK_URL"`

	WhatsmeowDSN         string `env:"WHATSMEOW_DB_DSN"`
	WhatsmeowQROutput    string `env:"WHATSMEOW_QR_OUTPUT"`
	WhatsmeowNumericCode bool   `env:"WHATSMEOW_NUMERIC_CODE"`

	FAQPath         string  `env:"FAQ_PATH" envDefault:"./data/faq.json"`
	FAQThreshold    float64 `env:"FAQ_SIMILARITY_THRESHOLD" envDefault:"0.7"`
	FAQShortWordLen int     `env:"FAQ_SHORT_WORD_LEN" envDefault:"3"`

	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`
	SweepSchedule    string        `env:"SESSION_SWEEP_SCHEDULE" envDefault:"@every 24h"`
	MessageTimeout   time.Duration `env:"MESSAGE_TIMEOUT" envDefault:"2m"`
	AdminToken       string        `env:"ADMIN_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		slog.Error("PromptRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PromptRelay exited successfully")
}

func run(ctx context.Context, args []string) error {
	config, err := loadEnvironmentConfig()
	if err != nil {
		return err
	}
	config, err = parseCommandLineFlags(config, args)
	if err != nil {
		return err
	}
	slog.SetDefault(initializeLogger(config.LogLevel, config.LogFormat, os.Stdout))

	if err := validateConfig(config); err != nil {
		return err
	}
	slog.Debug("Final configuration",
		"backend", config.Backend, "state_dir", config.StateDir, "api_addr", listenAddr(config),
		"database_dsn_set", config.DatabaseDSN != "", "faq_path", config.FAQPath,
		"openai_key_set", config.OpenAIKey != "", "azure", config.AzureEndpoint != "",
		"admin_token_set", config.AdminToken != "")

	if usesStateDir(config) {
		lock, err := lockfile.AcquireLock(config.StateDir, config.Backend)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	matcher := faq.Load(config.FAQPath, buildFAQOptions(config)...)
	assistant, err := genai.NewAssistant(st, matcher, buildGenAIOptions(config)...)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to configure assistant: %w", err)
	}

	msgService, err := buildMessagingService(ctx, config)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to configure messaging backend %q: %w", config.Backend, err)
	}

	slog.Info("Bootstrapping PromptRelay", "backend", msgService.Name(), "faq_entries", matcher.Len())
	return api.Run(ctx, api.Deps{
		Messaging:  msgService,
		Store:      st,
		Responder:  assistant,
		FAQEntries: matcher.Len(),
	}, buildAPIOptions(config)...)
}

// loadEnvironmentConfig loads .env (if present) and parses the environment.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	return parseEnvironment(nil)
}

// parseEnvironment fills a Config from environment; nil means the process environment.
func parseEnvironment(environment map[string]string) (Config, error) {
	var config Config
	if err := env.ParseWithOptions(&config, env.Options{Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return config, nil
}

// parseCommandLineFlags overrides config with command line flags.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("PromptRelay", flag.ContinueOnError)
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for PromptRelay data (overrides $PROMPTRELAY_STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "session store DSN, empty for in-memory (overrides $DATABASE_DSN)")
	fs.StringVar(&config.Backend, "backend", config.Backend, "messaging backend: cloudapi, twilio or whatsmeow (overrides $MESSAGING_BACKEND)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.AssistantID, "assistant-id", config.AssistantID, "assistant identifier (overrides $ASSISTANT_ID)")
	fs.StringVar(&config.FAQPath, "faq-path", config.FAQPath, "FAQ data file (overrides $FAQ_PATH)")
	fs.Float64Var(&config.FAQThreshold, "faq-threshold", config.FAQThreshold, "FAQ similarity threshold (overrides $FAQ_SIMILARITY_THRESHOLD)")
	fs.StringVar(&config.WhatsmeowDSN, "whatsmeow-db-dsn", config.WhatsmeowDSN, "whatsmeow device store DSN (overrides $WHATSMEOW_DB_DSN)")
	fs.StringVar(&config.WhatsmeowQROutput, "qr-output", config.WhatsmeowQROutput, "path to write login QR code (overrides $WHATSMEOW_QR_OUTPUT)")
	fs.BoolVar(&config.WhatsmeowNumericCode, "numeric-code", config.WhatsmeowNumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&config.AdminToken, "admin-token", config.AdminToken, "bearer token enabling /sessions (overrides $ADMIN_TOKEN)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&config.LogFormat, "log-format", config.LogFormat, "text or json (overrides $LOG_FORMAT)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.WhatsmeowDSN == "" {
		config.WhatsmeowDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"
	}
	return config, nil
}

// initializeLogger builds the process logger. Unknown levels fall back to info.
func initializeLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// validateConfig checks that the selected backend and the assistant are fully configured.
func validateConfig(config Config) error {
	var errs []error
	if config.OpenAIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if config.AssistantID == "" {
		errs = append(errs, errors.New("ASSISTANT_ID is required"))
	}
	switch config.Backend {
	case messaging.BackendCloudAPI:
		if config.WhatsAppAPIKey == "" || config.PhoneNumberID == "" {
			errs = append(errs, errors.New("WHATSAPP_API_KEY and WHATSAPP_PHONE_NUMBER_ID are required for the cloudapi backend"))
		}
		if config.VerifyToken == "" {
			errs = append(errs, errors.New("WHATSAPP_VERIFY_TOKEN is required for the cloudapi backend"))
		}
	case messaging.BackendTwilio:
		if config.TwilioAccountSID == "" || config.TwilioAuthToken == "" || config.TwilioFromNumber == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for the twilio backend"))
		}
	case messaging.BackendWhatsmeow:
	default:
		errs = append(errs, fmt.Errorf("unknown messaging backend %q", config.Backend))
	}
	if config.FAQThreshold < 0 || config.FAQThreshold > 1 {
		errs = append(errs, fmt.Errorf("FAQ_SIMILARITY_THRESHOLD must be within [0, 1], got %v", config.FAQThreshold))
	}
	return errors.Join(errs...)
}

// usesStateDir reports whether any configured database lives in the state directory.
func usesStateDir(config Config) bool {
	if config.DatabaseDSN != "" && store.DetectDSNType(config.DatabaseDSN) == "sqlite3" {
		return true
	}
	return config.Backend == messaging.BackendWhatsmeow && store.DetectDSNType(config.WhatsmeowDSN) == "sqlite3"
}

func listenAddr(config Config) string {
	switch {
	case config.APIAddr != "":
		return config.APIAddr
	case config.Port != "":
		return ":" + config.Port
	default:
		return api.DefaultAddr
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if config.DatabaseDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(config.DatabaseDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(config.DatabaseDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseDSN)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseDSN)}
}

// buildFAQOptions constructs FAQ matcher options
func buildFAQOptions(config Config) []faq.Option {
	return []faq.Option{
		faq.WithThreshold(config.FAQThreshold),
		faq.WithShortWordLen(config.FAQShortWordLen),
	}
}

// buildGenAIOptions constructs assistant configuration options
func buildGenAIOptions(config Config) []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(config.OpenAIKey),
		genai.WithAssistantID(config.AssistantID),
		genai.WithPollInterval(config.PollInterval),
		genai.WithRunTimeout(config.RunTimeout),
		genai.WithRequestTimeout(config.RequestTimeout),
	}
	if config.AzureEndpoint != "" {
		opts = append(opts, genai.WithAzureEndpoint(config.AzureEndpoint), genai.WithAPIVersion(config.AzureAPIVersion))
	} else if config.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	return opts
}

// buildWhatsAppOptions constructs whatsmeow client options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsmeowDSN)}
	if config.WhatsmeowQROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.WhatsmeowQROutput))
	}
	if config.WhatsmeowNumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	return []api.Option{
		api.WithAddr(listenAddr(config)),
		api.WithAdminToken(config.AdminToken),
		api.WithMessageTimeout(config.MessageTimeout),
		api.WithSessionRetention(config.SessionRetention),
		api.WithSweepSchedule(config.SweepSchedule),
	}
}

// buildMessagingService creates the configured transport.
func buildMessagingService(ctx context.Context, config Config) (messaging.Service, error) {
	switch config.Backend {
	case messaging.BackendCloudAPI:
		cloud, err := messaging.NewCloudAPI(
			messaging.WithAPIKey(config.WhatsAppAPIKey),
			messaging.WithPhoneNumberID(config.PhoneNumberID),
			messaging.WithVerifyToken(config.VerifyToken),
			messaging.WithAppSecret(config.AppSecret),
			messaging.WithGraphAPIURL(config.GraphAPIURL),
			messaging.WithGraphAPIVersion(config.GraphAPIVersion),
		)
		if err != nil {
			return nil, err
		}
		return cloud, nil
	case messaging.BackendTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client,
			messaging.WithTwilioSignatureCheck(config.TwilioAuthToken, config.TwilioWebhookURL)), nil
	case messaging.BackendWhatsmeow:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsmeowService(client), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", config.Backend)
	}
}
