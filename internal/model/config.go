package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AssistantConfig holds pipeline-wide behavior settings.
type AssistantConfig struct {
	// Owner is the user id credited for flows that have no chat user
	// attached (email ingestion, digest).
	Owner string `mapstructure:"owner" yaml:"owner"`

	// DefaultTimezone is the IANA zone applied to extracted datetimes that
	// carry no offset.
	DefaultTimezone string `mapstructure:"default_timezone" yaml:"default_timezone"`
}

// LLMConfig holds settings for the extraction service. APIKey may be left
// blank to be resolved from the system keyring instead.
type LLMConfig struct {
	BaseURL       string   `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string   `mapstructure:"api_key" yaml:"api_key"`
	TextModel     string   `mapstructure:"text_model" yaml:"text_model"`
	VisionModel   string   `mapstructure:"vision_model" yaml:"vision_model"`
	AllowedModels []string `mapstructure:"allowed_models" yaml:"allowed_models"`
}

// GoogleConfig holds OAuth client settings and sync targets.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	CalendarID   string `mapstructure:"calendar_id" yaml:"calendar_id"`
	TaskListID   string `mapstructure:"task_list_id" yaml:"task_list_id"`

	// CategoryColors maps lower-case category labels to calendar color ids.
	CategoryColors map[string]string `mapstructure:"category_colors" yaml:"category_colors"`

	// DefaultColorID is used when a category has no table entry. Empty means
	// the calendar service picks its own color.
	DefaultColorID string `mapstructure:"default_color_id" yaml:"default_color_id"`
}

// EmailConfig holds IMAP mailbox settings for the email channel adapter.
// Password may be left blank to be resolved from the system keyring.
type EmailConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Host            string `mapstructure:"host" yaml:"host"`
	Port            string `mapstructure:"port" yaml:"port"`
	Username        string `mapstructure:"username" yaml:"username"`
	Password        string `mapstructure:"password" yaml:"password"`
	TLS             bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox         string `mapstructure:"mailbox" yaml:"mailbox"`
	PollIntervalSec int    `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// DigestConfig holds the daily agenda digest schedule.
type DigestConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Assistant AssistantConfig `mapstructure:"assistant" yaml:"assistant"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Google    GoogleConfig    `mapstructure:"google" yaml:"google"`
	Email     EmailConfig     `mapstructure:"email" yaml:"email"`
	Digest    DigestConfig    `mapstructure:"digest" yaml:"digest"`

	// DBPath locates the sqlite state database.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/agendabot/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "agendabot", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		Assistant: AssistantConfig{
			Owner:           "owner",
			DefaultTimezone: "UTC",
		},
		LLM: LLMConfig{
			BaseURL:   "https://api.openai.com/v1",
			TextModel: "gpt-4o-mini",
		},
		Google: GoogleConfig{
			CalendarID: "primary",
			TaskListID: "@default",
		},
		Email: EmailConfig{
			TLS:             true,
			Mailbox:         "INBOX",
			PollIntervalSec: 60,
		},
		Digest: DigestConfig{
			Schedule: "0 7 * * *",
		},
		DBPath: filepath.Join(home, ".config", "agendabot", "agendabot.db"),
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration. Environment
// variables prefixed AGENDABOT_ override file values (AGENDABOT_LLM_API_KEY
// overrides llm.api_key).
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("agendabot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a registered default, even an empty one: viper only
	// consults AutomaticEnv during Unmarshal for keys it already knows about,
	// and the credential keys are exactly the ones a .env file carries.
	def := defaultAppConfig()
	v.SetDefault("assistant.owner", def.Assistant.Owner)
	v.SetDefault("assistant.default_timezone", def.Assistant.DefaultTimezone)
	v.SetDefault("llm.base_url", def.LLM.BaseURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.text_model", def.LLM.TextModel)
	v.SetDefault("llm.vision_model", "")
	v.SetDefault("llm.allowed_models", []string{})
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.calendar_id", def.Google.CalendarID)
	v.SetDefault("google.task_list_id", def.Google.TaskListID)
	v.SetDefault("google.category_colors", map[string]string{})
	v.SetDefault("google.default_color_id", "")
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", "")
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.tls", def.Email.TLS)
	v.SetDefault("email.mailbox", def.Email.Mailbox)
	v.SetDefault("email.poll_interval_sec", def.Email.PollIntervalSec)
	v.SetDefault("digest.enabled", false)
	v.SetDefault("digest.schedule", def.Digest.Schedule)
	v.SetDefault("db_path", def.DBPath)

	if err := v.ReadInConfig(); err != nil {
		_, pathErr := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !pathErr && !notFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		// A missing file is fine: defaults plus env overrides still apply.
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Email.Port == "" {
		if cfg.Email.TLS {
			cfg.Email.Port = "993"
		} else {
			cfg.Email.Port = "143"
		}
	}

	return cfg, nil
}
