// Package config wraps a viper singleton holding every recognized server
// setting. Values resolve env var > config file > default, with env vars
// prefixed MAILROOM_ (MAILROOM_HTTP_PORT, MAILROOM_STORAGE_ROOT, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml. Precedence: project .mailroom/config.yaml
	// (walking up from CWD) > ~/.config/mailroom/config.yaml.
	configFileSet := false

	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".mailroom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "mailroom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	v.SetEnvPrefix("MAILROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database-url", "")
	v.SetDefault("storage-root", "")
	v.SetDefault("log-file", "")

	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8765)
	v.SetDefault("http.path", "/mcp/")

	v.SetDefault("git.author-name", "Mailroom Archive")
	v.SetDefault("git.author-email", "mailroom@localhost")

	v.SetDefault("attachments.inline-image-max-bytes", 64*1024)
	v.SetDefault("attachments.convert-images", true)

	v.SetDefault("contact.enforcement-enabled", false)
	v.SetDefault("contact.auto-ttl-seconds", 86400)
	v.SetDefault("contact.auto-retry-enabled", true)

	v.SetDefault("reservations.enforcement-enabled", true)

	v.SetDefault("ack-ttl-seconds", 1800)
	v.SetDefault("agent-name-enforcement", "coerce")

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.api-key", "")

	// Path to a JSON per-agent tool allowlist; empty disables enforcement.
	v.SetDefault("capabilities-file", "")

	// Projects whose slug matches one of these shell patterns are skipped
	// by retention/maintenance sweeps.
	v.SetDefault("retention.ignore-project-patterns",
		"demo,test*,testproj*,testproject,backendproj*,frontendproj*")
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// Set sets a configuration value at runtime (used by flag binding and tests).
func Set(key string, value any) {
	if v == nil {
		v = viper.New()
		setDefaults(v)
	}
	v.Set(key, value)
}

// AllSettings returns the full effective configuration map.
func AllSettings() map[string]any {
	if v == nil {
		return nil
	}
	return v.AllSettings()
}

// Settings is an immutable snapshot of the configuration consumed by the
// service layer. Snapshotting keeps request handling free of viper lookups
// and makes tests independent of process env.
type Settings struct {
	DatabaseURL string
	StorageRoot string
	LogFile     string

	HTTPHost string
	HTTPPort int
	HTTPPath string

	GitAuthorName  string
	GitAuthorEmail string

	InlineImageMaxBytes int64
	ConvertImages       bool

	ContactEnforcement bool
	ContactAutoTTL     time.Duration
	ContactAutoRetry   bool

	ReservationEnforcement bool

	AckTTL          time.Duration
	NameEnforcement string

	LLMEnabled bool
	LLMModel   string

	RetentionIgnorePatterns []string
}

// Load materializes a Settings snapshot from the viper singleton,
// resolving defaults that depend on the environment (home directory).
func Load() (*Settings, error) {
	if v == nil {
		if err := Initialize(); err != nil {
			return nil, err
		}
	}
	s := &Settings{
		DatabaseURL: v.GetString("database-url"),
		StorageRoot: v.GetString("storage-root"),
		LogFile:     v.GetString("log-file"),

		HTTPHost: v.GetString("http.host"),
		HTTPPort: v.GetInt("http.port"),
		HTTPPath: v.GetString("http.path"),

		GitAuthorName:  v.GetString("git.author-name"),
		GitAuthorEmail: v.GetString("git.author-email"),

		InlineImageMaxBytes: v.GetInt64("attachments.inline-image-max-bytes"),
		ConvertImages:       v.GetBool("attachments.convert-images"),

		ContactEnforcement: v.GetBool("contact.enforcement-enabled"),
		ContactAutoTTL:     time.Duration(v.GetInt("contact.auto-ttl-seconds")) * time.Second,
		ContactAutoRetry:   v.GetBool("contact.auto-retry-enabled"),

		ReservationEnforcement: v.GetBool("reservations.enforcement-enabled"),

		AckTTL:          time.Duration(v.GetInt("ack-ttl-seconds")) * time.Second,
		NameEnforcement: v.GetString("agent-name-enforcement"),

		LLMEnabled: v.GetBool("llm.enabled"),
		LLMModel:   v.GetString("llm.model"),
	}
	for _, p := range strings.Split(v.GetString("retention.ignore-project-patterns"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			s.RetentionIgnorePatterns = append(s.RetentionIgnorePatterns, p)
		}
	}
	if s.StorageRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving storage root: %w", err)
		}
		s.StorageRoot = filepath.Join(home, "mailroom")
	}
	if s.DatabaseURL == "" {
		s.DatabaseURL = filepath.Join(s.StorageRoot, "mailroom.db")
	}
	return s, nil
}

// DefaultSettings returns a Settings with pure defaults rooted at dir.
// Test helper equivalent of Load without touching process env.
func DefaultSettings(dir string) *Settings {
	return &Settings{
		DatabaseURL:         filepath.Join(dir, "mailroom.db"),
		StorageRoot:         dir,
		HTTPHost:            "127.0.0.1",
		HTTPPort:            8765,
		HTTPPath:            "/mcp/",
		GitAuthorName:       "Mailroom Archive",
		GitAuthorEmail:      "mailroom@localhost",
		InlineImageMaxBytes: 64 * 1024,
		ConvertImages:       true,
		ContactAutoTTL:      24 * time.Hour,
		ContactAutoRetry:    true,

		ReservationEnforcement: true,

		AckTTL:          30 * time.Minute,
		NameEnforcement: "coerce",
		LLMModel:        "claude-3-5-haiku-latest",

		RetentionIgnorePatterns: []string{
			"demo", "test*", "testproj*", "testproject", "backendproj*", "frontendproj*",
		},
	}
}
