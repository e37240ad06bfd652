// Package config loads pxarchive settings from a YAML file and PXARCHIVE_*
// environment variables and validates them against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/roach88/pxarchive/internal/retry"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override: PXARCHIVE_STORE_DSN sets
// store.dsn.
const EnvPrefix = "PXARCHIVE"

// Config holds every setting.
type Config struct {
	Timezone string        `json:"timezone"`
	Log      LogConfig     `json:"log"`
	Store    StoreConfig   `json:"store"`
	Source   SourceConfig  `json:"source"`
	Archive  ArchiveConfig `json:"archive"`
	Media    MediaConfig   `json:"media"`
	Retry    RetryConfig   `json:"retry"`
	Sync     SyncConfig    `json:"sync"`
	HTTP     HTTPConfig    `json:"http"`
	Backup   BackupConfig  `json:"backup"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// StoreConfig locates the registry.
type StoreConfig struct {
	DSN string `json:"dsn"`
}

// SourceConfig holds the bookmark source session.
type SourceConfig struct {
	BaseURL   string        `json:"base_url"`
	UserID    string        `json:"user_id"`
	Cookie    string        `json:"cookie"`
	UserAgent string        `json:"user_agent"`
	PageSize  int           `json:"page_size"`
	Rest      string        `json:"rest"`
	Timeout   time.Duration `json:"timeout"`
}

// ArchiveConfig holds the bot session and chats.
type ArchiveConfig struct {
	BotToken         string        `json:"bot_token"`
	APIEndpoint      string        `json:"api_endpoint"`
	BroadcastChat    int64         `json:"broadcast_chat"`
	DiscussionChat   int64         `json:"discussion_chat"`
	ScratchChat      int64         `json:"scratch_chat"`
	CatalogMessageID int           `json:"catalog_message_id"`
	CatalogBatch     int           `json:"catalog_batch"`
	ProbeWindow      int           `json:"probe_window"`
	ProbeRounds      int           `json:"probe_rounds"`
	ProbeGap         time.Duration `json:"probe_gap"`
	CallGap          time.Duration `json:"call_gap"`
}

// MediaConfig holds download and cover settings.
type MediaConfig struct {
	SaveDir          string        `json:"save_dir"`
	TempDir          string        `json:"temp_dir"`
	PlaceholderCover string        `json:"placeholder_cover"`
	MaxCoverDim      int           `json:"max_cover_dim"`
	MaxCoverBytes    int64         `json:"max_cover_bytes"`
	Retention        time.Duration `json:"retention"`
	CleanupAt        string        `json:"cleanup_at"`
}

// RetryConfig is the policy for remote calls.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Factor      float64       `json:"factor"`
	MaxDelay    time.Duration `json:"max_delay"`
	CallTimeout time.Duration `json:"call_timeout"`
}

// SyncConfig holds the scheduled sync settings.
type SyncConfig struct {
	Mode     string        `json:"mode"`
	Order    string        `json:"order"`
	DriftGap time.Duration `json:"drift_gap"`
	Weekday  string        `json:"weekday"`
	At       string        `json:"at"`
}

// HTTPConfig holds the control API settings. An empty listen address
// disables the API.
type HTTPConfig struct {
	Listen string `json:"listen"`
	Token  string `json:"token"`
}

// BackupConfig holds the S3 snapshot target.
type BackupConfig struct {
	Enabled   bool   `json:"enabled"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Prefix    string `json:"prefix"`
	PathStyle bool   `json:"path_style"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "Asia/Shanghai")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.dsn", "pxarchive.db")

	v.SetDefault("source.base_url", "https://www.pixiv.net")
	v.SetDefault("source.user_id", "")
	v.SetDefault("source.cookie", "")
	v.SetDefault("source.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("source.page_size", 0)
	v.SetDefault("source.rest", "show")
	v.SetDefault("source.timeout", "30s")

	v.SetDefault("archive.bot_token", "")
	v.SetDefault("archive.api_endpoint", "")
	v.SetDefault("archive.broadcast_chat", 0)
	v.SetDefault("archive.discussion_chat", 0)
	v.SetDefault("archive.scratch_chat", 0)
	v.SetDefault("archive.catalog_message_id", 0)
	v.SetDefault("archive.catalog_batch", 20)
	v.SetDefault("archive.probe_window", 4)
	v.SetDefault("archive.probe_rounds", 5)
	v.SetDefault("archive.probe_gap", "2800ms")
	v.SetDefault("archive.call_gap", "500ms")

	v.SetDefault("media.save_dir", "data/media")
	v.SetDefault("media.temp_dir", "data/tmp")
	v.SetDefault("media.placeholder_cover", "")
	v.SetDefault("media.max_cover_dim", 2160)
	v.SetDefault("media.max_cover_bytes", 10*1024*1024)
	v.SetDefault("media.retention", "24h")
	v.SetDefault("media.cleanup_at", "09:00")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.call_timeout", "30s")

	v.SetDefault("sync.mode", "full")
	v.SetDefault("sync.order", "oldest")
	v.SetDefault("sync.drift_gap", "2800ms")
	v.SetDefault("sync.weekday", "monday")
	v.SetDefault("sync.at", "09:30")

	v.SetDefault("http.listen", "")
	v.SetDefault("http.token", "")

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.access_key", "")
	v.SetDefault("backup.secret_key", "")
	v.SetDefault("backup.prefix", "pxarchive/")
	v.SetDefault("backup.path_style", false)
}

// Load reads configuration. Priority, highest first:
//  1. PXARCHIVE_* environment variables
//  2. the file at path, or pxarchive.yaml in ., $HOME/.config/pxarchive
//     or /etc/pxarchive when path is empty
//  3. built-in defaults
//
// A missing search-path file is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pxarchive")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pxarchive")
		v.AddConfigPath("/etc/pxarchive")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Timezone: v.GetString("timezone"),
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Store: StoreConfig{DSN: v.GetString("store.dsn")},
		Source: SourceConfig{
			BaseURL:   v.GetString("source.base_url"),
			UserID:    v.GetString("source.user_id"),
			Cookie:    v.GetString("source.cookie"),
			UserAgent: v.GetString("source.user_agent"),
			PageSize:  v.GetInt("source.page_size"),
			Rest:      v.GetString("source.rest"),
			Timeout:   v.GetDuration("source.timeout"),
		},
		Archive: ArchiveConfig{
			BotToken:         v.GetString("archive.bot_token"),
			APIEndpoint:      v.GetString("archive.api_endpoint"),
			BroadcastChat:    v.GetInt64("archive.broadcast_chat"),
			DiscussionChat:   v.GetInt64("archive.discussion_chat"),
			ScratchChat:      v.GetInt64("archive.scratch_chat"),
			CatalogMessageID: v.GetInt("archive.catalog_message_id"),
			CatalogBatch:     v.GetInt("archive.catalog_batch"),
			ProbeWindow:      v.GetInt("archive.probe_window"),
			ProbeRounds:      v.GetInt("archive.probe_rounds"),
			ProbeGap:         v.GetDuration("archive.probe_gap"),
			CallGap:          v.GetDuration("archive.call_gap"),
		},
		Media: MediaConfig{
			SaveDir:          v.GetString("media.save_dir"),
			TempDir:          v.GetString("media.temp_dir"),
			PlaceholderCover: v.GetString("media.placeholder_cover"),
			MaxCoverDim:      v.GetInt("media.max_cover_dim"),
			MaxCoverBytes:    v.GetInt64("media.max_cover_bytes"),
			Retention:        v.GetDuration("media.retention"),
			CleanupAt:        v.GetString("media.cleanup_at"),
		},
		Retry: RetryConfig{
			MaxAttempts: v.GetInt("retry.max_attempts"),
			BaseDelay:   v.GetDuration("retry.base_delay"),
			Factor:      v.GetFloat64("retry.factor"),
			MaxDelay:    v.GetDuration("retry.max_delay"),
			CallTimeout: v.GetDuration("retry.call_timeout"),
		},
		Sync: SyncConfig{
			Mode:     v.GetString("sync.mode"),
			Order:    v.GetString("sync.order"),
			DriftGap: v.GetDuration("sync.drift_gap"),
			Weekday:  v.GetString("sync.weekday"),
			At:       v.GetString("sync.at"),
		},
		HTTP: HTTPConfig{
			Listen: v.GetString("http.listen"),
			Token:  v.GetString("http.token"),
		},
		Backup: BackupConfig{
			Enabled:   v.GetBool("backup.enabled"),
			Bucket:    v.GetString("backup.bucket"),
			Region:    v.GetString("backup.region"),
			Endpoint:  v.GetString("backup.endpoint"),
			AccessKey: v.GetString("backup.access_key"),
			SecretKey: v.GetString("backup.secret_key"),
			Prefix:    v.GetString("backup.prefix"),
			PathStyle: v.GetBool("backup.path_style"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError lists every schema violation, each prefixed with the
// setting path.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks c against the embedded schema and the timezone database.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	var issues []string
	if err := value.Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			path := e.Path()
			if len(path) > 0 && path[0] == "#Config" {
				path = path[1:]
			}
			issues = append(issues, fmt.Sprintf("%s: %s", strings.Join(path, "."), fmt.Sprintf(format, args...)))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil && c.Timezone != "" {
		issues = append(issues, fmt.Sprintf("timezone: %v", err))
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		Factor:      c.Retry.Factor,
		MaxDelay:    c.Retry.MaxDelay,
		Timeout:     c.Retry.CallTimeout,
	}
}
