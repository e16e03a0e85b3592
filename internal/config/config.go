package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "EARTHONLINE"

	defaultMode                     = "prod"
	defaultSyncIntervalSeconds      = 300
	defaultSyncRequestTimeout       = 5 * time.Second
	defaultHeartbeatSeconds         = 5
	defaultConnectionTimeoutSeconds = 120
	defaultQueueCapacity            = 64
	defaultTokenTTLMinutes          = 720
	defaultScanIntervalSeconds      = 86400
	defaultReminderRoom             = "roadmap_room"
	defaultFreshCutoffSeconds       = 365 * 24 * 60 * 60
	defaultHTTPAddress              = "0.0.0.0:8080"
	defaultDatabasePath             = "earthonline.db"
	defaultLogLevel                 = "info"
)

// Keys of every supported option.
const (
	KeyMode                 = "mode"
	KeyPeerURL              = "peer.url"
	KeySyncAPIKey           = "sync.api_key"
	KeySyncInterval         = "sync.interval_seconds"
	KeySyncRequestTimeout   = "sync.request_timeout"
	KeySyncPeriodic         = "sync.periodic_seconds"
	KeySSEHeartbeat         = "sse.heartbeat_seconds"
	KeySSEConnectionTimeout = "sse.connection_timeout_seconds"
	KeySSEQueueCapacity     = "sse.queue_capacity"
	KeySSETokenSecret       = "sse.token_secret"
	KeySSETokenTTL          = "sse.token_ttl_minutes"
	KeyReminderScanInterval = "reminder.scan_interval_seconds"
	KeyReminderScanAt       = "reminder.scan_at"
	KeyReminderRoom         = "reminder.room"
	KeyRoadmapFreshCutoff   = "roadmap.fresh_cutoff_seconds"
	KeyHTTPAddress          = "http.address"
	KeyDatabasePath         = "database.path"
	KeyLogLevel             = "log.level"
)

// ConfigError reports an invalid or missing option. It is fatal at startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// AppConfig captures runtime configuration for a node.
type AppConfig struct {
	Mode               string
	PeerURL            string
	SyncAPIKey         string
	SyncInterval       time.Duration
	SyncRequestTimeout time.Duration
	SyncPeriodic       time.Duration

	SSEHeartbeat         time.Duration
	SSEConnectionTimeout time.Duration
	SSEQueueCapacity     int
	SSETokenSecret       string
	SSETokenTTL          time.Duration

	ReminderScanInterval time.Duration
	ReminderScanAt       string
	ReminderRoom         string

	FreshCutoff time.Duration

	HTTPAddress  string
	DatabasePath string
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyMode, defaultMode)
	configViper.SetDefault(KeyPeerURL, "")
	configViper.SetDefault(KeySyncAPIKey, "")
	configViper.SetDefault(KeySyncInterval, defaultSyncIntervalSeconds)
	configViper.SetDefault(KeySyncRequestTimeout, defaultSyncRequestTimeout)
	configViper.SetDefault(KeySyncPeriodic, 0)
	configViper.SetDefault(KeySSEHeartbeat, defaultHeartbeatSeconds)
	configViper.SetDefault(KeySSEConnectionTimeout, defaultConnectionTimeoutSeconds)
	configViper.SetDefault(KeySSEQueueCapacity, defaultQueueCapacity)
	configViper.SetDefault(KeySSETokenSecret, "")
	configViper.SetDefault(KeySSETokenTTL, defaultTokenTTLMinutes)
	configViper.SetDefault(KeyReminderScanInterval, defaultScanIntervalSeconds)
	configViper.SetDefault(KeyReminderScanAt, "")
	configViper.SetDefault(KeyReminderRoom, defaultReminderRoom)
	configViper.SetDefault(KeyRoadmapFreshCutoff, defaultFreshCutoffSeconds)
	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Mode:                 strings.ToLower(strings.TrimSpace(configViper.GetString(KeyMode))),
		PeerURL:              strings.TrimSpace(configViper.GetString(KeyPeerURL)),
		SyncAPIKey:           strings.TrimSpace(configViper.GetString(KeySyncAPIKey)),
		SyncInterval:         seconds(configViper.GetInt64(KeySyncInterval)),
		SyncRequestTimeout:   configViper.GetDuration(KeySyncRequestTimeout),
		SyncPeriodic:         seconds(configViper.GetInt64(KeySyncPeriodic)),
		SSEHeartbeat:         seconds(configViper.GetInt64(KeySSEHeartbeat)),
		SSEConnectionTimeout: seconds(configViper.GetInt64(KeySSEConnectionTimeout)),
		SSEQueueCapacity:     configViper.GetInt(KeySSEQueueCapacity),
		SSETokenSecret:       strings.TrimSpace(configViper.GetString(KeySSETokenSecret)),
		SSETokenTTL:          time.Duration(configViper.GetInt64(KeySSETokenTTL)) * time.Minute,
		ReminderScanInterval: seconds(configViper.GetInt64(KeyReminderScanInterval)),
		ReminderScanAt:       strings.TrimSpace(configViper.GetString(KeyReminderScanAt)),
		ReminderRoom:         strings.TrimSpace(configViper.GetString(KeyReminderRoom)),
		FreshCutoff:          seconds(configViper.GetInt64(KeyRoadmapFreshCutoff)),
		HTTPAddress:          strings.TrimSpace(configViper.GetString(KeyHTTPAddress)),
		DatabasePath:         strings.TrimSpace(configViper.GetString(KeyDatabasePath)),
		LogLevel:             configViper.GetString(KeyLogLevel),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// StreamTokensEnabled reports whether SSE connections must present a signed token.
func (c AppConfig) StreamTokensEnabled() bool {
	return c.SSETokenSecret != ""
}

func (c AppConfig) validate() error {
	switch c.Mode {
	case "local", "prod":
	default:
		return &ConfigError{Key: KeyMode, Reason: fmt.Sprintf("must be local or prod, got %q", c.Mode)}
	}
	if c.SyncAPIKey == "" {
		return &ConfigError{Key: KeySyncAPIKey, Reason: "is required"}
	}
	if c.Mode == "local" {
		if c.PeerURL == "" {
			return &ConfigError{Key: KeyPeerURL, Reason: "is required in local mode"}
		}
		parsed, err := url.Parse(c.PeerURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return &ConfigError{Key: KeyPeerURL, Reason: fmt.Sprintf("must be an absolute http(s) url, got %q", c.PeerURL)}
		}
	}
	positive := []struct {
		key   string
		value time.Duration
	}{
		{KeySyncInterval, c.SyncInterval},
		{KeySyncRequestTimeout, c.SyncRequestTimeout},
		{KeySSEHeartbeat, c.SSEHeartbeat},
		{KeySSEConnectionTimeout, c.SSEConnectionTimeout},
		{KeySSETokenTTL, c.SSETokenTTL},
		{KeyReminderScanInterval, c.ReminderScanInterval},
		{KeyRoadmapFreshCutoff, c.FreshCutoff},
	}
	for _, option := range positive {
		if option.value <= 0 {
			return &ConfigError{Key: option.key, Reason: "must be positive"}
		}
	}
	if c.SyncPeriodic < 0 {
		return &ConfigError{Key: KeySyncPeriodic, Reason: "must not be negative"}
	}
	if c.SSEQueueCapacity <= 0 {
		return &ConfigError{Key: KeySSEQueueCapacity, Reason: "must be positive"}
	}
	if c.SSEHeartbeat >= c.SSEConnectionTimeout {
		return &ConfigError{Key: KeySSEHeartbeat, Reason: "must be shorter than " + KeySSEConnectionTimeout}
	}
	if c.ReminderScanAt != "" && !validTimeOfDay(c.ReminderScanAt) {
		return &ConfigError{Key: KeyReminderScanAt, Reason: fmt.Sprintf("must be HH:MM, got %q", c.ReminderScanAt)}
	}
	if c.ReminderRoom == "" {
		return &ConfigError{Key: KeyReminderRoom, Reason: "is required"}
	}
	if c.HTTPAddress == "" {
		return &ConfigError{Key: KeyHTTPAddress, Reason: "is required"}
	}
	if c.DatabasePath == "" {
		return &ConfigError{Key: KeyDatabasePath, Reason: "is required"}
	}
	return nil
}

func seconds(value int64) time.Duration {
	return time.Duration(value) * time.Second
}

func validTimeOfDay(value string) bool {
	parsed, err := time.Parse("15:04", value)
	return err == nil && parsed.Format("15:04") == value
}
