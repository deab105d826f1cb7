// Package config loads server settings from defaults, an optional config
// file and TRUSTGATE_* environment variables, in increasing precedence.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRUSTGATE"

// Config is the resolved server configuration.
type Config struct {
	Port   string
	DBPath string
	LogDir string
	Debug  bool

	// AdminKey is hashed at startup when AdminKeyHash is not given.
	AdminKey     string
	AdminKeyHash string
	TrustProxy   bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	IPLimit         int
	CredentialLimit int
	RateWindow      time.Duration

	MaxClockSkew     time.Duration
	NonceWindow      time.Duration
	NoncePolicy      string
	RotationMaxAge   time.Duration
	RequireSignature bool

	NotifyURLs        []string
	NotifyMinSeverity string
	NotifyCooldown    time.Duration

	// SilenceMissed is how many heartbeat intervals may pass before a
	// device is reported silent.
	SilenceMissed int
}

// SetDefaults registers every key with its default so environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "9080")
	v.SetDefault("db_path", "trustgate.db")
	v.SetDefault("log_dir", "")
	v.SetDefault("debug", false)
	v.SetDefault("admin_key", "")
	v.SetDefault("admin_key_hash", "")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("heartbeat_timeout", "5s")
	v.SetDefault("ip_limit", 10)
	v.SetDefault("credential_limit", 50)
	v.SetDefault("rate_window", "60s")
	v.SetDefault("max_clock_skew", "60s")
	v.SetDefault("nonce_window", "10m")
	v.SetDefault("nonce_policy", "commit")
	v.SetDefault("rotation_max_age", "2160h")
	v.SetDefault("require_signature", false)
	v.SetDefault("notify_urls", []string{})
	v.SetDefault("notify_min_severity", "warning")
	v.SetDefault("notify_cooldown", "15m")
	v.SetDefault("silence_missed", 3)
}

// New returns a viper instance wired for TRUSTGATE_* variables. A non-empty
// configFile is read on top of the defaults.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	return v, nil
}

// Load resolves the configuration and validates it.
func Load(configFile string) (Config, error) {
	v, err := New(configFile)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper reads every key out of v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:              strings.TrimSpace(v.GetString("port")),
		DBPath:            strings.TrimSpace(v.GetString("db_path")),
		LogDir:            strings.TrimSpace(v.GetString("log_dir")),
		Debug:             v.GetBool("debug"),
		AdminKey:          v.GetString("admin_key"),
		AdminKeyHash:      strings.TrimSpace(v.GetString("admin_key_hash")),
		TrustProxy:        v.GetBool("trust_proxy"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		HeartbeatTimeout:  v.GetDuration("heartbeat_timeout"),
		IPLimit:           v.GetInt("ip_limit"),
		CredentialLimit:   v.GetInt("credential_limit"),
		RateWindow:        v.GetDuration("rate_window"),
		MaxClockSkew:      v.GetDuration("max_clock_skew"),
		NonceWindow:       v.GetDuration("nonce_window"),
		NoncePolicy:       strings.ToLower(strings.TrimSpace(v.GetString("nonce_policy"))),
		RotationMaxAge:    v.GetDuration("rotation_max_age"),
		RequireSignature:  v.GetBool("require_signature"),
		NotifyURLs:        splitList(v.GetStringSlice("notify_urls")),
		NotifyMinSeverity: strings.ToLower(strings.TrimSpace(v.GetString("notify_min_severity"))),
		NotifyCooldown:    v.GetDuration("notify_cooldown"),
		SilenceMissed:     v.GetInt("silence_missed"),
	}
	return cfg, cfg.Validate()
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return errors.Errorf("invalid port %q", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	positive := map[string]time.Duration{
		"heartbeat_interval": c.HeartbeatInterval,
		"heartbeat_timeout":  c.HeartbeatTimeout,
		"rate_window":        c.RateWindow,
		"max_clock_skew":     c.MaxClockSkew,
		"rotation_max_age":   c.RotationMaxAge,
	}
	for key, d := range positive {
		if d <= 0 {
			return errors.Errorf("%s must be positive", key)
		}
	}
	if c.NonceWindow < 0 || c.NotifyCooldown < 0 {
		return errors.New("nonce_window and notify_cooldown must not be negative")
	}
	if c.IPLimit < 1 || c.CredentialLimit < 1 {
		return errors.New("ip_limit and credential_limit must be at least 1")
	}
	if c.SilenceMissed < 1 {
		return errors.New("silence_missed must be at least 1")
	}
	if !govalidator.IsIn(c.NoncePolicy, "commit", "check") {
		return errors.Errorf("nonce_policy must be commit or check, got %q", c.NoncePolicy)
	}
	if !govalidator.IsIn(c.NotifyMinSeverity, "info", "warning", "critical") {
		return errors.Errorf("notify_min_severity must be info, warning or critical, got %q", c.NotifyMinSeverity)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string { return ":" + c.Port }
