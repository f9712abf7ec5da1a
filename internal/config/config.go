package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the wavecall server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort  int
	DBDSN     string // SQLite file path, or postgres:// URL
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	PublicURL string // externally reachable base URL, used in hook URLs

	// Media gateway cluster.
	GatewayAPI    string
	Gateways      string // semicolon-separated edge gateway list
	GatewaySecret string
	GatewayRecord bool
	HookToken     string // shared secret the gateway presents on event hooks

	// Call timing.
	PushFallbackDelay time.Duration // wait for RINGING before retrying over SIP
	CallTimeout       time.Duration // force WAITING calls to TIMEOUT after this

	// APNs VoIP pushes.
	APNsKeyFile string
	APNsKeyID   string
	APNsTeamID  string
	APNsTopic   string
	APNsSandbox bool

	// FCM pushes.
	FCMCredentials string

	PushConcurrency int

	// SIP bridge.
	SIPPushURL   string
	SIPPushToken string

	JWTSecret string // hex-encoded 32-byte secret for device session JWT signing
}

// defaults
const (
	defaultHTTPPort        = 8080
	defaultDBDSN           = "./data/wavecall.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultFallbackDelay   = 9 * time.Second
	defaultCallTimeout     = 60 * time.Second
	defaultPushConcurrency = 8
)

// envPrefix is the prefix for all wavecall environment variables.
const envPrefix = "WAVECALL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wavecall", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DBDSN, "db-dsn", defaultDBDSN, "SQLite file path or postgres:// connection URL")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL of this server (e.g., https://call.example.com)")
	fs.StringVar(&cfg.GatewayAPI, "gateway-api", "", "media gateway control-plane API URL")
	fs.StringVar(&cfg.Gateways, "gateways", "", "semicolon-separated list of media edge gateway URLs")
	fs.StringVar(&cfg.GatewaySecret, "gateway-secret", "", "shared secret for media gateway session RPCs")
	fs.BoolVar(&cfg.GatewayRecord, "gateway-record", false, "record media sessions by default")
	fs.StringVar(&cfg.HookToken, "hook-token", "", "shared secret the media gateway presents on event hooks")
	fs.DurationVar(&cfg.PushFallbackDelay, "push-fallback-delay", defaultFallbackDelay, "how long to wait for a ringing report before retrying the callee over SIP")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", defaultCallTimeout, "how long an unanswered call may stay waiting before timing out")
	fs.StringVar(&cfg.APNsKeyFile, "apns-key-file", "", "path to the APNs .p8 provider key file")
	fs.StringVar(&cfg.APNsKeyID, "apns-key-id", "", "APNs key identifier")
	fs.StringVar(&cfg.APNsTeamID, "apns-team-id", "", "Apple Developer team ID")
	fs.StringVar(&cfg.APNsTopic, "apns-topic", "", "APNs topic (app bundle ID)")
	fs.BoolVar(&cfg.APNsSandbox, "apns-sandbox", false, "pin APNs deliveries to the sandbox environment")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to the Firebase service-account JSON file")
	fs.IntVar(&cfg.PushConcurrency, "push-concurrency", defaultPushConcurrency, "maximum parallel push deliveries per dispatch")
	fs.StringVar(&cfg.SIPPushURL, "sip-push-url", "", "SIP bridge base URL for legacy endpoint fallback")
	fs.StringVar(&cfg.SIPPushToken, "sip-push-token", "", "token for the SIP bridge make_call endpoint")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for device session JWT signing (auto-generated if empty)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"http-port":           envPrefix + "HTTP_PORT",
		"db-dsn":              envPrefix + "DB_DSN",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
		"public-url":          envPrefix + "PUBLIC_URL",
		"gateway-api":         envPrefix + "GATEWAY_API",
		"gateways":            envPrefix + "GATEWAYS",
		"gateway-secret":      envPrefix + "GATEWAY_SECRET",
		"gateway-record":      envPrefix + "GATEWAY_RECORD",
		"hook-token":          envPrefix + "HOOK_TOKEN",
		"push-fallback-delay": envPrefix + "PUSH_FALLBACK_DELAY",
		"call-timeout":        envPrefix + "CALL_TIMEOUT",
		"apns-key-file":       envPrefix + "APNS_KEY_FILE",
		"apns-key-id":         envPrefix + "APNS_KEY_ID",
		"apns-team-id":        envPrefix + "APNS_TEAM_ID",
		"apns-topic":          envPrefix + "APNS_TOPIC",
		"apns-sandbox":        envPrefix + "APNS_SANDBOX",
		"fcm-credentials":     envPrefix + "FCM_CREDENTIALS",
		"push-concurrency":    envPrefix + "PUSH_CONCURRENCY",
		"sip-push-url":        envPrefix + "SIP_PUSH_URL",
		"sip-push-token":      envPrefix + "SIP_PUSH_TOKEN",
		"jwt-secret":          envPrefix + "JWT_SECRET",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "db-dsn":
			cfg.DBDSN = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "public-url":
			cfg.PublicURL = val
		case "gateway-api":
			cfg.GatewayAPI = val
		case "gateways":
			cfg.Gateways = val
		case "gateway-secret":
			cfg.GatewaySecret = val
		case "gateway-record":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.GatewayRecord = v
			}
		case "hook-token":
			cfg.HookToken = val
		case "push-fallback-delay":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.PushFallbackDelay = v
			}
		case "call-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CallTimeout = v
			}
		case "apns-key-file":
			cfg.APNsKeyFile = val
		case "apns-key-id":
			cfg.APNsKeyID = val
		case "apns-team-id":
			cfg.APNsTeamID = val
		case "apns-topic":
			cfg.APNsTopic = val
		case "apns-sandbox":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.APNsSandbox = v
			}
		case "fcm-credentials":
			cfg.FCMCredentials = val
		case "push-concurrency":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PushConcurrency = v
			}
		case "sip-push-url":
			cfg.SIPPushURL = val
		case "sip-push-token":
			cfg.SIPPushToken = val
		case "jwt-secret":
			cfg.JWTSecret = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db-dsn must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.PushFallbackDelay < 0 {
		return fmt.Errorf("push-fallback-delay must not be negative, got %s", c.PushFallbackDelay)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call-timeout must not be negative, got %s", c.CallTimeout)
	}
	if c.PushConcurrency < 1 {
		return fmt.Errorf("push-concurrency must be at least 1, got %d", c.PushConcurrency)
	}

	c.PublicURL = strings.TrimSuffix(c.PublicURL, "/")
	c.GatewayAPI = strings.TrimSuffix(c.GatewayAPI, "/")
	c.SIPPushURL = strings.TrimSuffix(c.SIPPushURL, "/")

	return nil
}

// GatewayList splits the semicolon-separated gateway list, dropping empty
// entries.
func (c *Config) GatewayList() []string {
	var out []string
	for _, g := range strings.Split(c.Gateways, ";") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// APNsConfigured returns true if all mandatory APNs fields are set.
func (c *Config) APNsConfigured() bool {
	return c.APNsKeyFile != "" && c.APNsKeyID != "" && c.APNsTeamID != "" && c.APNsTopic != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
