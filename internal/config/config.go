package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
)

// EnvPrefix is prepended to every environment variable name. Each variable is
// also accepted without the prefix (e.g. ALLOWED_ORIGINS, AUTH_MODE) when the
// prefixed form is unset.
const EnvPrefix = "AERO_WEBRTC_SIGNALING"

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueue            = 256
	DefaultStatsLogInterval              = 5 * time.Minute

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Access control for the signaling upgrade. This gates who may connect; it
	// does not bind a connection to a display name.
	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// SignalingSendQueue is the per-connection outbound queue depth. Pushes to a
	// full queue are dropped and the slow connection is closed.
	SignalingSendQueue int

	// StatsLogInterval controls the periodic presence summary log line. Zero
	// disables it.
	StatsLogInterval time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError returns the ICE parsing error, if any. A bad ICE list does not
// stop the relay from starting, but it keeps /readyz and /webrtc/ice failing.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// envSpec is the environment layer. Values become the defaults of the
// matching command-line flags.
type envSpec struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8080"`
	PublicBaseURL   string        `envconfig:"PUBLIC_BASE_URL"`
	AllowedOrigins  string        `envconfig:"ALLOWED_ORIGINS"`
	Mode            string        `envconfig:"MODE" default:"dev"`
	LogFormat       string        `envconfig:"LOG_FORMAT"`
	LogLevel        string        `envconfig:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	AuthMode  string `envconfig:"AUTH_MODE" default:"none"`
	APIKey    string `envconfig:"API_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`

	SignalingWSIdleTimeout        time.Duration `envconfig:"SIGNALING_WS_IDLE_TIMEOUT" default:"60s"`
	SignalingWSPingInterval       time.Duration `envconfig:"SIGNALING_WS_PING_INTERVAL" default:"20s"`
	MaxSignalingMessageBytes      int64         `envconfig:"MAX_SIGNALING_MESSAGE_BYTES" default:"65536"`
	MaxSignalingMessagesPerSecond int           `envconfig:"MAX_SIGNALING_MESSAGES_PER_SECOND" default:"50"`
	SignalingSendQueue            int           `envconfig:"SIGNALING_SEND_QUEUE" default:"256"`
	StatsLogInterval              time.Duration `envconfig:"STATS_LOG_INTERVAL" default:"5m"`

	ICEServersJSON string `envconfig:"ICE_SERVERS_JSON"`
	STUNURLs       string `envconfig:"STUN_URLS"`
	TURNURLs       string `envconfig:"TURN_URLS"`
	TURNUsername   string `envconfig:"TURN_USERNAME"`
	TURNCredential string `envconfig:"TURN_CREDENTIAL"`

	TURNRESTSharedSecret   string        `envconfig:"TURN_REST_SHARED_SECRET"`
	TURNRESTTTL            time.Duration `envconfig:"TURN_REST_TTL" default:"1h"`
	TURNRESTUsernamePrefix string        `envconfig:"TURN_REST_USERNAME_PREFIX" default:"aero"`
}

// Load reads configuration from the environment and then applies command-line
// flag overrides from args.
func Load(args []string) (Config, error) {
	var env envSpec
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return load(env, args)
}

func load(env envSpec, args []string) (Config, error) {
	fs := flag.NewFlagSet("aero-webrtc-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		allowedOriginsStr = env.AllowedOrigins
		modeStr           = env.Mode
		logFormatStr      = env.LogFormat
		logLevelStr       = env.LogLevel
		authModeStr       = env.AuthMode
	)

	fs.StringVar(&env.ListenAddr, "listen-addr", env.ListenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&env.PublicBaseURL, "public-base-url", env.PublicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env ALLOWED_ORIGINS)")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (default depends on --mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (default depends on --mode)")
	fs.DurationVar(&env.ShutdownTimeout, "shutdown-timeout", env.ShutdownTimeout, "Grace period for draining signaling connections on shutdown")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling access control: none, api_key, or jwt (env AUTH_MODE)")
	fs.DurationVar(&env.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", env.SignalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration")
	fs.DurationVar(&env.SignalingWSPingInterval, "signaling-ws-ping-interval", env.SignalingWSPingInterval, "Ping interval for signaling WebSocket connections (must be < --signaling-ws-idle-timeout)")
	fs.Int64Var(&env.MaxSignalingMessageBytes, "max-signaling-message-bytes", env.MaxSignalingMessageBytes, "Max inbound signaling message size in bytes")
	fs.IntVar(&env.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", env.MaxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (0 = unlimited)")
	fs.IntVar(&env.SignalingSendQueue, "signaling-send-queue", env.SignalingSendQueue, "Outbound message queue depth per connection")
	fs.DurationVar(&env.StatsLogInterval, "stats-log-interval", env.StatsLogInterval, "Interval for the periodic presence summary log (0 = disabled)")

	fs.StringVar(&env.ICEServersJSON, "ice-servers-json", env.ICEServersJSON, "ICE server JSON config (env ICE_SERVERS_JSON)")
	fs.StringVar(&env.STUNURLs, "stun-urls", env.STUNURLs, "Comma-separated STUN URLs (env STUN_URLS)")
	fs.StringVar(&env.TURNURLs, "turn-urls", env.TURNURLs, "Comma-separated TURN URLs (env TURN_URLS)")
	fs.StringVar(&env.TURNUsername, "turn-username", env.TURNUsername, "TURN username (env TURN_USERNAME)")
	fs.StringVar(&env.TURNCredential, "turn-credential", env.TURNCredential, "TURN credential (env TURN_CREDENTIAL)")
	fs.StringVar(&env.TURNRESTSharedSecret, "turn-rest-shared-secret", env.TURNRESTSharedSecret, "TURN REST shared secret (env TURN_REST_SHARED_SECRET)")
	fs.DurationVar(&env.TURNRESTTTL, "turn-rest-ttl", env.TURNRESTTTL, "TURN REST credential lifetime")
	fs.StringVar(&env.TURNRESTUsernamePrefix, "turn-rest-username-prefix", env.TURNRESTUsernamePrefix, "TURN REST username prefix")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ALLOWED_ORIGINS/--allowed-origins: %w", err)
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      strings.TrimSpace(env.ListenAddr),
		PublicBaseURL:   strings.TrimSpace(env.PublicBaseURL),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: env.ShutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    env.APIKey,
		JWTSecret: env.JWTSecret,

		SignalingWSIdleTimeout:        env.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       env.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      env.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: env.MaxSignalingMessagesPerSecond,
		SignalingSendQueue:            env.SignalingSendQueue,
		StatsLogInterval:              env.StatsLogInterval,

		TURNREST: TurnRESTConfig{
			SharedSecret:   env.TURNRESTSharedSecret,
			TTL:            env.TURNRESTTTL,
			UsernamePrefix: strings.TrimSpace(env.TURNRESTUsernamePrefix),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(
		env.ICEServersJSON,
		env.STUNURLs,
		env.TURNURLs,
		env.TURNUsername,
		env.TURNCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
		cfg.ICEServers = []webrtc.ICEServer{}
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be > 0 (got %s)", c.ShutdownTimeout)
	}
	if c.SignalingWSIdleTimeout <= 0 {
		return fmt.Errorf("SIGNALING_WS_IDLE_TIMEOUT must be > 0 (got %s)", c.SignalingWSIdleTimeout)
	}
	if c.SignalingWSPingInterval <= 0 || c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("SIGNALING_WS_PING_INTERVAL must be > 0 and < SIGNALING_WS_IDLE_TIMEOUT (got %s, idle timeout %s)", c.SignalingWSPingInterval, c.SignalingWSIdleTimeout)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("MAX_SIGNALING_MESSAGE_BYTES must be > 0 (got %d)", c.MaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond < 0 {
		return fmt.Errorf("MAX_SIGNALING_MESSAGES_PER_SECOND must be >= 0 (got %d)", c.MaxSignalingMessagesPerSecond)
	}
	if c.SignalingSendQueue <= 0 {
		return fmt.Errorf("SIGNALING_SEND_QUEUE must be > 0 (got %d)", c.SignalingSendQueue)
	}
	if c.StatsLogInterval < 0 {
		return fmt.Errorf("STATS_LOG_INTERVAL must be >= 0 (got %s)", c.StatsLogInterval)
	}

	switch c.AuthMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(c.APIKey) == "" {
			return errors.New("API_KEY is required when AUTH_MODE=api_key")
		}
	case AuthModeJWT:
		if strings.TrimSpace(c.JWTSecret) == "" {
			return errors.New("JWT_SECRET is required when AUTH_MODE=jwt")
		}
	}

	if c.TURNREST.Enabled() {
		if c.TURNREST.TTL < time.Second {
			return fmt.Errorf("TURN_REST_TTL must be >= 1s (got %s)", c.TURNREST.TTL)
		}
		if c.TURNREST.UsernamePrefix == "" || strings.Contains(c.TURNREST.UsernamePrefix, ":") {
			return fmt.Errorf("TURN_REST_USERNAME_PREFIX must be non-empty and must not contain ':' (got %q)", c.TURNREST.UsernamePrefix)
		}
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone), "":
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid AUTH_MODE %q (expected %s, %s, or %s)", raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
