package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"unigate/cmd/internal/call"
	"unigate/cmd/internal/chat"
	"unigate/cmd/internal/realtime"
	"unigate/cmd/internal/storage"

	"gopkg.in/yaml.v3"
)

// Log formats.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// Config is the runtime configuration. Precedence: environment, then .env, then the
// YAML file, then defaults.
type Config struct {
	APIBaseURL  string
	APITimeout  time.Duration
	RealtimeURL string

	LogLevel  string
	LogFormat string

	StorageBackend string
	PebblePath     string
	DatabaseURL    string
	DBSchema       string
	DBMaxConns     int32

	PollInterval  time.Duration
	TypingTimeout time.Duration

	CallLinkPrefix string
	CallLinkExpiry time.Duration
	RingTimeout    time.Duration

	Realtime realtime.Config

	// NotifyWebhookURL switches notifications from the log to an HTTP webhook.
	NotifyWebhookURL string

	// MetricsAddr enables the /healthz, /readyz and /metrics listener.
	MetricsAddr       string
	ReadHeaderTimeout time.Duration
}

// FileConfig is the YAML configuration file.
type FileConfig struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Realtime struct {
		URL               string        `yaml:"url"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		SendQueueSize     int           `yaml:"send_queue_size"`
		EmitRate          float64       `yaml:"emit_rate"`
		EmitBurst         int           `yaml:"emit_burst"`
	} `yaml:"realtime"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Storage struct {
		Backend     string `yaml:"backend"`
		PebblePath  string `yaml:"pebble_path"`
		DatabaseURL string `yaml:"database_url"`
		Schema      string `yaml:"schema"`
		MaxConns    int32  `yaml:"max_conns"`
	} `yaml:"storage"`
	Chat struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		TypingTimeout time.Duration `yaml:"typing_timeout"`
	} `yaml:"chat"`
	Call struct {
		LinkPrefix  string        `yaml:"link_prefix"`
		LinkExpiry  time.Duration `yaml:"link_expiry"`
		RingTimeout time.Duration `yaml:"ring_timeout"`
	} `yaml:"call"`
	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:        "https://test.unigate.com.ng/api",
		APITimeout:        15 * time.Second,
		RealtimeURL:       "wss://test.unigate.com.ng/ws",
		LogLevel:          "info",
		LogFormat:         LogFormatJSON,
		StorageBackend:    storage.BackendPebble,
		PebblePath:        defaultPebblePath(),
		DBSchema:          "unigate",
		DBMaxConns:        4,
		PollInterval:      chat.DefaultPollInterval,
		TypingTimeout:     chat.DefaultTypingTimeout,
		CallLinkPrefix:    call.DefaultLinkPrefix,
		CallLinkExpiry:    call.DefaultExpiry,
		Realtime:          realtime.DefaultConfig(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func defaultPebblePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".unigate"
	}
	return dir + string(os.PathSeparator) + "unigate"
}

// LoadConfig loads .env from the working directory, then the YAML file at path (or
// UNIGATE_CONFIG when path is empty), then the environment.
func LoadConfig(path string) (Config, error) {
	dotenv, err := readDotEnv(".env")
	if err != nil {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return loadConfig(env{dotenv: dotenv}, path)
}

func loadConfig(e env, path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = e.lookup("CONFIG")
	}
	if path != "" {
		fc, err := ReadFileConfig(path)
		if err != nil {
			return Config{}, err
		}
		fc.apply(&cfg)
	}

	cfg.applyEnv(e)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFileConfig decodes the YAML file at path. Unknown keys are rejected.
func ReadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fc, fmt.Errorf("config: %s does not exist", path)
		}
		return fc, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return fc, nil
}

func (fc FileConfig) apply(cfg *Config) {
	setString(&cfg.APIBaseURL, fc.API.BaseURL)
	setDuration(&cfg.APITimeout, fc.API.Timeout)
	setString(&cfg.RealtimeURL, fc.Realtime.URL)

	rt := &cfg.Realtime
	if fc.Realtime.ReconnectAttempts > 0 {
		rt.ReconnectAttempts = fc.Realtime.ReconnectAttempts
	}
	setDuration(&rt.ReconnectDelay, fc.Realtime.ReconnectDelay)
	setDuration(&rt.HeartbeatInterval, fc.Realtime.HeartbeatInterval)
	setDuration(&rt.HeartbeatTimeout, fc.Realtime.HeartbeatTimeout)
	if fc.Realtime.SendQueueSize > 0 {
		rt.SendQueueSize = fc.Realtime.SendQueueSize
	}
	if fc.Realtime.EmitRate > 0 {
		rt.EmitRate = fc.Realtime.EmitRate
	}
	if fc.Realtime.EmitBurst > 0 {
		rt.EmitBurst = fc.Realtime.EmitBurst
	}

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.StorageBackend, fc.Storage.Backend)
	setString(&cfg.PebblePath, fc.Storage.PebblePath)
	setString(&cfg.DatabaseURL, fc.Storage.DatabaseURL)
	setString(&cfg.DBSchema, fc.Storage.Schema)
	if fc.Storage.MaxConns > 0 {
		cfg.DBMaxConns = fc.Storage.MaxConns
	}

	setDuration(&cfg.PollInterval, fc.Chat.PollInterval)
	setDuration(&cfg.TypingTimeout, fc.Chat.TypingTimeout)

	setString(&cfg.CallLinkPrefix, fc.Call.LinkPrefix)
	setDuration(&cfg.CallLinkExpiry, fc.Call.LinkExpiry)
	setDuration(&cfg.RingTimeout, fc.Call.RingTimeout)

	setString(&cfg.NotifyWebhookURL, fc.Notify.WebhookURL)
	setString(&cfg.MetricsAddr, fc.Metrics.Addr)
}

func (cfg *Config) applyEnv(e env) {
	cfg.APIBaseURL = e.String("API_URL", cfg.APIBaseURL)
	cfg.APITimeout = e.Duration("API_TIMEOUT", cfg.APITimeout)
	cfg.RealtimeURL = e.String("REALTIME_URL", cfg.RealtimeURL)

	cfg.LogLevel = e.String("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(e.String("LOG_FORMAT", cfg.LogFormat))

	cfg.StorageBackend = strings.ToLower(e.String("STORAGE", cfg.StorageBackend))
	cfg.PebblePath = e.String("PEBBLE_PATH", cfg.PebblePath)
	cfg.DatabaseURL = e.String("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = e.String("DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = e.Int32("DB_MAX_CONNS", cfg.DBMaxConns)

	cfg.PollInterval = e.Duration("POLL_INTERVAL", cfg.PollInterval)
	cfg.TypingTimeout = e.Duration("TYPING_TIMEOUT", cfg.TypingTimeout)

	cfg.CallLinkPrefix = e.String("CALL_LINK_PREFIX", cfg.CallLinkPrefix)
	cfg.CallLinkExpiry = e.Duration("CALL_LINK_EXPIRY", cfg.CallLinkExpiry)
	cfg.RingTimeout = e.Duration("RING_TIMEOUT", cfg.RingTimeout)

	rt := &cfg.Realtime
	rt.ReconnectAttempts = e.Int("RECONNECT_ATTEMPTS", rt.ReconnectAttempts)
	rt.ReconnectDelay = e.Duration("RECONNECT_DELAY", rt.ReconnectDelay)
	rt.HeartbeatInterval = e.Duration("HEARTBEAT_INTERVAL", rt.HeartbeatInterval)
	rt.HeartbeatTimeout = e.Duration("HEARTBEAT_TIMEOUT", rt.HeartbeatTimeout)
	rt.SendQueueSize = e.Int("EMIT_QUEUE_SIZE", rt.SendQueueSize)
	rt.EmitRate = e.Float("EMIT_RATE", rt.EmitRate)
	rt.EmitBurst = e.Int("EMIT_BURST", rt.EmitBurst)

	cfg.NotifyWebhookURL = e.String("NOTIFY_WEBHOOK_URL", cfg.NotifyWebhookURL)
	cfg.MetricsAddr = e.String("METRICS_ADDR", cfg.MetricsAddr)
}

// Validate rejects configurations the components would refuse later.
func (cfg Config) Validate() error {
	var errs []error
	if err := checkURL(cfg.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api url: %w", err))
	}
	if err := checkURL(cfg.RealtimeURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("realtime url: %w", err))
	}
	switch cfg.LogFormat {
	case LogFormatJSON, LogFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("log format %q: want json or pretty", cfg.LogFormat))
	}
	switch cfg.StorageBackend {
	case storage.BackendMemory:
	case storage.BackendPebble:
		if strings.TrimSpace(cfg.PebblePath) == "" {
			errs = append(errs, errors.New("pebble storage needs a path"))
		}
	case storage.BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			errs = append(errs, errors.New("postgres storage needs a database url"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage backend %q: want memory, pebble or postgres", cfg.StorageBackend))
	}
	if cfg.NotifyWebhookURL != "" {
		if err := checkURL(cfg.NotifyWebhookURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("notify webhook url: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
