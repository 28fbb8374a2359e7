// Package config resolves cardsync settings. Later sources win:
//
//  1. built-in defaults, shaped by CARDSYNC_BACKEND_PROFILE
//  2. a YAML file named by CARDSYNC_CONFIG (or Loader.ConfigPath)
//  3. a .env file in the working directory
//  4. CARDSYNC_* environment variables
//
// Command-line flags are applied on top by cmd/cardsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LearnerID      string `yaml:"learner_id"`
	BackendProfile string `yaml:"backend_profile"`
	DataDir        string `yaml:"data_dir"`
	QueueDSN       string `yaml:"queue_dsn"`
	StateDSN       string `yaml:"state_dsn"`

	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type RemoteConfig struct {
	// URL of the HTTP store. Ignored when DSN is set.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// DSN applies actions straight to Postgres instead of over HTTP.
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	IntervalJitter float64       `yaml:"interval_jitter"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	Watch          bool          `yaml:"watch"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	StoreDSN        string        `yaml:"store_dsn"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Stdout      bool   `yaml:"stdout"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// Loader reads configuration. The zero value reads the process
// environment and ./.env.
type Loader struct {
	ConfigPath string
	EnvFile    string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Logger    Logger
	// BackendProfile and DataDir, when set, override every other source
	// before the profile's DSN defaults are resolved.
	BackendProfile string
	DataDir        string
}

// Load is Loader{}.Load.
func Load() (Config, error) {
	return Loader{}.Load()
}

func Defaults() Config {
	return Config{
		BackendProfile: "durable-local",
		DataDir:        ".cardsync",
		Remote: RemoteConfig{
			URL:     "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			Interval:      60 * time.Second,
			MaxAttempts:   5,
			ActionTimeout: 15 * time.Second,
			ProbeInterval: 30 * time.Second,
			Watch:         true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			StoreDSN:        "memory://",
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cardsync",
		},
	}
}

func (l Loader) Load() (Config, error) {
	env, err := l.environment()
	if err != nil {
		return Config{}, err
	}
	cfg := Defaults()

	path := strings.TrimSpace(l.ConfigPath)
	if path == "" {
		path = strings.TrimSpace(env.get("CARDSYNC_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	env.apply(&cfg, l.Logger)
	if v := strings.TrimSpace(l.BackendProfile); v != "" {
		cfg.BackendProfile = v
	}
	if v := strings.TrimSpace(l.DataDir); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.resolveProfile(env.get("CARDSYNC_POSTGRES_DSN")); err != nil {
		return Config{}, err
	}
	cfg.Sync.IntervalJitter = clampUnit(cfg.Sync.IntervalJitter)
	return cfg, nil
}

// resolveProfile fills queue and state DSNs left empty with the defaults of
// the backend profile.
func (c *Config) resolveProfile(postgresDSN string) error {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".cardsync"
	}
	var queueDSN, stateDSN string
	switch profile {
	case "", "durable-local", "local-durable":
		queueDSN = "file://" + filepath.Join(dataDir, "queue.json")
		stateDSN = "file://" + filepath.Join(dataDir, "states.json")
	case "sqlite":
		queueDSN = "sqlite://" + filepath.Join(dataDir, "cardsync.db")
		stateDSN = "sqlite://" + filepath.Join(dataDir, "cardsync.db")
	case "memory", "inmemory":
		queueDSN = "memory://"
		stateDSN = "memory://"
	case "production", "prod":
		postgresDSN = strings.TrimSpace(postgresDSN)
		if postgresDSN == "" && strings.TrimSpace(c.QueueDSN) == "" {
			return fmt.Errorf("config: CARDSYNC_POSTGRES_DSN is required when backend profile is %s", profile)
		}
		queueDSN = postgresDSN
		stateDSN = "sqlite://" + filepath.Join(dataDir, "states.db")
	case "custom":
		if strings.TrimSpace(c.QueueDSN) == "" || strings.TrimSpace(c.StateDSN) == "" {
			return errors.New("config: custom backend profile needs both queue_dsn and state_dsn")
		}
	default:
		return fmt.Errorf("config: unsupported backend profile %q", c.BackendProfile)
	}
	if strings.TrimSpace(c.QueueDSN) == "" {
		c.QueueDSN = queueDSN
	}
	if strings.TrimSpace(c.StateDSN) == "" {
		c.StateDSN = stateDSN
	}
	return nil
}

// QueueFile returns the path of a JSON file queue, or "" when the queue
// lives elsewhere.
func (c Config) QueueFile() string {
	dsn := strings.TrimSpace(c.QueueDSN)
	if strings.HasPrefix(dsn, "file://") {
		return strings.TrimPrefix(dsn, "file://")
	}
	if dsn != "" && !strings.Contains(dsn, "://") {
		return dsn
	}
	return ""
}

type environment struct {
	lookup func(string) (string, bool)
	dotenv map[string]string
}

func (l Loader) environment() (environment, error) {
	env := environment{lookup: l.LookupEnv, dotenv: map[string]string{}}
	if env.lookup == nil {
		env.lookup = os.LookupEnv
	}
	envFile := l.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	values, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		env.dotenv = values
	case errors.Is(err, os.ErrNotExist):
	default:
		return environment{}, fmt.Errorf("config: read %s: %w", envFile, err)
	}
	return env, nil
}

// get prefers the real environment over .env.
func (e environment) get(name string) string {
	if v, ok := e.lookup(name); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(e.dotenv[name])
}

func (e environment) apply(c *Config, logger Logger) {
	e.stringVar("CARDSYNC_LEARNER", &c.LearnerID)
	e.stringVar("CARDSYNC_BACKEND_PROFILE", &c.BackendProfile)
	e.stringVar("CARDSYNC_DATA_DIR", &c.DataDir)
	e.stringVar("CARDSYNC_QUEUE_DSN", &c.QueueDSN)
	e.stringVar("CARDSYNC_STATE_DSN", &c.StateDSN)

	e.stringVar("CARDSYNC_REMOTE_URL", &c.Remote.URL)
	e.stringVar("CARDSYNC_TOKEN", &c.Remote.Token)
	e.stringVar("CARDSYNC_REMOTE_DSN", &c.Remote.DSN)
	e.durationVar(logger, "CARDSYNC_REMOTE_TIMEOUT", &c.Remote.Timeout)

	e.durationVar(logger, "CARDSYNC_SYNC_INTERVAL", &c.Sync.Interval)
	e.floatVar(logger, "CARDSYNC_SYNC_INTERVAL_JITTER", &c.Sync.IntervalJitter)
	e.intVar(logger, "CARDSYNC_SYNC_MAX_ATTEMPTS", &c.Sync.MaxAttempts)
	e.durationVar(logger, "CARDSYNC_ACTION_TIMEOUT", &c.Sync.ActionTimeout)
	e.durationVar(logger, "CARDSYNC_PROBE_INTERVAL", &c.Sync.ProbeInterval)
	e.boolVar(logger, "CARDSYNC_WATCH", &c.Sync.Watch)

	e.stringVar("CARDSYNC_ADDR", &c.Server.Addr)
	e.stringVar("CARDSYNC_JWT_SECRET", &c.Server.JWTSecret)
	e.stringVar("CARDSYNC_SERVER_STORE_DSN", &c.Server.StoreDSN)
	e.intVar(logger, "CARDSYNC_RATE_LIMIT_MAX", &c.Server.RateLimitMax)
	e.durationVar(logger, "CARDSYNC_RATE_LIMIT_WINDOW", &c.Server.RateLimitWindow)
	e.int64Var(logger, "CARDSYNC_MAX_BODY_BYTES", &c.Server.MaxBodyBytes)

	e.stringVar("CARDSYNC_SERVICE_NAME", &c.Telemetry.ServiceName)
	e.boolVar(logger, "CARDSYNC_TRACE_STDOUT", &c.Telemetry.Stdout)
}

func (e environment) stringVar(name string, dst *string) {
	if v := e.get(name); v != "" {
		*dst = v
	}
}

func (e environment) durationVar(logger Logger, name string, dst *time.Duration) {
	raw := e.get(name)
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %s", name, raw, dst.String())
		return
	}
	*dst = value
}

func (e environment) intVar(logger Logger, name string, dst *int) {
	raw := e.get(name)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %d", name, raw, *dst)
		return
	}
	*dst = value
}

func (e environment) int64Var(logger Logger, name string, dst *int64) {
	raw := e.get(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %d", name, raw, *dst)
		return
	}
	*dst = value
}

func (e environment) floatVar(logger Logger, name string, dst *float64) {
	raw := e.get(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %f", name, raw, *dst)
		return
	}
	*dst = value
}

func (e environment) boolVar(logger Logger, name string, dst *bool) {
	raw := e.get(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %t", name, raw, *dst)
		return
	}
	*dst = value
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
