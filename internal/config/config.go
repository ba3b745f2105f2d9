package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAppName          = "KWPass"
	defaultAppEnv           = "development"
	defaultPort             = "8787"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultRole             = RolePhone
	defaultStoreDriver      = "sqlite"
	defaultRemoteBaseURL    = "https://mobileid.kw.ac.kr/"
	defaultRemoteTimeout    = 30 * time.Second
	defaultIdentifierPrefix = "0"
	defaultPeerTransport    = "none"
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultPairingID        = "default"
	defaultPeerTimeout      = 3 * time.Second
	defaultRefreshInterval  = 30 * time.Second
	defaultPhoneMargin      = 2
	defaultWatchMargin      = 0
	defaultPixelSize        = 8
	defaultVerifyPerMinute  = 5
	defaultShutdownDelay    = 10 * time.Second
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
	configFileEnvVar        = "KWPASS_CONFIG"
)

// Device roles.
const (
	RolePhone = "phone"
	RoleWatch = "watch"
)

// Config captures runtime configuration loaded from the environment, optionally
// seeded from a YAML file.
type Config struct {
	AppName                 string
	AppEnv                  string
	Port                    string
	LogLevel                string
	LogFormat               string
	Role                    string
	DataDir                 string
	StoreDriver             string
	SQLitePath              string
	RedisURL                string
	DatabaseURL             string
	RemoteBaseURL           string
	RemoteTimeout           time.Duration
	IdentifierPrefix        string
	PeerTransport           string
	NATSURL                 string
	PairingID               string
	PeerRequestTimeout      time.Duration
	RefreshInterval         time.Duration
	QRMargin                int
	QRPixelSize             int
	VerifyAttemptsPerMinute int
	ShutdownPeriod          time.Duration
}

// Load reads configuration values. Keys in the file named by KWPASS_CONFIG are
// the lower-cased environment variable names; the environment wins.
func Load() (Config, error) {
	file, err := readFile(os.Getenv(configFileEnvVar))
	if err != nil {
		return Config{}, err
	}
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v := file[strings.ToLower(key)]; v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		AppName:          get("APP_NAME", defaultAppName),
		AppEnv:           get("APP_ENV", defaultAppEnv),
		Port:             get("PORT", defaultPort),
		LogLevel:         strings.ToLower(get("LOG_LEVEL", defaultLogLevel)),
		LogFormat:        strings.ToLower(get("LOG_FORMAT", defaultLogFormat)),
		Role:             strings.ToLower(get("KWPASS_ROLE", defaultRole)),
		StoreDriver:      strings.ToLower(get("STORE_DRIVER", defaultStoreDriver)),
		RedisURL:         get("REDIS_URL", ""),
		DatabaseURL:      get("DATABASE_URL", ""),
		RemoteBaseURL:    get("REMOTE_BASE_URL", defaultRemoteBaseURL),
		IdentifierPrefix: get("IDENTIFIER_PREFIX", defaultIdentifierPrefix),
		PeerTransport:    strings.ToLower(get("PEER_TRANSPORT", defaultPeerTransport)),
		NATSURL:          get("NATS_URL", defaultNATSURL),
		PairingID:        get("PAIRING_ID", defaultPairingID),
		ShutdownPeriod:   defaultShutdownDelay,
	}

	home, _ := os.UserHomeDir()
	cfg.DataDir = get("KWPASS_DATA_DIR", filepath.Join(home, ".kwpass"))
	cfg.SQLitePath = get("SQLITE_PATH", filepath.Join(cfg.DataDir, "kwpass.db"))

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"REMOTE_TIMEOUT", defaultRemoteTimeout, &cfg.RemoteTimeout},
		{"PEER_REQUEST_TIMEOUT", defaultPeerTimeout, &cfg.PeerRequestTimeout},
		{"REFRESH_INTERVAL", defaultRefreshInterval, &cfg.RefreshInterval},
	}
	for _, d := range durations {
		*d.dst = d.fallback
		if v := get(d.key, ""); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	margin := defaultPhoneMargin
	if cfg.Role == RoleWatch {
		margin = defaultWatchMargin
	}
	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"QR_MARGIN", margin, &cfg.QRMargin},
		{"QR_PIXEL_SIZE", defaultPixelSize, &cfg.QRPixelSize},
		{"VERIFY_ATTEMPTS_PER_MINUTE", defaultVerifyPerMinute, &cfg.VerifyAttemptsPerMinute},
	}
	for _, n := range ints {
		*n.dst = n.fallback
		if v := get(n.key, ""); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", n.key, err)
			}
			*n.dst = parsed
		}
	}

	if v := get(shutdownSecondsEnvVar, ""); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := get(shutdownDurationEnvVar, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Role {
	case RolePhone, RoleWatch:
	default:
		return fmt.Errorf("KWPASS_ROLE must be %q or %q, got %q", RolePhone, RoleWatch, c.Role)
	}

	switch c.StoreDriver {
	case "memory", "sqlite":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when STORE_DRIVER=redis")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.PeerTransport {
	case "none", "nats":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when PEER_TRANSPORT=redis")
		}
	default:
		return fmt.Errorf("unknown PEER_TRANSPORT %q", c.PeerTransport)
	}

	if c.QRMargin < 0 || c.QRPixelSize <= 0 {
		return fmt.Errorf("QR_MARGIN must be >= 0 and QR_PIXEL_SIZE > 0")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive")
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsWatch reports whether this process runs the wearable role.
func (c Config) IsWatch() bool { return c.Role == RoleWatch }

// KeyPath is where the device key lives.
func (c Config) KeyPath() string { return filepath.Join(c.DataDir, "device.key") }

func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return values, nil
}
