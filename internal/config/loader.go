package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfDir is the configuration directory used when neither a flag
// nor HOSTAGENT_CONF_DIR names one.
const DefaultConfDir = "/etc/hostagent"

// ConfName is the base name of the agent configuration file.
const ConfName = "agent"

// ConfDir returns flagValue, else HOSTAGENT_CONF_DIR, else DefaultConfDir.
func ConfDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("HOSTAGENT_CONF_DIR"); v != "" {
		return v
	}
	return DefaultConfDir
}

// Candidates returns the host specific file names checked in order:
// agent-<hostname>.conf, agent-<shorthostname>.conf, agent.conf.
func Candidates(confDir, hostname string) []string {
	var out []string
	if hostname != "" {
		out = append(out, filepath.Join(confDir, ConfName+"-"+hostname+".conf"))
		if short, _, ok := strings.Cut(hostname, "."); ok && short != "" {
			out = append(out, filepath.Join(confDir, ConfName+"-"+short+".conf"))
		}
	}
	return append(out, filepath.Join(confDir, ConfName+".conf"))
}

// Load returns a Config using the hierarchy: defaults < first existing
// candidate file < ENV. No file at all is not an error.
func Load(confDir string) (*Config, error) {
	hostname, _ := os.Hostname()
	return LoadFrom(confDir, Candidates(confDir, hostname))
}

// LoadFrom loads the first existing file of candidates over the defaults.
func LoadFrom(confDir string, candidates []string) (*Config, error) {
	cfg := Defaults()
	cfg.Paths.ConfDir = confDir

	for _, path := range candidates {
		found, err := loadYAML(&cfg, path)
		if err != nil {
			return nil, fmt.Errorf("config yaml: %w", err)
		}
		if found {
			break
		}
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg. A missing file
// reports found=false.
func loadYAML(cfg *Config, path string) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the conf dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}

	return true, nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Agent.Hostname, "HOSTAGENT_HOSTNAME")
	setString(&cfg.Agent.DisplayName, "HOSTAGENT_DISPLAY_NAME")
	setBool(&cfg.Agent.Enabled, "HOSTAGENT_ENABLED")
	setDuration(&cfg.Agent.Heartbeat, "HOSTAGENT_HEARTBEAT")
	setDuration(&cfg.Agent.IntentTick, "HOSTAGENT_INTENT_TICK")
	setDuration(&cfg.Agent.DiskPoll, "HOSTAGENT_DISK_POLL")
	setInt(&cfg.HTTP.Port, "HOSTAGENT_HTTP_PORT")
	setString(&cfg.HTTP.CORSOrigin, "HOSTAGENT_CORS_ORIGIN")
	setInt(&cfg.UDP.Port, "HOSTAGENT_UDP_PORT")
	setString(&cfg.Link.URL, "HOSTAGENT_LINK_URL")
	setDuration(&cfg.Link.DiscoveryInterval, "HOSTAGENT_LINK_DISCOVERY_INTERVAL")
	setDuration(&cfg.Link.ReconnectDelay, "HOSTAGENT_LINK_RECONNECT_DELAY")
	setInt(&cfg.Tasks.MaxRunning, "HOSTAGENT_MAX_RUNNING_TASKS")
	setString(&cfg.Paths.DataDir, "HOSTAGENT_DATA_DIR")
	setString(&cfg.Paths.BinDir, "HOSTAGENT_BIN_DIR")
	setString(&cfg.Tools.Player, "HOSTAGENT_PLAYER")
	setString(&cfg.Tools.DisplayScript, "HOSTAGENT_DISPLAY_SCRIPT")
	setString(&cfg.Tools.BrowserFinder, "HOSTAGENT_BROWSER_FINDER")
	setInt(&cfg.Cache.MemoryMB, "HOSTAGENT_CACHE_MEMORY_MB")
	setString(&cfg.Logging.Level, "HOSTAGENT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HOSTAGENT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "HOSTAGENT_LOG_ASYNC")
	setBool(&cfg.Logging.Console, "HOSTAGENT_CONSOLE_LOG")
	setString(&cfg.Logging.File, "HOSTAGENT_LOG_FILE")
	setInt(&cfg.Breaker.MaxFailures, "HOSTAGENT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "HOSTAGENT_BREAKER_TIMEOUT")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.OTLPEndpoint, "HOSTAGENT_OTLP_ENDPOINT")
}

// validate checks ranges and required fields.
func validate(cfg *Config) error {
	if err := validPort(cfg.HTTP.Port, "http.port"); err != nil {
		return err
	}
	if err := validPort(cfg.UDP.Port, "udp.port"); err != nil {
		return err
	}
	if cfg.Agent.Heartbeat <= 0 {
		return errors.New("agent.heartbeat must be > 0")
	}
	if cfg.Agent.IntentTick <= 0 {
		return errors.New("agent.intent_tick must be > 0")
	}
	if cfg.Tasks.MaxRunning < 1 {
		return errors.New("tasks.max_running must be >= 1")
	}
	if cfg.Paths.DataDir == "" {
		return errors.New("paths.data_dir is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if len(cfg.Agent.DisplayName) > 128 {
		return errors.New("agent.display_name must be at most 128 characters")
	}
	return nil
}

func validPort(p int, key string) error {
	if p < 0 || p > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535", key)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
