// Package config provides hierarchical configuration loading for the host
// agent. Precedence: defaults < agent conf file < environment variables <
// command line flags.
package config

import "time"

// Config holds all runtime configuration for the agent daemon.
type Config struct {
	Agent     Agent     `yaml:"agent"`
	HTTP      HTTP      `yaml:"http"`
	UDP       UDP       `yaml:"udp"`
	Link      Link      `yaml:"link"`
	Tasks     Tasks     `yaml:"tasks"`
	Paths     Paths     `yaml:"paths"`
	Tools     Tools     `yaml:"tools"`
	Cache     Cache     `yaml:"cache"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Agent holds identity defaults and loop intervals.
type Agent struct {
	Hostname    string        `yaml:"hostname"`     // URL hostname override (default: os.Hostname)
	DisplayName string        `yaml:"display_name"` // Initial display name when no state file exists
	Enabled     bool          `yaml:"enabled"`      // Initial enabled flag when no state file exists
	Heartbeat   time.Duration `yaml:"heartbeat"`    // Task scheduling pass interval
	IntentTick  time.Duration `yaml:"intent_tick"`  // Intent engine tick interval
	DiskPoll    time.Duration `yaml:"disk_poll"`    // Free-space poll of the data dir
}

// HTTP holds the command transport listener configuration.
type HTTP struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// UDP holds the datagram transport configuration.
type UDP struct {
	Port int `yaml:"port"`
}

// Link holds the coordinator connection configuration. An empty URL turns
// on broadcast discovery.
type Link struct {
	URL               string        `yaml:"url"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// Tasks holds background job limits.
type Tasks struct {
	MaxRunning int `yaml:"max_running"`
}

// Paths holds the agent directories.
type Paths struct {
	ConfDir string `yaml:"conf_dir"`
	DataDir string `yaml:"data_dir"`
	BinDir  string `yaml:"bin_dir"`
}

// Tools holds external helper programs handed to the domain servers that
// run them. Empty means the server's own default under the bin dir.
type Tools struct {
	Player        string `yaml:"player"`
	DisplayScript string `yaml:"display_script"`
	BrowserFinder string `yaml:"browser_finder"`
}

// Cache holds defaults for the cache server.
type Cache struct {
	MemoryMB int `yaml:"memory_mb"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
	Console bool   `yaml:"console"` // Text output when stdout is a terminal
	File    string `yaml:"file"`    // Rotated log file; relative paths are under the data dir
}

// Breaker holds circuit breaker configuration for outbound pushes and link
// dials.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Telemetry holds the optional OTLP exporter endpoint.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Defaults returns a Config with the values used when nothing overrides
// them.
func Defaults() Config {
	return Config{
		Agent: Agent{
			Enabled:    true,
			Heartbeat:  time.Second,
			IntentTick: 250 * time.Millisecond,
			DiskPoll:   time.Minute,
		},
		HTTP: HTTP{
			Port:       8580,
			CORSOrigin: "*",
		},
		UDP: UDP{
			Port: 8581,
		},
		Link: Link{
			DiscoveryInterval: 30 * time.Second,
			ReconnectDelay:    5 * time.Second,
		},
		Tasks: Tasks{
			MaxRunning: 4,
		},
		Paths: Paths{
			ConfDir: DefaultConfDir,
			DataDir: "/var/lib/hostagent",
			BinDir:  "/usr/lib/hostagent/bin",
		},
		Cache: Cache{
			MemoryMB: 64,
		},
		Logging: Logging{
			Level:   "info",
			Service: "hostagent",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
	}
}
