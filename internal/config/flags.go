package config

import (
	"github.com/spf13/pflag"
)

// CLIFlags holds command line overrides. Nil means the flag was not given.
type CLIFlags struct {
	ConfDir  *string
	DataDir  *string
	BinDir   *string
	LogLevel *string
	LinkURL  *string
}

// ParseFlags parses the daemon's command line.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := pflag.NewFlagSet("hostagent", pflag.ContinueOnError)
	confDir := fs.StringP("conf-dir", "c", "", "configuration directory (agent.conf, servers.yaml)")
	dataDir := fs.StringP("data-dir", "d", "", "state and cache directory")
	binDir := fs.String("bin-dir", "", "helper program directory")
	logLevel := fs.StringP("log-level", "l", "", "log level: debug, info, warn, error")
	linkURL := fs.String("link-url", "", "coordinator URL (ws, wss or nats); empty enables discovery")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}

	var out CLIFlags
	if fs.Changed("conf-dir") {
		out.ConfDir = confDir
	}
	if fs.Changed("data-dir") {
		out.DataDir = dataDir
	}
	if fs.Changed("bin-dir") {
		out.BinDir = binDir
	}
	if fs.Changed("log-level") {
		out.LogLevel = logLevel
	}
	if fs.Changed("link-url") {
		out.LinkURL = linkURL
	}
	return out, nil
}

// LoadWithCLI loads the configuration from the conf dir chosen by flags and
// applies the flags last.
func LoadWithCLI(flags CLIFlags) (*Config, error) {
	dir := ""
	if flags.ConfDir != nil {
		dir = *flags.ConfDir
	}
	cfg, err := Load(ConfDir(dir))
	if err != nil {
		return nil, err
	}
	applyCLI(cfg, flags)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.DataDir != nil {
		cfg.Paths.DataDir = *flags.DataDir
	}
	if flags.BinDir != nil {
		cfg.Paths.BinDir = *flags.BinDir
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.LinkURL != nil {
		cfg.Link.URL = *flags.LinkURL
	}
}
