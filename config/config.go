package config

import (
	"github.com/jessevdk/go-flags"

	"github.com/pkt-cash/go-annmine/store"
)

const defaultMaxAnns = 1 << 20

// Config defines the options of an embedding miner.
type Config struct {
	ConfigFile string `short:"c" long:"configfile" description:"Path to configuration file"`

	MaxAnns uint32 `long:"maxanns" description:"Total announcement slot capacity to allocate"`
	BufSize int    `long:"bufsize" description:"Announcement slots per buffer"`

	LogFile  string `long:"logfile" description:"Write logs to this file in addition to stdout"`
	DebugLog bool   `long:"debuglog" description:"Enable debug logs"`
	JSONLog  bool   `long:"jsonlog" description:"Whether to log in JSON format"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	return &Config{
		MaxAnns: defaultMaxAnns,
		BufSize: store.DefaultBufSize,
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile loads additional values from the configured ini file, if
// any. Flag values already set are overridden by the file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
