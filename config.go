package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "funderd.conf"
	defaultDataDirname    = "data"
	defaultKeyFilename    = "identity.key"
	defaultLogLevel       = "info"
	defaultListenAddr     = "localhost:9580"
	defaultCtlAddr        = "localhost:9581"
	defaultKeepaliveTicks = 16
	defaultTickInterval   = time.Second
)

var (
	funderdHomeDir    = appDataDir("funderd")
	defaultConfigFile = filepath.Join(funderdHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(funderdHomeDir, defaultDataDirname)
)

// config defines the configuration options for funderd.
//
// See loadConfig for further details regarding the configuration loading
// process.
type config struct {
	ConfigFile string `long:"C" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store funderd's data within"`

	ListenAddr string `long:"listen" description:"Address to listen on for friend connections"`
	CtlAddr    string `long:"ctladdr" description:"Address to listen on for fundercli connections"`

	KeepaliveTicks int           `long:"keepaliveticks" description:"Ticks of silence before a channel is considered dead; a keepalive is sent after half as many"`
	TickInterval   time.Duration `long:"tickinterval" description:"Duration of one timer tick"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// loadConfig initializes and parses the config using a config file and
// command line options.
func loadConfig() (*config, error) {
	defaultCfg := config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		ListenAddr:     defaultListenAddr,
		CtlAddr:        defaultCtlAddr,
		KeepaliveTicks: defaultKeepaliveTicks,
		TickInterval:   defaultTickInterval,
		DebugLevel:     defaultLogLevel,
	}

	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := defaultCfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	cfg := defaultCfg
	if err := flags.IniParse(preCfg.ConfigFile, &cfg); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.KeepaliveTicks < 2 {
		return nil, fmt.Errorf("keepaliveticks must be at least 2")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tickinterval must be positive")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// appDataDir returns an operating system specific directory to be used for
// storing application data.
func appDataDir(appName string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, "."+appName)
}

// keyFilePath returns the path of the identity key file within the data
// directory.
func keyFilePath(cfg *config) string {
	return filepath.Join(cfg.DataDir, defaultKeyFilename)
}
