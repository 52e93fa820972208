package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config represents the server configuration. It can be read from a YAML
// file; flags given on the command line override the file.
type Config struct {
	Addr  string `yaml:"addr"`
	Path  string `yaml:"path"`
	Store string `yaml:"store"`
	DSN   string `yaml:"dsn"`
	Debug bool   `yaml:"debug"`
	Quiet bool   `yaml:"quiet"`
}

// Flags represents the command-line flags that are passed to pairdoc's server.
type Flags struct {
	ConfigFile string
	Values     Config
	set        map[string]bool
}

func defaultConfig() Config {
	return Config{
		Addr:  ":8080",
		Path:  "/",
		Store: "memory",
		DSN:   "pairdoc.db",
	}
}

// parseFlags parses command-line flags.
func parseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("pairdoc-server", flag.ContinueOnError)

	def := defaultConfig()
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	addr := fs.String("addr", def.Addr, "Server's network address")
	path := fs.String("path", def.Path, "Path the websocket endpoint is served on")
	store := fs.String("store", def.Store, "Log store backend: memory or sqlite")
	dsn := fs.String("dsn", def.DSN, "SQLite database file, used with -store sqlite")
	debug := fs.Bool("debug", false, "Enable debugging mode to show more verbose logs")
	quiet := fs.Bool("quiet", false, "Do not echo traffic to stdout")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	return Flags{
		ConfigFile: *configPath,
		Values: Config{
			Addr:  *addr,
			Path:  *path,
			Store: *store,
			DSN:   *dsn,
			Debug: *debug,
			Quiet: *quiet,
		},
		set: set,
	}, nil
}

// loadConfig reads a YAML configuration file on top of the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// resolve merges the configuration file, if any, with the flags that were set
// explicitly.
func (f Flags) resolve() (Config, error) {
	if f.ConfigFile == "" {
		return f.Values, nil
	}

	cfg, err := loadConfig(f.ConfigFile)
	if err != nil {
		return cfg, err
	}
	if f.set["addr"] {
		cfg.Addr = f.Values.Addr
	}
	if f.set["path"] {
		cfg.Path = f.Values.Path
	}
	if f.set["store"] {
		cfg.Store = f.Values.Store
	}
	if f.set["dsn"] {
		cfg.DSN = f.Values.DSN
	}
	if f.set["debug"] {
		cfg.Debug = f.Values.Debug
	}
	if f.set["quiet"] {
		cfg.Quiet = f.Values.Quiet
	}
	return cfg, nil
}
