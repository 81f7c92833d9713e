package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rtsp-remote/go-rtsp-remote/notify"
	flag "github.com/spf13/pflag"
)

const defaultConfigPath = "rtsp-browse.yml"

type Config struct {
	ConfigPath string `koanf:"config_path"`

	LogLevel         string        `koanf:"log_level"`
	DiscoveryBackend string        `koanf:"discovery_backend"`
	ApiAddress       string        `koanf:"api_address"`
	ApiPort          int           `koanf:"api_port"`
	AllowOrigin      string        `koanf:"allow_origin"`
	NotifyProtocol   string        `koanf:"notify_protocol"`
	NotifyTimeout    time.Duration `koanf:"notify_timeout"`
	RefreshInterval  time.Duration `koanf:"refresh_interval"`
}

func (c *Config) validate() error {
	if c.ApiPort < 0 || c.ApiPort > 65535 {
		return fmt.Errorf("invalid api port: %d", c.ApiPort)
	} else if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	} else if len(c.NotifyProtocol) == 0 {
		return errors.New("notify protocol must not be empty")
	}

	return nil
}

func loadConfig(args []string) (*Config, error) {
	f := flag.NewFlagSet("rtsp-browse", flag.ContinueOnError)
	f.String("config_path", defaultConfigPath, "the configuration file, ignored if missing")
	f.String("log_level", "info", "the log level")
	f.String("discovery_backend", "avahi", "the discovery backend (avahi or builtin)")
	f.String("api_address", "localhost", "the address the api server listens on")
	f.Int("api_port", 3680, "the port the api server listens on, 0 disables it")
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	// load default configuration
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"log_level":         "info",
		"discovery_backend": "avahi",
		"api_address":       "localhost",
		"api_port":          3680,
		"notify_protocol":   notify.DefaultProtocol,
		"notify_timeout":    "5s",
		"refresh_interval":  "1s",
	}, "."), nil)

	// load file configuration, if available
	configPath, _ := f.GetString("config_path")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed reading configuration file %s: %w", configPath, err)
		}
	}

	// load command line configuration
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed loading command line configuration: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	cfg.ConfigPath = configPath
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
