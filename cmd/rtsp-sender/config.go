package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	flag "github.com/spf13/pflag"
)

const defaultConfigPath = "rtsp-sender.yml"

type StreamConfig struct {
	Path             string `koanf:"path"`
	Pipeline         string `koanf:"pipeline"`
	Publish          string `koanf:"publish"`
	IdleWhenInactive bool   `koanf:"idle_when_inactive"`
}

type Config struct {
	ConfigPath string `koanf:"config_path"`

	LogLevel         string         `koanf:"log_level"`
	Port             int            `koanf:"port"`
	DiscoveryBackend string         `koanf:"discovery_backend"`
	LockFile         string         `koanf:"lock_file"`
	Streams          []StreamConfig `koanf:"streams"`
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	} else if len(c.Streams) == 0 {
		return errors.New("no streams configured")
	}

	for i, stream := range c.Streams {
		if len(stream.Path) == 0 {
			return fmt.Errorf("stream %d has no path", i)
		} else if len(stream.Pipeline) == 0 {
			return fmt.Errorf("stream %s has no pipeline", stream.Path)
		}
	}

	return nil
}

func loadConfig(args []string) (*Config, error) {
	f := flag.NewFlagSet("rtsp-sender", flag.ContinueOnError)
	f.String("config_path", defaultConfigPath, "the configuration file")
	f.IntP("port", "p", rtspremote.DefaultSenderPort, "the port to listen on")
	f.String("log_level", "info", "the log level")
	f.String("discovery_backend", "avahi", "the discovery backend (avahi or builtin)")
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	// load default configuration
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"log_level":         "info",
		"port":              rtspremote.DefaultSenderPort,
		"discovery_backend": "avahi",
		"lock_file":         filepath.Join(os.TempDir(), "rtsp-sender.lock"),
	}, "."), nil)

	// load file configuration
	configPath, _ := f.GetString("config_path")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed reading configuration file %s: %w", configPath, err)
	}

	// load command line configuration, explicitly set flags win over the file
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
