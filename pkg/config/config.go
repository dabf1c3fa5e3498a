// Package config loads the yaml configuration consumed by the CLI:
// backend addresses, connection tuning and default generation
// parameters. The backend address is external configuration, consumed
// but not owned here.
package config

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Backend struct {
	// BaseURL is the HTTP base of the bridge, e.g. http://localhost:8000.
	BaseURL string `yaml:"base_url"`
	// WebsocketURL overrides the streaming endpoint; derived from
	// BaseURL when empty.
	WebsocketURL string `yaml:"websocket_url"`
}

type Connection struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`
}

type Config struct {
	Backend    Backend    `yaml:"backend"`
	Connection Connection `yaml:"connection"`
	Database   struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

func Default() Config {
	cfg := Config{}
	cfg.Backend.BaseURL = "http://localhost:8000"
	cfg.Connection.ConnectTimeoutSeconds = 5
	cfg.Connection.ReconnectDelaySeconds = 1
	cfg.Connection.IdleTimeoutSeconds = 60
	cfg.Database.Path = defaultDatabasePath()
	return cfg
}

// Load reads a yaml file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// StreamURL resolves the websocket streaming endpoint.
func (c Config) StreamURL() (string, error) {
	if c.Backend.WebsocketURL != "" {
		return c.Backend.WebsocketURL, nil
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse base url %s", c.Backend.BaseURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/chat/stream"
	return u.String(), nil
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Connection.ConnectTimeoutSeconds) * time.Second
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Connection.ReconnectDelaySeconds) * time.Second
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Connection.IdleTimeoutSeconds) * time.Second
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "marionette.db"
	}
	return home + "/.marionette/marionette.db"
}
