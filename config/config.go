package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Showdown struct {
		Host      string `yaml:"host"`      // websocket host, e.g. sim3.psim.us
		ActionURL string `yaml:"actionUrl"` // login endpoint
		RoomURL   string `yaml:"roomUrl"`   // base prepended to room ids
	} `yaml:"showdown"`

	Bots []struct {
		Name     string `yaml:"name"`
		Password string `yaml:"password"`
	} `yaml:"bots"`

	Database struct {
		URI string `yaml:"uri"`
	} `yaml:"database"`
}

// LoadConfig reads the configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Showdown.Host == "" {
		return fmt.Errorf("config: showdown.host is required")
	}
	if c.Showdown.ActionURL == "" {
		return fmt.Errorf("config: showdown.actionUrl is required")
	}
	if c.Showdown.RoomURL == "" {
		return fmt.Errorf("config: showdown.roomUrl is required")
	}
	if len(c.Bots) != 2 {
		return fmt.Errorf("config: exactly two bot accounts are required, got %d", len(c.Bots))
	}
	for i, bot := range c.Bots {
		if bot.Name == "" || bot.Password == "" {
			return fmt.Errorf("config: bot %d is missing a name or password", i+1)
		}
	}
	return nil
}
