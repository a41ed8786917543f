// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"src.bluestatic.org/popsync/pkg/session"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// PasswordEnv overrides server.password when set.
const PasswordEnv = "POPSYNC_PASSWORD"

type DestinationType string

const (
	DestinationNone  DestinationType = ""
	DestinationGmail DestinationType = "gmail"
)

type DestinationConfig struct {
	Type  DestinationType `yaml:"type"`
	Email string          `yaml:"email"`
	// Labels applied to inserted messages. Defaults to INBOX and UNREAD.
	Labels []string `yaml:"labels"`
}

type MonitorConfig struct {
	PollInterval time.Duration     `yaml:"poll_interval"`
	Destination  DestinationConfig `yaml:"destination"`
}

type OAuthServerConfig struct {
	RedirectURL     string `yaml:"redirect_url"`
	ListenAddr      string `yaml:"listen_addr"`
	CredentialsPath string `yaml:"credentials_path"`
	TokenStore      string `yaml:"token_store"`
}

type Config struct {
	Server   session.Config `yaml:"server"`
	Database string         `yaml:"database"`
	LogLevel string         `yaml:"log_level"`

	Monitor     MonitorConfig     `yaml:"monitor"`
	OAuthServer OAuthServerConfig `yaml:"oauth_server"`
}

// LoadConfig reads the YAML config at `path`. Values from the process
// environment are applied after decoding.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	config := &Config{
		Database: "popsync.db",
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if pass, ok := os.LookupEnv(PasswordEnv); ok {
		config.Server.Password = pass
	}
	return config, nil
}

// loadEnvFile loads `path` into the environment. A missing file is not an
// error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("Missing server.addr")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("Invalid server.addr: %w", err)
	}
	if c.Server.User == "" {
		return fmt.Errorf("Missing server.user")
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("Invalid server.timeout: %s", c.Server.Timeout)
	}
	if c.Database == "" {
		return fmt.Errorf("Missing database")
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	return nil
}

// ValidateMonitor checks the parts of the config used only by the monitor.
func (c *Config) ValidateMonitor() error {
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("Missing monitor.poll_interval")
	}
	switch c.Monitor.Destination.Type {
	case DestinationNone:
		return nil
	case DestinationGmail:
		if c.Monitor.Destination.Email == "" {
			return fmt.Errorf("Invalid Destination: missing email")
		}
		if c.OAuthServer.ListenAddr == "" || c.OAuthServer.CredentialsPath == "" || c.OAuthServer.TokenStore == "" {
			return fmt.Errorf("Invalid Destination: gmail requires oauth_server")
		}
		return nil
	default:
		return fmt.Errorf("Invalid Destination: type %q", c.Monitor.Destination.Type)
	}
}

func (c *Config) logLevel() (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("Invalid log_level: %w", err)
	}
	return level, nil
}
