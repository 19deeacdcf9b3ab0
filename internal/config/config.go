// Package config loads the dispatcher's configuration file, grounded on
// the teacher's internal/config/daemonconfig.go: gopkg.in/ini.v1, a
// *Config struct tagged with `ini:"..."`, and a Load that falls back to
// documented defaults for anything the file omits.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// DefaultConfigPath is the path the CLI looks at when --config is not
// given (spec §6).
const DefaultConfigPath = "/opt/dispatch/dispatch.conf"

// Database holds the [database] section (spec §6).
type Database struct {
	Server string `ini:"SERVER"`
	User   string `ini:"USER"`
	Pass   string `ini:"PASS"`
	Name   string `ini:"NAME"`
}

// Dispatch holds the [dispatch] section (spec §6).
type Dispatch struct {
	PollInterval int    `ini:"POLL_INTERVAL"`
	LockFile     string `ini:"LOCK_FILE"`
	DaemonLog    string `ini:"DAEMON_LOG"`
	SSHKeys      string `ini:"SSH_KEYS"`
	WebhookURL   string `ini:"WEBHOOK_URL"`
}

// Config is the parsed dispatch.conf.
type Config struct {
	Database Database
	Dispatch Dispatch
}

// Load reads path and applies defaults for anything the [dispatch]
// section leaves unset. A missing or unparsable file is startup-fatal
// (spec §7 "missing config").
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := &Config{
		Dispatch: Dispatch{
			PollInterval: 300,
			LockFile:     "/var/run/dispatch.lock",
			SSHKeys:      "/opt/dispatch/keys",
		},
	}

	dbSection := raw.Section("database")
	cfg.Database.Server = dbSection.Key("SERVER").String()
	cfg.Database.User = dbSection.Key("USER").String()
	cfg.Database.Pass = dbSection.Key("PASS").String()
	cfg.Database.Name = dbSection.Key("NAME").String()

	dispatchSection := raw.Section("dispatch")
	cfg.Dispatch.PollInterval = dispatchSection.Key("POLL_INTERVAL").MustInt(cfg.Dispatch.PollInterval)
	cfg.Dispatch.LockFile = dispatchSection.Key("LOCK_FILE").MustString(cfg.Dispatch.LockFile)
	cfg.Dispatch.DaemonLog = dispatchSection.Key("DAEMON_LOG").String()
	cfg.Dispatch.SSHKeys = dispatchSection.Key("SSH_KEYS").MustString(cfg.Dispatch.SSHKeys)
	cfg.Dispatch.WebhookURL = dispatchSection.Key("WEBHOOK_URL").String()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing required field, or a non-positive
// POLL_INTERVAL. [database] has no
// defaults: a dispatcher that cannot reach its store cannot run.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Database.Server == "":
		return fmt.Errorf("config: [database] SERVER is required")
	case cfg.Database.User == "":
		return fmt.Errorf("config: [database] USER is required")
	case cfg.Database.Name == "":
		return fmt.Errorf("config: [database] NAME is required")
	case cfg.Dispatch.PollInterval <= 0:
		return fmt.Errorf("config: [dispatch] POLL_INTERVAL must be positive")
	}
	return nil
}
