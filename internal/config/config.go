// Package config loads the relay's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "45s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the relay binary's configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// Bearer tokens accepted on the client API, keyed token -> user id.
	UserTokens map[string]string `yaml:"user_tokens"`

	CommandTimeout   Duration `yaml:"command_timeout"`
	SessionTTL       Duration `yaml:"session_ttl"`
	FrameSize        int      `yaml:"frame_size"`
	MaxAttemptsPerIP int      `yaml:"max_attempts_per_ip"`
	AttemptWindow    Duration `yaml:"attempt_window"`
	MaxConnsPerIP    int      `yaml:"max_conns_per_ip"`
}

// Default returns a config suitable for a local deployment.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DBPath:     "obscura.db",
	}
}

// Load reads a YAML config file and fills unset fields with defaults. A
// missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "obscura.db"
	}
	if env := os.Getenv("OBSCURA_LISTEN_ADDR"); env != "" {
		cfg.ListenAddr = env
	}
	if env := os.Getenv("OBSCURA_DB_PATH"); env != "" {
		cfg.DBPath = env
	}
	return cfg, nil
}
