// Package config loads and edits the llmtunnel config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvAuthtoken = "NGROK_AUTHTOKEN"
	EnvPort      = "LLMTUNNEL_PORT"
	EnvModel     = "LLMTUNNEL_MODEL"
	EnvHome      = "LLMTUNNEL_HOME"
)

// DefaultSysPrompt seeds new conversations when sys_prompt is not set.
const DefaultSysPrompt = "You are a helpful chat assistant."

// Config is the on-disk configuration.
type Config struct {
	Port         int      `toml:"port"`
	Authtoken    string   `toml:"authtoken"`
	ModelName    string   `toml:"model_name"`
	SysPrompt    string   `toml:"sys_prompt"`
	DataDir      string   `toml:"data_dir"`
	ModelsDir    string   `toml:"models_dir"`
	RegistryPath string   `toml:"registry_path"`
	CtxSize      int      `toml:"ctx_size"`
	Device       string   `toml:"device"`
	TurnTimeout  Duration `toml:"turn_timeout"`
	LogLevel     string   `toml:"log_level"`
	LogFile      string   `toml:"log_file"`
	Engine       struct {
		BinPath string `toml:"bin_path"`
		Port    int    `toml:"port"`
		Threads int    `toml:"threads"`
	} `toml:"engine"`
}

// Duration is a time.Duration stored as a string such as "90s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Home returns the default data directory, ~/.llmtunnel unless
// LLMTUNNEL_HOME is set.
func Home() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".llmtunnel")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{
		Port:      5000,
		ModelName: "mistral-7b-openorca-q5",
		SysPrompt: DefaultSysPrompt,
		DataDir:   Home(),
		CtxSize:   4096,
		Device:    "cuda",
		LogLevel:  "info",
	}
	cfg.Engine.BinPath = "llama-server"
	return cfg
}

// LoadDotEnv loads .env from dir into the environment. Variables already
// set take precedence; a missing file is not an error.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads path, writing defaults first if it does not exist, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	if tok := os.Getenv(EnvAuthtoken); tok != "" {
		cfg.Authtoken = tok
	}
	if model := os.Getenv(EnvModel); model != "" {
		cfg.ModelName = model
	}
	if port := os.Getenv(EnvPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads path over the defaults without environment overrides.
func loadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	default:
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Engine.Port < 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("engine.port %d out of range", c.Engine.Port)
	}
	if c.ModelName == "" {
		return errors.New("model_name is required")
	}
	if c.CtxSize <= 0 {
		return fmt.Errorf("ctx_size must be positive, got %d", c.CtxSize)
	}
	switch c.Device {
	case "cuda", "cpu":
	default:
		return fmt.Errorf("device must be cuda or cpu, got %q", c.Device)
	}
	if c.TurnTimeout.Duration < 0 {
		return fmt.Errorf("turn_timeout must not be negative")
	}
	return nil
}

// ResolvedModelsDir returns models_dir, defaulting to <data_dir>/models.
func (c *Config) ResolvedModelsDir() string {
	if c.ModelsDir != "" {
		return c.ModelsDir
	}
	return filepath.Join(c.DataDir, "models")
}

// PIDPath returns the serve daemon's PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "llmtunnel.pid")
}

// Save writes cfg to path atomically. The file holds the authtoken, so it is
// readable by the owner only.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
