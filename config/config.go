package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// OutputConfig binds a logical output name used by SEND ... OUTPUT = name
// to a MIDI output port
type OutputConfig struct {
	Name     string `json:"name"`
	PortName string `json:"portName"`
}

// TempoConfig is the tempo in force before a program's first SETBPM.
// Values above 65535 fail to load.
type TempoConfig struct {
	BPM          uint16 `json:"bpm,omitempty"`
	TicksPerBeat uint16 `json:"ticksPerBeat,omitempty"`
}

// LogConfig controls the debug log
type LogConfig struct {
	Debug bool   `json:"debug,omitempty"`
	Path  string `json:"path,omitempty"`
}

// UIConfig stores terminal output preferences
type UIConfig struct {
	Palette string `json:"palette,omitempty"` // path to a .gpl palette
	NoColor bool   `json:"noColor,omitempty"`
}

// Config is the main configuration structure
type Config struct {
	DefaultPort string         `json:"defaultPort,omitempty"`
	Outputs     []OutputConfig `json:"outputs,omitempty"`
	Tempo       TempoConfig    `json:"tempo,omitempty"`
	Log         LogConfig      `json:"log,omitempty"`
	UI          UIConfig       `json:"ui,omitempty"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Tempo: TempoConfig{
			BPM:          120,
			TicksPerBeat: 32,
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-songvm"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from the default path, or returns defaults if not found
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. Missing fields keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the default path
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile writes the config to path, creating its directory
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// FindOutput finds an output binding by logical name
func (c *Config) FindOutput(name string) *OutputConfig {
	for i := range c.Outputs {
		if c.Outputs[i].Name == name {
			return &c.Outputs[i]
		}
	}
	return nil
}

// AddOutput adds or updates an output binding
func (c *Config) AddOutput(out OutputConfig) {
	for i := range c.Outputs {
		if c.Outputs[i].Name == out.Name {
			c.Outputs[i] = out
			return
		}
	}
	c.Outputs = append(c.Outputs, out)
}
