package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the chronicled daemon settings.
type Config struct {
	ListenAddress     string `toml:"ListenAddress"`
	MetricsAddress    string `toml:"MetricsAddress"`
	DataDir           string `toml:"DataDir"`
	ChainID           uint64 `toml:"ChainID"`
	AggregatorAddress string `toml:"AggregatorAddress"`
	Environment       string `toml:"Environment"`
}

const defaultConfig = `ListenAddress = ":8547"
MetricsAddress = ":9464"
DataDir = "./chronicled-data"
ChainID = 1
AggregatorAddress = "0x0000000000000000000000000000000000000001"
Environment = "local"
`

// Load loads the configuration from the given path, creating a default file
// when none exists. Unknown keys are rejected so typos fail loudly.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	if err := os.WriteFile(path, []byte(defaultConfig), 0o600); err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	cfg := &Config{}
	if _, err := toml.Decode(defaultConfig, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8547"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./chronicled-data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

func validate(cfg *Config) error {
	addr := strings.TrimSpace(cfg.AggregatorAddress)
	if addr == "" {
		return fmt.Errorf("config: AggregatorAddress is required")
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return fmt.Errorf("config: AggregatorAddress %q is not a 20-byte hex address", addr)
	}
	return nil
}
