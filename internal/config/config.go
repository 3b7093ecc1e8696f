package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type StorageType = string

var (
	FileStorage      = StorageType("file")
	FirestoreStorage = StorageType("firestore")
)

const baseCfgPath = "feedbot/config.toml"

const (
	DefaultFetchInterval  = 10 * time.Minute
	DefaultSaveInterval   = time.Hour
	DefaultPruneThreshold = 7 * 24 * time.Hour
	DefaultSendRate       = 20
	DefaultSendBurst      = 5
)

type Config struct {
	DataDir          string      `toml:"data_dir"`
	Storage          StorageType `toml:"storage"`
	FirestoreProject string      `toml:"firestore_project"`
	FetchIntervalMS  int64       `toml:"fetch_interval_ms"`
	SaveIntervalMS   int64       `toml:"save_interval_ms"`
	PruneThresholdMS int64       `toml:"prune_threshold_ms"`
	SendRate         float64     `toml:"send_rate"`  // messages per second
	SendBurst        int         `toml:"send_burst"`
}

func Default() Config {
	return Config{
		DataDir:          filepath.Join(os.Getenv("HOME"), ".rssbot"),
		Storage:          FileStorage,
		FetchIntervalMS:  DefaultFetchInterval.Milliseconds(),
		SaveIntervalMS:   DefaultSaveInterval.Milliseconds(),
		PruneThresholdMS: DefaultPruneThreshold.Milliseconds(),
		SendRate:         DefaultSendRate,
		SendBurst:        DefaultSendBurst,
	}
}

func millisOr(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) FetchInterval() time.Duration {
	return millisOr(c.FetchIntervalMS, DefaultFetchInterval)
}

func (c Config) SaveInterval() time.Duration {
	return millisOr(c.SaveIntervalMS, DefaultSaveInterval)
}

func (c Config) PruneThreshold() time.Duration {
	return millisOr(c.PruneThresholdMS, DefaultPruneThreshold)
}

func (c Config) Validate() error {
	switch c.Storage {
	case FileStorage, FirestoreStorage:
	default:
		return fmt.Errorf("unknown storage type '%s'", c.Storage)
	}
	if c.Storage == FileStorage && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for file storage")
	}
	if c.SendRate <= 0 || c.SendBurst <= 0 {
		return fmt.Errorf("send_rate and send_burst must be positive")
	}
	return nil
}

// Read decodes the TOML file at path over the defaults. The defaults are
// returned along with the error when the file cannot be read.
func Read(path string) (Config, error) {
	conf := Default()
	dat, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	_, err = toml.Decode(string(dat), &conf)
	if err != nil {
		return conf, fmt.Errorf("failed to decode config at %s with %w", path, err)
	}
	return conf, nil
}

func Write(cfgPath string, cfg Config) error {
	blob, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config with %w", err)
	}
	basePath := filepath.Dir(cfgPath)
	err = os.MkdirAll(basePath, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create base config directory at '%s' with %w", basePath, err)
	}
	err = os.WriteFile(cfgPath, blob, 0644)
	if err != nil {
		return fmt.Errorf("failed to write into config file at '%s' with %w", cfgPath, err)
	}
	return nil
}

func DefaultPath() string {
	var xdgHome = os.Getenv("XDG_CONFIG_HOME")
	if xdgHome != "" {
		return filepath.Join(xdgHome, baseCfgPath)
	}

	var home = os.Getenv("HOME")
	if home != "" {
		return filepath.Join(home, ".config", baseCfgPath)
	}

	return "config.toml"
}
