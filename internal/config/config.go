package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v3"
)

type Config struct {
	Home     string `yaml:"home"`
	DataDir  string `yaml:"data_dir"`
	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`
	Engine   Engine `yaml:"engine"`
}

// Engine holds the per-database settings handed to engine.Open.
type Engine struct {
	Password            string        `yaml:"password"`
	ReadOnly            bool          `yaml:"read_only"`
	Timeout             time.Duration `yaml:"timeout"`
	LimitSize           int64         `yaml:"limit_size"`
	Checkpoint          int           `yaml:"checkpoint"`
	CacheSize           int           `yaml:"cache_size"`
	MaxTransactionSize  int           `yaml:"max_transaction_size"`
	MaxOpenTransactions int           `yaml:"max_open_transactions"`
	Collation           string        `yaml:"collation"`
	Compression         string        `yaml:"compression"`
	SortContainerSize   int           `yaml:"sort_container_size"`
	Seed                int64         `yaml:"seed"`
	Sync                bool          `yaml:"sync"`
}

var (
	ErrInvalidCollation   = errors.New("collation must be 'ignorecase' or 'binary'")
	ErrInvalidCompression = errors.New("compression must be 'none', 'snappy' or 'lz4'")
)

func DefaultEngine() Engine {
	return Engine{
		Timeout:             time.Minute,
		Checkpoint:          1000,
		CacheSize:           4096,
		MaxTransactionSize:  10000,
		MaxOpenTransactions: 100,
		Collation:           "ignorecase",
		Compression:         "none",
		SortContainerSize:   50000,
		Sync:                true,
	}
}

func (e Engine) Validate() error {
	switch e.Collation {
	case "ignorecase", "binary":
	default:
		return errors.Wrapf(ErrInvalidCollation, "got %q", e.Collation)
	}
	switch e.Compression {
	case "none", "snappy", "lz4":
	default:
		return errors.Wrapf(ErrInvalidCompression, "got %q", e.Compression)
	}
	if e.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if e.LimitSize < 0 || e.Checkpoint < 0 {
		return errors.New("limit_size and checkpoint must not be negative")
	}
	if e.CacheSize <= 0 || e.MaxTransactionSize <= 0 || e.MaxOpenTransactions <= 0 || e.SortContainerSize <= 0 {
		return errors.New("cache_size, max_transaction_size, max_open_transactions and sort_container_size must be positive")
	}
	return nil
}

func LoadConfig(homeOverride, configOverride string) (*Config, error) {
	paths, err := ResolvePaths(homeOverride, configOverride)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Home:     paths.Home,
		DataDir:  paths.DataDir,
		LogDir:   paths.LogDir,
		LogLevel: "info",
		Engine:   DefaultEngine(),
	}

	if f, err := os.Open(paths.Config); err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "decode %s", paths.Config)
		}
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.ensureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}
