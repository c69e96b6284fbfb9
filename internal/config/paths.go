package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	homeEnv      = "DOCSTORE_HOME"
	configName   = "config.yaml"
	dataFileExt  = ".db"
	defaultShare = "docstore"
)

// Paths are the locations derived from the docstore home directory.
type Paths struct {
	Home    string
	Config  string
	DataDir string
	LogDir  string
}

// ResolvePaths picks the home directory from homeOverride, then
// $DOCSTORE_HOME, then ~/.local/share/docstore, and creates it.
func ResolvePaths(homeOverride, configOverride string) (*Paths, error) {
	home := homeOverride
	if home == "" {
		home = os.Getenv(homeEnv)
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "find user home")
		}
		home = filepath.Join(userHome, ".local", "share", defaultShare)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create home %s", home)
	}

	cfgPath := configOverride
	if cfgPath == "" {
		cfgPath = filepath.Join(home, configName)
	}

	return &Paths{
		Home:    home,
		Config:  cfgPath,
		DataDir: filepath.Join(home, "data"),
		LogDir:  filepath.Join(home, "log"),
	}, nil
}

// ensureDirs creates the data and log directories of cfg.
func (c *Config) ensureDirs() error {
	for _, dir := range []string{c.DataDir, c.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// DataPath resolves a database name to a file under DataDir, adding the
// .db extension when the name has none. Paths that already contain a
// separator are used as given.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) || filepath.Base(name) != name {
		return name
	}
	if filepath.Ext(name) == "" {
		name += dataFileExt
	}
	return filepath.Join(c.DataDir, name)
}
