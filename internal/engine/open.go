package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"go.docstore/internal/config"
	"go.docstore/internal/logger"
)

// Open opens the database dbname under the configured data directory,
// logging to <log_dir>/<dbname>.log.
func Open(dbname string, cfg *config.Config) (*Engine, error) {
	dbPath := cfg.DataPath(dbname)
	base := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	logPath := filepath.Join(cfg.LogDir, base+".log")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open log file")
	}

	log := logger.New(logFile, logger.ParseLevel(cfg.LogLevel))

	e, err := New(dbPath, cfg.Engine, log)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	e.closers = append(e.closers, logFile)
	return e, nil
}
