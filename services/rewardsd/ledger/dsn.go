package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

var (
	// ErrPathRequired is returned when a sqlite ledger has no path configured.
	ErrPathRequired = errors.New("ledger path must be configured")
	// ErrUnsupportedDriver is returned for unknown database drivers.
	ErrUnsupportedDriver = errors.New("ledger driver must be sqlite or postgres")
)

// Config selects the ledger backend.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve ledger path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Dialector resolves the gorm dialector for the configured backend.
func (c Config) Dialector() (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "sqlite":
		dsn := strings.TrimSpace(c.DSN)
		if dsn == "" {
			var err error
			if dsn, err = FileDSN(c.Path); err != nil {
				return nil, err
			}
		}
		return sqlite.Open(dsn), nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(c.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("postgres ledger requires dsn")
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}
}

func (c Config) isSQLite() bool {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	return driver == "" || driver == "sqlite"
}
