package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DSN           string
	BusyTimeoutMs int
	WAL           bool
	AutoMigrate   bool
}

func DefaultConfig() Config {
	return Config{
		DSN:           "",
		BusyTimeoutMs: 5000,
		WAL:           true,
		AutoMigrate:   true,
	}
}

// ResolveDSN picks the database file. Precedence: explicit DSN, an existing
// $HOME/.anonchat/anonchat.sqlite, an existing ./anonchat.sqlite, then a
// fresh $HOME/.anonchat/anonchat.sqlite.
func ResolveDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn != "" {
		return dsn, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	homeDir := filepath.Join(home, ".anonchat")
	homeDB := filepath.Join(homeDir, "anonchat.sqlite")
	localDB := filepath.Clean("./anonchat.sqlite")

	if _, err := os.Stat(homeDB); err == nil {
		return homeDB, nil
	}
	if _, err := os.Stat(localDB); err == nil {
		return localDB, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", err
	}
	return homeDB, nil
}

func (c Config) connString() string {
	dsn := c.DSN
	if dsn == ":memory:" {
		// Shared cache so every pooled conn sees the same in-memory db.
		return "file::memory:?cache=shared"
	}
	params := []string{fmt.Sprintf("_busy_timeout=%d", c.BusyTimeoutMs)}
	if c.WAL {
		params = append(params, "_journal_mode=WAL")
	}
	return "file:" + dsn + "?" + strings.Join(params, "&")
}
