package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/tripsaga/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteBusyTimeoutMS lets relay passes and consumers wait on the single-writer lock.
const sqliteBusyTimeoutMS = 5000

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.DBType {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// DSN returns DATABASE_DSN when set, otherwise a connection string built from the
// individual DATABASE_* settings.
func DSN(cfg config.Config) (string, error) {
	switch cfg.DBType {
	case "mysql", "postgres", "sqlite":
	default:
		return "", fmt.Errorf("unsupported %s type", cfg.DBType)
	}
	if dsn := strings.TrimSpace(cfg.DBDSN); dsn != "" {
		return dsn, nil
	}

	switch cfg.DBType {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName), nil
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode), nil
	default:
		return sqliteDSN(cfg.DBName), nil
	}
}

// sqliteDSN maps a database name to a file with WAL and a busy timeout.
// ":memory:" stays in memory and names ending in .db are used as paths.
func sqliteDSN(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "tripsaga"
	}
	if name == ":memory:" {
		return "file::memory:?cache=shared"
	}
	if !strings.HasSuffix(name, ".db") {
		name += ".db"
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeoutMS))
	params.Set("_journal_mode", "WAL")
	return "file:" + name + "?" + params.Encode()
}

// IsPostgres reports whether row-locking clauses such as SKIP LOCKED are available.
func IsPostgres(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres"
}
