// Package database opens the gorm connection for a database URL.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Target is a parsed database URL.
type Target struct {
	Driver string
	// DSN is the driver-native connection string.
	DSN string
}

// Open connects to the database named by rawURL and migrates the schema.
func Open(ctx context.Context, rawURL string) (*gorm.DB, func() error, Target, error) {
	target, err := ResolveTarget(rawURL)
	if err != nil {
		return nil, nil, Target{}, err
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch target.Driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(target.DSN), cfg)
	case DriverMySQL:
		db, err = gorm.Open(mysql.Open(target.DSN), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(target.DSN), cfg)
	default:
		return nil, nil, Target{}, fmt.Errorf("unsupported database scheme %q", target.Driver)
	}
	if err != nil {
		return nil, nil, Target{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, Target{}, err
	}
	if target.Driver == DriverSQLite {
		// One writer at a time; row locks are no-ops in sqlite.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := gormstore.Migrate(db.WithContext(ctx)); err != nil {
		_ = sqlDB.Close()
		return nil, nil, Target{}, fmt.Errorf("auto migrate: %w", err)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db, cleanup, target, nil
}

// ResolveTarget maps postgres://, mysql:// and sqlite:// URLs to drivers.
// Anything else is treated as a sqlite file path.
func ResolveTarget(rawURL string) (Target, error) {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return Target{Driver: DriverPostgres, DSN: rawURL}, nil
	case strings.HasPrefix(rawURL, "mysql://"):
		dsn, err := mysqlDSN(rawURL)
		if err != nil {
			return Target{}, err
		}
		return Target{Driver: DriverMySQL, DSN: dsn}, nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return Target{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "bridgepay.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return Target{Driver: DriverSQLite, DSN: sqlitePath}, err
	}
	sqlitePath, err := normalizeSQLitePath(rawURL)
	return Target{Driver: DriverSQLite, DSN: sqlitePath}, err
}

func mysqlDSN(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse mysql url: %w", err)
	}
	databaseName := strings.TrimPrefix(parsed.Path, "/")
	if parsed.Host == "" || databaseName == "" {
		return "", fmt.Errorf("mysql url needs a host and a database: %q", parsed.Redacted())
	}
	cfg := mysqldriver.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = parsed.Host
	cfg.DBName = databaseName
	cfg.ParseTime = true
	if parsed.User != nil {
		cfg.User = parsed.User.Username()
		cfg.Passwd, _ = parsed.User.Password()
	}
	return cfg.FormatDSN(), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
