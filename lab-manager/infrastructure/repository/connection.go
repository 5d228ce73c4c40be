package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/kavos113/quicklab/lab-manager/config"
	"github.com/kavos113/quicklab/lab-manager/migration"
)

type Config struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Database   string
	SQLitePath string
	SchemaPath string
}

func NewConfig(store config.StoreConfig) *Config {
	return &Config{
		Driver:     store.Driver,
		Host:       store.Host,
		Port:       store.Port,
		User:       store.User,
		Password:   store.Password,
		Database:   store.Database,
		SQLitePath: store.SQLitePath,
		SchemaPath: store.SchemaPath,
	}
}

func (c *Config) dsn() (driverName, dsn string) {
	if c.Driver == config.StoreSQLite {
		return "sqlite", fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_time_format=sqlite", c.SQLitePath)
	}
	return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC&clientFoundRows=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func Connect(ctx context.Context, cfg *Config) (*sql.DB, error) {
	driverName, dsn := cfg.dsn()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driverName == "sqlite" {
		// a single connection keeps :memory: databases shared and
		// serializes writers
		db.SetMaxOpenConns(1)
		if cfg.SQLitePath != ":memory:" {
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to enable WAL: %w", err)
			}
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// InitSchema applies the schema file at schemaPath, or the bundled schema for
// driver when schemaPath is empty.
func InitSchema(ctx context.Context, db *sql.DB, driver, schemaPath string) error {
	var schemaSQL string
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		schemaSQL = string(data)
	} else {
		s, err := migration.Schema(driver)
		if err != nil {
			return err
		}
		schemaSQL = s
	}

	for _, stmt := range splitSQL(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	return nil
}

func splitSQL(sql string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(line, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if current.Len() > 0 {
		statements = append(statements, current.String())
	}

	return statements
}

// dbTime normalizes timestamps so MySQL DATETIME and SQLite text columns
// compare the same way.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
