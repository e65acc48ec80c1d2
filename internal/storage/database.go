package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"dealcheck/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for dbType (sqlite3, mysql or postgres).
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch normalizeDriver(dbType) {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if strings.Contains(dbCfg.DSN, ":memory:") {
			// every pooled connection would otherwise see its own empty database
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				params = "parseTime=true&charset=utf8mb4&clientFoundRows=true"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres":
		dsn := dbCfg.DSN
		if dsn == "" {
			u := url.URL{
				Scheme:   "postgres",
				User:     url.UserPassword(dbCfg.Username, dbCfg.Password),
				Host:     fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port),
				Path:     "/" + dbCfg.DBName,
				RawQuery: dbCfg.Params,
			}
			dsn = u.String()
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "mysql":
		return "mysql"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return strings.ToLower(driver)
	}
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch normalizeDriver(driver) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS deals (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS master_sheets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				deal_id INTEGER NOT NULL UNIQUE,
				file_name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size INTEGER NOT NULL,
				storage_url TEXT NOT NULL DEFAULT '',
				inline_source BLOB,
				entry_count INTEGER NOT NULL DEFAULT 0,
				uploaded_at DATETIME NOT NULL,
				FOREIGN KEY(deal_id) REFERENCES deals(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS master_sheet_entries (
				deal_id INTEGER NOT NULL,
				position INTEGER NOT NULL,
				entity TEXT NOT NULL,
				field TEXT NOT NULL,
				expected_value TEXT NOT NULL,
				PRIMARY KEY (deal_id, position),
				FOREIGN KEY(deal_id) REFERENCES deals(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				deal_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size INTEGER NOT NULL,
				storage_url TEXT NOT NULL,
				uploaded_at DATETIME NOT NULL,
				state TEXT NOT NULL DEFAULT 'unvalidated',
				validation_log TEXT NOT NULL DEFAULT '',
				FOREIGN KEY(deal_id) REFERENCES deals(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_deal ON documents(deal_id)`,
			`CREATE TABLE IF NOT EXISTS validation_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL UNIQUE,
				deal_id INTEGER NOT NULL,
				master_sheet_name TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				pass_count INTEGER NOT NULL,
				fail_count INTEGER NOT NULL,
				error_count INTEGER NOT NULL,
				document_count INTEGER NOT NULL,
				results TEXT NOT NULL,
				FOREIGN KEY(deal_id) REFERENCES deals(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_validation_runs_deal ON validation_runs(deal_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS deals (
				id BIGINT NOT NULL AUTO_INCREMENT,
				name VARCHAR(255) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS master_sheets (
				id BIGINT NOT NULL AUTO_INCREMENT,
				deal_id BIGINT NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				storage_url TEXT NOT NULL,
				inline_source LONGBLOB,
				entry_count INT NOT NULL DEFAULT 0,
				uploaded_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_master_sheets_deal (deal_id),
				CONSTRAINT fk_master_sheets_deal FOREIGN KEY (deal_id) REFERENCES deals(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS master_sheet_entries (
				deal_id BIGINT NOT NULL,
				position INT NOT NULL,
				entity VARCHAR(255) NOT NULL,
				field VARCHAR(255) NOT NULL,
				expected_value TEXT NOT NULL,
				PRIMARY KEY (deal_id, position),
				CONSTRAINT fk_entries_deal FOREIGN KEY (deal_id) REFERENCES deals(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS documents (
				id BIGINT NOT NULL AUTO_INCREMENT,
				deal_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				storage_url TEXT NOT NULL,
				uploaded_at DATETIME(6) NOT NULL,
				state VARCHAR(32) NOT NULL DEFAULT 'unvalidated',
				validation_log TEXT NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_documents_deal (deal_id),
				CONSTRAINT fk_documents_deal FOREIGN KEY (deal_id) REFERENCES deals(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS validation_runs (
				id BIGINT NOT NULL AUTO_INCREMENT,
				run_id VARCHAR(64) NOT NULL,
				deal_id BIGINT NOT NULL,
				master_sheet_name VARCHAR(255) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				pass_count INT NOT NULL,
				fail_count INT NOT NULL,
				error_count INT NOT NULL,
				document_count INT NOT NULL,
				results LONGTEXT NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_validation_runs_run (run_id),
				INDEX idx_validation_runs_deal (deal_id),
				CONSTRAINT fk_validation_runs_deal FOREIGN KEY (deal_id) REFERENCES deals(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case "postgres":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS deals (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS master_sheets (
				id BIGSERIAL PRIMARY KEY,
				deal_id BIGINT NOT NULL UNIQUE REFERENCES deals(id) ON DELETE CASCADE,
				file_name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size BIGINT NOT NULL,
				storage_url TEXT NOT NULL DEFAULT '',
				inline_source BYTEA,
				entry_count INTEGER NOT NULL DEFAULT 0,
				uploaded_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS master_sheet_entries (
				deal_id BIGINT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				entity TEXT NOT NULL,
				field TEXT NOT NULL,
				expected_value TEXT NOT NULL,
				PRIMARY KEY (deal_id, position)
			)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id BIGSERIAL PRIMARY KEY,
				deal_id BIGINT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size BIGINT NOT NULL,
				storage_url TEXT NOT NULL,
				uploaded_at TIMESTAMPTZ NOT NULL,
				state TEXT NOT NULL DEFAULT 'unvalidated',
				validation_log TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_deal ON documents(deal_id)`,
			`CREATE TABLE IF NOT EXISTS validation_runs (
				id BIGSERIAL PRIMARY KEY,
				run_id TEXT NOT NULL UNIQUE,
				deal_id BIGINT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
				master_sheet_name TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				pass_count INTEGER NOT NULL,
				fail_count INTEGER NOT NULL,
				error_count INTEGER NOT NULL,
				document_count INTEGER NOT NULL,
				results TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_validation_runs_deal ON validation_runs(deal_id)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
