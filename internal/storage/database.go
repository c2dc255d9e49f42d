package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"personago/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open and Migrate.
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Normalize maps driver aliases onto the canonical driver names.
func Normalize(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DriverSQLite
	case "mysql":
		return DriverMySQL
	case "postgres", "postgresql", "pgx":
		return DriverPostgres
	default:
		return strings.ToLower(driver)
	}
}

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch Normalize(dbType) {
	case DriverSQLite:
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case DriverMySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if !strings.Contains(params, "parseTime") {
				params = strings.TrimPrefix(params+"&parseTime=true", "&")
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
	case DriverPostgres:
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
			)
			if dbCfg.Params != "" {
				dsn += "?" + dbCfg.Params
			}
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

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch Normalize(driver) {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT,
				character_name TEXT,
				platform TEXT NOT NULL,
				author TEXT NOT NULL,
				content TEXT NOT NULL,
				response_to TEXT,
				wen_posted DATETIME NOT NULL,
				flagged INTEGER NOT NULL DEFAULT 0,
				original_data TEXT,
				message_metadata TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_platform_author ON messages(platform, author)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_character ON messages(character_name)`,
			`CREATE TABLE IF NOT EXISTS character_settings (
				character_id TEXT PRIMARY KEY,
				settings TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		}
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(191) NOT NULL,
				conversation_id VARCHAR(191),
				character_name VARCHAR(191),
				platform VARCHAR(50) NOT NULL,
				author VARCHAR(255) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				response_to VARCHAR(191),
				wen_posted DATETIME(6) NOT NULL,
				flagged BOOLEAN NOT NULL DEFAULT FALSE,
				original_data JSON,
				message_metadata JSON,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id),
				INDEX idx_messages_platform_author (platform, author),
				INDEX idx_messages_character (character_name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS character_settings (
				character_id VARCHAR(191) NOT NULL,
				settings JSON NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (character_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case DriverPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT,
				character_name TEXT,
				platform TEXT NOT NULL,
				author TEXT NOT NULL,
				content TEXT NOT NULL,
				response_to TEXT,
				wen_posted TIMESTAMPTZ NOT NULL,
				flagged BOOLEAN NOT NULL DEFAULT FALSE,
				original_data TEXT,
				message_metadata TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_platform_author ON messages(platform, author)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_character ON messages(character_name)`,
			`CREATE TABLE IF NOT EXISTS character_settings (
				character_id TEXT PRIMARY KEY,
				settings TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
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
