package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaFS embed.FS

// SchemaVersion is stored in PRAGMA user_version once the schema is applied.
const SchemaVersion = 1

// Tables that every database must contain.
var RequiredTables = []string{
	"dispatch_calls",
	"calendar_events",
	"defcon_status",
	"warrants",
	"organizations",
	"territories",
	"territory_pois",
	"audit_log",
}

// Service represents the database service with connection management
type Service struct {
	DB     *sql.DB
	DBPath string
	log    zerolog.Logger
}

// Config holds database configuration
type Config struct {
	DBPath         string
	MaxOpenConns   int
	MaxIdleConns   int
	AutoInitialize bool // Apply the schema when the database is new
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		DBPath:         "./db/mdt.db",
		MaxOpenConns:   1, // SQLite doesn't handle concurrent writes well
		MaxIdleConns:   1,
		AutoInitialize: true,
	}
}

// New creates a new database service instance
func New(config *Config, log zerolog.Logger) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	service := &Service{
		DBPath: config.DBPath,
		log:    log.With().Str("component", "db").Logger(),
	}

	dbExists := fileExists(config.DBPath)

	dbDir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(0)

	service.DB = db

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if !dbExists && config.AutoInitialize {
		service.log.Info().Str("path", config.DBPath).Msg("database not found, initializing schema")
		if err := service.InitializeSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	service.log.Info().Str("path", config.DBPath).Msg("database service initialized")
	return service, nil
}

// InitializeSchema loads and executes the schema.sql file. Every statement
// is idempotent.
func (s *Service) InitializeSchema() error {
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	if _, err := s.DB.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := s.DB.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// VerifySchema checks if the database schema is properly initialized
func (s *Service) VerifySchema() error {
	for _, table := range RequiredTables {
		var exists int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := s.DB.QueryRow(query, table).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if exists == 0 {
			return fmt.Errorf("required table missing: %s", table)
		}
	}

	s.log.Debug().Msg("schema verification successful")
	return nil
}

// SchemaVersion returns PRAGMA user_version.
func (s *Service) SchemaVersion() (int, error) {
	var v int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Close closes the database connection
func (s *Service) Close() error {
	if s.DB != nil {
		s.log.Info().Msg("closing database connection")
		return s.DB.Close()
	}
	return nil
}

// Transaction executes fn within a database transaction
func (s *Service) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // re-throw panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Health checks the database connection health
func (s *Service) Health() error {
	if s.DB == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.DB.Ping()
}

// GetStats returns database connection statistics
func (s *Service) GetStats() sql.DBStats {
	return s.DB.Stats()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
