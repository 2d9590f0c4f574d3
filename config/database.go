package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// OpenMirror opens (or creates) the embedded per-device mirror database and
// sets the global DB. The mirror is a single sqlite file: WAL mode so the
// push dispatcher and UI reads never block each other, busy_timeout because
// sqlite only allows one writer at a time.
//
// MIRROR_PATH overrides the file location (useful for tests and multi-profile
// installs).
func OpenMirror() (*gorm.DB, error) {
	path := strings.TrimSpace(os.Getenv("MIRROR_PATH"))
	if path == "" {
		path = "gestion-mirror.db"
	}
	opened, err := OpenMirrorAt(path)
	if err != nil {
		return nil, err
	}
	db = opened
	return opened, nil
}

// OpenMirrorAt opens a mirror database at an explicit path without touching
// the global DB. Callers that need isolation (tests, maintenance commands on
// a copied mirror file) use this directly.
func OpenMirrorAt(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, intFromEnv("MIRROR_BUSY_TIMEOUT_MS", 5000))

	opened, err := gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return nil, err
	}

	// The mirror is embedded: a single connection avoids sqlite writer
	// contention across gorm's pool.
	if sqlDB, derr := opened.DB(); derr == nil && sqlDB != nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(time.Duration(intFromEnv("MIRROR_CONN_MAX_IDLE_SECONDS", 300)) * time.Second)
	}

	if pluginErr := opened.Use(otelgorm.NewPlugin()); pluginErr != nil {
		GetLogger().Warnf("mirror opened but failed to install otelgorm plugin: %v", pluginErr)
	}

	return opened, nil
}

func initConfig() *gorm.Config {
	logLevel := logger.Silent
	if strings.TrimSpace(os.Getenv("MIRROR_SQL_LOG")) != "" {
		logLevel = logger.Info
	}
	return &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DurationFromEnv reads a tunable expressed in seconds.
func DurationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
