// Package testsupport provides the shared test harness: in-memory databases,
// pre-migrated stores and fixture builders.
package testsupport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pagetrace/internal/config"
	"pagetrace/internal/store"
)

// testDBCache caches test databases by root test name so subtests and setup
// helpers share the same database.
var (
	testDBCache   = make(map[string]*gorm.DB)
	testDBCacheMu sync.Mutex
)

// GetLogger returns a logger that swallows test noise.
func GetLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GetConfig returns the process config, refusing to run outside the test
// environment.
func GetConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetConfig()
	if cfg.Environment != config.Test {
		t.Fatalf("tests must run with PAGETRACE_ENV=test, current environment: %s", cfg.Environment)
	}
	return cfg
}

// TestConfig returns a self-contained configuration for unit tests, bypassing
// the process environment.
func TestConfig() *config.Config {
	return &config.Config{
		AppName:              "pagetrace",
		AppPort:              "3000",
		Environment:          config.Test,
		LogLevel:             config.LogLevelError,
		DatabaseType:         config.SQLiteDatabase,
		HeartbeatFrequencyMs: 5000,
		CacheMaxEntries:      1000,
		CacheTTLSeconds:      60,
	}
}

// SetupTestDB creates a named in-memory database with cache=shared so every
// connection within the test sees the same data, migrates all models and
// registers cleanup.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=on&_loc=UTC",
		sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(store.AllModels()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestStore returns a migrated store backed by an in-memory database.
func SetupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	return store.NewSQLiteFromDB(SetupTestDB(t), GetLogger())
}

// CreateTestService inserts a wildcard-origin active service.
func CreateTestService(t *testing.T, st store.Store, name string) *store.Service {
	t.Helper()
	svc := &store.Service{
		Name:         name,
		Link:         "https://" + name + ".example.com",
		Origins:      "*",
		Status:       store.ServiceStatusActive,
		RespectDNT:   true,
		IgnoreRobots: true,
		CollectIPs:   true,
	}
	if err := st.CreateService(context.Background(), svc); err != nil {
		t.Fatalf("testsupport: failed to create service: %v", err)
	}
	return svc
}

// CreateTestSession inserts a session for the service at the given time.
func CreateTestSession(t *testing.T, st store.Store, svc *store.Service, signature string, at time.Time) *store.Session {
	t.Helper()
	session, _, err := st.UpsertSession(context.Background(), &store.Session{
		ServiceID:  svc.ID,
		Signature:  signature,
		StartTime:  at,
		LastSeen:   at,
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
		Browser:    "Chrome",
		Device:     "Desktop",
		DeviceType: "desktop",
		OS:         "Linux",
		Country:    "Germany",
		IsBounce:   true,
	})
	if err != nil {
		t.Fatalf("testsupport: failed to create session: %v", err)
	}
	return session
}

// CreateTestHit inserts a hit on the session at the given time.
func CreateTestHit(t *testing.T, st store.Store, session *store.Session, location string, at time.Time) *store.Hit {
	t.Helper()
	hit := &store.Hit{
		SessionID: session.ID,
		ServiceID: session.ServiceID,
		Initial:   true,
		StartTime: at,
		LastSeen:  at,
		Tracker:   store.TrackerScript,
		Location:  location,
	}
	if err := st.CreateHit(context.Background(), hit); err != nil {
		t.Fatalf("testsupport: failed to create hit: %v", err)
	}
	return hit
}
