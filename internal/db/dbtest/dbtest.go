// Package dbtest opens throwaway in-memory databases for package tests.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
)

// Open returns a migrated sqlite in-memory database that lives until the
// test ends. Foreign keys are enabled so cascade semantics match postgres.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := db.Open(db.Config{
		Driver:   "sqlite",
		DSN:      "file::memory:?_pragma=foreign_keys(1)",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := database.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return database
}
