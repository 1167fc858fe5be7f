package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestRepos opens a throwaway sqlite database with the full schema.
func newTestRepos(t *testing.T) RepositoryManager {
	t.Helper()

	db, err := NewDatabaseConnection(&DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	})

	return NewGormRepositoryManager(db)
}
