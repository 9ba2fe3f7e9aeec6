package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cvchapchap/internal/database"
	"cvchapchap/internal/preview"
)

func TestGenerateRandomPassword(t *testing.T) {
	a, err := generateRandomPassword(24)
	require.NoError(t, err)
	b, err := generateRandomPassword(0)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.Len(t, b, 32)
	assert.NotEqual(t, a, b)
}

func TestLoadDatabaseConfig(t *testing.T) {
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "6543")
	t.Setenv("POSTGRES_DB", "cv")
	t.Setenv("POSTGRES_USER", "cv")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("DATABASE_SSLMODE", "")

	cfg, err := loadDatabaseConfig("", 0, "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)

	cfg, err = loadDatabaseConfig("db", 5432, "other", "", "", "require")
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.Name)
	assert.Equal(t, "require", cfg.SSLMode)

	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DB_PASSWORD", "")
	_, err = loadDatabaseConfig("", 0, "", "", "", "")
	assert.Error(t, err)
}

func TestSeedBuiltinTemplates(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	require.NoError(t, db.Create(&database.Template{Slug: "modern", Name: "Mine", Body: "<p></p>", IsActive: true}).Error)

	seeded, err := seedBuiltinTemplates(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, seeded, len(preview.BuiltinIDs)-1)
	for _, tpl := range seeded {
		assert.NotEqual(t, "modern", tpl.Slug)
		assert.NoError(t, preview.ParseCustom(tpl.Body))
	}

	again, err := seedBuiltinTemplates(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, again)
}
