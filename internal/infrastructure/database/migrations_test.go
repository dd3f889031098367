package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"20260101_000000_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"20260102_000000_gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
		"README.md":                        {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	require.NoError(t, err)
	return count == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()

	require.NoError(t, db.Migrate(ctx, fsys))
	assert.True(t, tableExists(t, db, "widgets"))
	assert.True(t, tableExists(t, db, "gadgets"))

	applied, pending, err := db.MigrationStatus(ctx, fsys)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Empty(t, pending)

	// Idempotent.
	require.NoError(t, db.Migrate(ctx, fsys))
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"20260101_000000_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"20260101_000000_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
	}
	require.NoError(t, db.Migrate(ctx, fsys))
	require.NoError(t, db.MigrateDown(ctx, fsys))
	assert.False(t, tableExists(t, db, "widgets"))

	// Nothing left to roll back.
	assert.NoError(t, db.MigrateDown(ctx, fsys))
}

func TestMigrateDown_NoDownSQL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"20260102_000000_gadgets.up.sql": {Data: []byte("CREATE TABLE gadgets (id INTEGER);")},
	}
	require.NoError(t, db.Migrate(ctx, fsys))
	assert.Error(t, db.MigrateDown(ctx, fsys))
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations(testMigrations())
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "20260101_000000", migrations[0].Version)
	assert.Equal(t, "widgets", migrations[0].Name)
	assert.NotEmpty(t, migrations[0].DownSQL)
	assert.Equal(t, "gadgets", migrations[1].Name)
	assert.Empty(t, migrations[1].DownSQL)

	none, err := LoadMigrations(nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoadMigrations_OrphanDown(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{
		"20260101_000000_x.down.sql": {Data: []byte("DROP TABLE x;")},
	})
	assert.Error(t, err)
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name    string
		version string
		isUp    bool
		ok      bool
	}{
		{"20260118_120000_initial.up.sql", "20260118_120000", true, true},
		{"20260118_120000_initial.down.sql", "20260118_120000", false, true},
		{"20260118_120000_initial.sql", "", false, false},
		{"notes.txt", "", false, false},
		{"single.up.sql", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.name)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.isUp, isUp)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
