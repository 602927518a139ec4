package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, s.Migrate(ctx))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "initial_schema", ms[0].name)
	assert.NotEmpty(t, ms[0].stmts)
}

func TestLoadMigrations_OrderAndNames(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_add_index.sql": {Data: []byte("CREATE INDEX i ON t (a);")},
		"migrations/002_tables.sql":    {Data: []byte("CREATE TABLE t (a TEXT);")},
		"migrations/README.md":         {Data: []byte("notes")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 2, ms[0].version)
	assert.Equal(t, "tables", ms[0].name)
	assert.Equal(t, 10, ms[1].version)

	_, err = loadMigrations(fstest.MapFS{"migrations/initial.sql": {Data: []byte("SELECT 1;")}})
	assert.Error(t, err)

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("SELECT 1;")},
		"migrations/1_b.sql":   {Data: []byte("SELECT 2;")},
	})
	assert.Error(t, err)
}

func TestSQLStatements(t *testing.T) {
	stmts := sqlStatements(`
-- runs
CREATE TABLE a (id TEXT);
  -- indented comment; with a semicolon
CREATE INDEX ia ON a (id);

`)
	assert.Equal(t, []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX ia ON a (id)"}, stmts)
	assert.Empty(t, sqlStatements("-- only a comment\n"))
}
