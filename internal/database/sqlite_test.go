package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsSorted(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		ms, err := loadMigrations(dialect)
		require.NoError(t, err)
		require.NotEmpty(t, ms, dialect)
		for i := 1; i < len(ms); i++ {
			assert.Less(t, ms[i-1].version, ms[i].version)
		}
		assert.Equal(t, 1, ms[0].version)
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	// Re-running must skip recorded versions.
	require.NoError(t, RunSQLiteMigrations(db))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteOneActiveSessionIndex(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO users (id, name, email, role, created_at) VALUES ('u1', 'U', 'u@x', 'employee', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)

	insert := `INSERT INTO work_sessions (id, owner_id, custom_task, day, status, open_since, created_at, updated_at)
		VALUES (?, 'u1', 'task', '2025-01-01', 'active', '2025-01-01T09:00:00Z', '2025-01-01T09:00:00Z', '2025-01-01T09:00:00Z')`
	_, err = db.Exec(insert, "s1")
	require.NoError(t, err)
	_, err = db.Exec(insert, "s2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")
}

func TestSQLiteRejectsOpenSinceOnPausedSession(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO users (id, name, email, role, created_at) VALUES ('u1', 'U', 'u@x', 'employee', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO work_sessions (id, owner_id, custom_task, day, status, open_since, created_at, updated_at)
		VALUES ('s1', 'u1', 'task', '2025-01-01', 'paused', '2025-01-01T09:00:00Z', '2025-01-01T09:00:00Z', '2025-01-01T09:00:00Z')`)
	require.Error(t, err)
}
