package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_MigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkin.db")

	db, err := Open(path)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n))
	require.Equal(t, 0, n)
	require.NoError(t, db.Close())

	// Second open finds no pending migrations.
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var sync int
	require.NoError(t, db.QueryRow(`PRAGMA synchronous`).Scan(&sync))
	require.Equal(t, 2, sync, "synchronous should be FULL")

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	require.Equal(t, 1, fk)
}
