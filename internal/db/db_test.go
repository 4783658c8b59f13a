package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MemoryDefaults(t *testing.T) {
	conn, err := Open()
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t (v) VALUES ('a')")
	require.NoError(t, err)

	var n int
	require.NoError(t, conn.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestOpen_FileCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cards.db")

	conn, err := Open(WithPath(path), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer conn.Close()

	assert.DirExists(t, filepath.Dir(path))
	assert.FileExists(t, path)
}

func TestOpen_CustomPragmas(t *testing.T) {
	conn, err := Open(WithPragmas("PRAGMA foreign_keys=ON;"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec("CREATE TABLE t2 (id INTEGER PRIMARY KEY)")
	assert.NoError(t, err)
}
