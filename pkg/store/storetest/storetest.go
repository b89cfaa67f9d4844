// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// Open returns a migrated in-memory store that is closed when the test ends.
func Open(t testing.TB) *store.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db, store.SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}
