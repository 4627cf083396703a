package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/app", MigrateURL("postgres://u:p@localhost:5432/app"))
	require.Equal(t, "pgx5://localhost/app", MigrateURL("postgresql://localhost/app"))
	require.Equal(t, "pgx5://localhost/app", MigrateURL("pgx5://localhost/app"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}
