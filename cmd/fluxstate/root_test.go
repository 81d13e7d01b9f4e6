package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxstate/internal/database"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func countTables(t *testing.T, url string) int {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() { _ = database.CloseAll() })
	sf, err := database.New(database.Settings{ConnectionURL: url}).SessionFactory(ctx)
	require.NoError(t, err)
	var n int
	require.NoError(t, sf.Session().Get(ctx, &n, sf.Session().Builder().
		Select("COUNT(*)").From("sqlite_master").
		Where("type = 'table'").
		Where("name NOT LIKE 'sqlite_%'")))
	return n
}

func TestDatabaseCreateAndDrop(t *testing.T) {
	t.Setenv("FLUXSTATE_LOG_LEVEL", "info")
	url := "sqlite:///" + filepath.Join(t.TempDir(), "cli.db")

	out, err := execute(t, "database", "create", "--database-url", url)
	require.NoError(t, err, out)
	assert.Contains(t, out, "schema created")
	assert.Equal(t, 8, countTables(t, url))

	_, err = execute(t, "database", "drop", "--database-url", url)
	require.Error(t, err, "drop needs confirmation")
	assert.Equal(t, 8, countTables(t, url))

	out, err = execute(t, "database", "drop", "--yes", "--database-url", url)
	require.NoError(t, err, out)
	assert.Zero(t, countTables(t, url))
}

func TestDatabaseURLFromEnvironment(t *testing.T) {
	url := "sqlite:///" + filepath.Join(t.TempDir(), "env.db")
	t.Setenv("FLUXSTATE_DATABASE_CONNECTION_URL", url)

	_, err := execute(t, "database", "create", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, 8, countTables(t, url))
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := execute(t, "database", "create", "--database-url", "sqlite://", "--log-level", "loud")
	assert.ErrorContains(t, err, "validation")
}

func TestFlagOverridesOnlyChangedFlags(t *testing.T) {
	cmd := RootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--echo", "--timeout", "3s"}))
	assert.Equal(t, map[string]any{
		"database.echo":    "true",
		"database.timeout": "3s",
	}, flagOverrides(cmd))
}
