package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	assert.Contains(t, names, "0001_init.up.sql")
	assert.Contains(t, names, "0001_init.down.sql")
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
}
