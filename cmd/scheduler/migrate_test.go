package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSubcommands(t *testing.T) {
	for _, name := range []string{"up", "down"} {
		t.Run(name, func(t *testing.T) {
			cmd, rest, err := rootCmd.Find([]string{"migrate", name})
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, name, cmd.Name())
			assert.Equal(t, "migrate", cmd.Parent().Name())
		})
	}
}
