package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	var out bytes.Buffer
	root := newRootCommand(context.Background(), logger)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpIgnoresBrokenEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("GATEWAY_TIMEOUT", "soon")

	for _, args := range [][]string{{"--help"}, {"migrate", "--help"}, {"serve", "--help"}} {
		out, err := runCLI(t, args...)
		require.NoError(t, err, args)
		require.Contains(t, out, "Usage:", args)
	}
}

func TestSubcommandReportsBrokenEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := runCLI(t, "migrate", "up")
	require.ErrorContains(t, err, `unknown STORE_DRIVER "mongo"`)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	_, err := runCLI(t, "migrate", "up")
	require.ErrorContains(t, err, "nothing to do")

	_, err = runCLI(t, "migrate", "sideways")
	require.Error(t, err)
}
