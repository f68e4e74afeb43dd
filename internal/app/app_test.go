package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/message-scheduler/internal/config"
	"github.com/Cypherspark/message-scheduler/internal/core"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func load(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	env["TOKEN_HASH_COST"] = "4"
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	return cfg
}

func TestBuildMemory(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, load(t, map[string]string{"STORE_DRIVER": "memory"}), quietLogger())
	require.NoError(t, err)
	defer a.Close()

	require.Nil(t, a.Postgres)
	require.NoError(t, a.Store.Ping(ctx))

	reg, err := a.Service.RegisterUser(ctx, core.UserRequest{Name: "ann", AuthToken: "tok"})
	require.NoError(t, err)
	msgs, err := a.Service.RetrieveAllMessages(ctx, "tok", reg.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestBuildSQLiteWithCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := Build(ctx, load(t, map[string]string{
		"STORE_DRIVER": "sqlite",
		"SQLITE_PATH":  filepath.Join(t.TempDir(), "app.db"),
		"REDIS_ADDR":   mr.Addr(),
	}), quietLogger())
	require.NoError(t, err)

	require.NoError(t, a.Store.Ping(ctx))
	require.NoError(t, a.Close())
}
