package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
	"opsync/internal/session"
)

func TestOpenWithoutConfigFile(t *testing.T) {
	t.Setenv("OPSYNC_JWT_SECRET", "")
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close()

	snap := rt.Stream.Snapshot()
	assert.True(t, snap.Loaded)
	assert.Equal(t, domain.DefaultOperationName, snap.Name)

	m, err := rt.Engine.AddMission(ctx, session.AdministratorSession{}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.MissionPrimary, m.Type)
}

func TestOpenRequiresSecretForServing(t *testing.T) {
	t.Setenv("OPSYNC_JWT_SECRET", "")
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), RequireSecret: true})
	require.Error(t, err)
}
