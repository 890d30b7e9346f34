package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClient_AppliesSchemaOnInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.DB().ExecContext(ctx, "SELECT 1 FROM game_sessions LIMIT 1")
	require.NoError(t, err)

	id, err := NextID(ctx, client, "policy_iterations_seq")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	id2, err := NextID(ctx, client, "policy_iterations_seq")
	require.NoError(t, err)
	require.Equal(t, int64(2), id2)
}

func TestHealth_ReportsHealthyForLiveConnection(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer client.Close()

	status, err := Health(ctx, client.DB())
	require.NoError(t, err)
	require.Equal(t, "healthy", status.Status)
}
