package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func sampleRecords() map[string]PersistedQuota {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return map[string]PersistedQuota{
		"gpt-4o": {
			Windows: []Window{
				{Kind: WindowMinute, Limit: 2, Used: 1, Start: start, End: start.Add(time.Minute)},
				{Kind: WindowDay, Limit: 10, Used: 4, Start: start, End: start.Add(24 * time.Hour)},
			},
			Backoff:     Backoff{ErrorCount: 2, Until: start.Add(10 * time.Minute)},
			LastUpdated: start,
		},
	}
}

func TestFileSnapshotStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	store, err := NewFileSnapshotStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleRecords()))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	rec := got["gpt-4o"]
	require.Len(t, rec.Windows, 2)
	require.Equal(t, 1, rec.Windows[0].Used)
	require.Equal(t, 2, rec.Backoff.ErrorCount)
}

func TestFileSnapshotStore_LoadMissingFile(t *testing.T) {
	store, err := NewFileSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRedisSnapshotStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisSnapshotStore(client)
	ctx := context.Background()

	// Missing key yields an empty map
	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, store.Save(ctx, sampleRecords()))

	got, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 4, got["gpt-4o"].Windows[1].Used)
}

func TestRedisSnapshotStore_BackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisSnapshotStore(client)
	mr.Close()

	err := store.Save(context.Background(), sampleRecords())
	require.Error(t, err)
}
