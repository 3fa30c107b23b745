package quota

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// PersistedQuota is the durable form of one model's counters. The snapshot
// format is an implementation detail, not a compatibility contract;
// cross-restart precision is explicitly not guaranteed.
type PersistedQuota struct {
	Windows     []Window  `json:"windows"`
	Backoff     Backoff   `json:"backoff"`
	LastUpdated time.Time `json:"last_updated"`
}

// SnapshotStore persists quota counters as a durability aid. Implementations
// must be safe for concurrent use.
type SnapshotStore interface {
	Save(ctx context.Context, records map[string]PersistedQuota) error
	Load(ctx context.Context) (map[string]PersistedQuota, error)
}

// FileSnapshotStore persists snapshots to a local JSON file.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a file-backed snapshot store, creating the
// parent directory if needed.
func NewFileSnapshotStore(path string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{path: path}, nil
}

// Save writes the snapshot atomically via a temp file rename.
func (f *FileSnapshotStore) Save(_ context.Context, records map[string]PersistedQuota) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Load reads the snapshot file. A missing file yields an empty map.
func (f *FileSnapshotStore) Load(_ context.Context) (map[string]PersistedQuota, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]PersistedQuota{}, nil
		}
		return nil, err
	}

	records := make(map[string]PersistedQuota)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// redisSnapshotKey is the key holding the serialized snapshot map.
const redisSnapshotKey = "streamgate:quota:snapshot"

// RedisSnapshotStore persists snapshots to a Redis key. This is still a
// single-process durability aid, not a cross-process consistency mechanism.
type RedisSnapshotStore struct {
	client *redis.Client
	key    string
}

// NewRedisSnapshotStore creates a Redis-backed snapshot store.
func NewRedisSnapshotStore(client *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client: client,
		key:    redisSnapshotKey,
	}
}

// Save serializes and stores the snapshot map.
func (r *RedisSnapshotStore) Save(ctx context.Context, records map[string]PersistedQuota) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// Load reads the snapshot map. A missing key yields an empty map.
func (r *RedisSnapshotStore) Load(ctx context.Context) (map[string]PersistedQuota, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return map[string]PersistedQuota{}, nil
		}
		return nil, err
	}

	records := make(map[string]PersistedQuota)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
