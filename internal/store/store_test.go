package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract общие проверки для всех бэкендов
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("Heartbeat round trip", func(t *testing.T) {
		before := time.Now().Add(-time.Second)
		require.NoError(t, s.SaveZoneHeartbeat(ctx, "_mainZone", 5))

		hb, found, err := s.LoadZoneHeartbeat(ctx, "_mainZone")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 5, hb.PlayersOnline)
		assert.True(t, hb.SavedAt.After(before), "SavedAt=%v", hb.SavedAt)
		assert.WithinDuration(t, time.Now(), hb.SavedAt, 5*time.Second)
	})

	t.Run("Heartbeat overwrite", func(t *testing.T) {
		require.NoError(t, s.SaveZoneHeartbeat(ctx, "overwrite", 1))
		require.NoError(t, s.SaveZoneHeartbeat(ctx, "overwrite", 7))

		hb, found, err := s.LoadZoneHeartbeat(ctx, "overwrite")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 7, hb.PlayersOnline)
	})

	t.Run("Missing heartbeat", func(t *testing.T) {
		_, found, err := s.LoadZoneHeartbeat(ctx, "never-saved")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Empty zone name", func(t *testing.T) {
		assert.ErrorIs(t, s.SaveZoneHeartbeat(ctx, "", 1), ErrInvalidKey)
		_, _, err := s.LoadZoneHeartbeat(ctx, " ")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("Player round trip", func(t *testing.T) {
		rec := PlayerRecord{Name: "Alice", Zone: "Cave", Anchor: "spawn1", Position: vec.New(10, 0, -2.5)}
		require.NoError(t, s.SavePlayer(ctx, rec))

		got, found, err := s.LoadPlayer(ctx, "Alice")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "Cave", got.Zone)
		assert.Equal(t, "spawn1", got.Anchor)
		assert.Equal(t, rec.Position, got.Position)
		assert.False(t, got.UpdatedAt.IsZero())

		rec.Zone = "Forest"
		rec.Anchor = ""
		require.NoError(t, s.SavePlayer(ctx, rec))
		got, _, err = s.LoadPlayer(ctx, "Alice")
		require.NoError(t, err)
		assert.Equal(t, "Forest", got.Zone)
		assert.Empty(t, got.Anchor)
	})

	t.Run("Missing player", func(t *testing.T) {
		_, found, err := s.LoadPlayer(ctx, "Nobody")
		require.NoError(t, err)
		assert.False(t, found)
		assert.ErrorIs(t, s.SavePlayer(ctx, PlayerRecord{}), ErrInvalidKey)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreContract(t, s)
}

func TestMemoryStore_InjectedClock(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }

	require.NoError(t, s.SaveZoneHeartbeat(context.Background(), "main", 0))
	hb, _, err := s.LoadZoneHeartbeat(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, fixed, hb.SavedAt)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveZoneHeartbeat(ctx, "main", 0), context.Canceled)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "повторное закрытие безопасно")
	assert.Error(t, s.SaveZoneHeartbeat(context.Background(), "main", 0))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.db")
	s, err := NewSQLiteStore(context.Background(), SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStore_SharedBetweenHandles(t *testing.T) {
	// main zone и sub-zone на одном хосте открывают один файл
	path := filepath.Join(t.TempDir(), "zones.db")
	ctx := context.Background()

	mainStore, err := NewSQLiteStore(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer mainStore.Close()
	subStore, err := NewSQLiteStore(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer subStore.Close()

	require.NoError(t, mainStore.SaveZoneHeartbeat(ctx, "_mainZone", 3))
	hb, found, err := subStore.LoadZoneHeartbeat(ctx, "_mainZone")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, hb.PlayersOnline)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: "badger", Badger: BadgerConfig{InMemory: true}})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "cassandra"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "maria"})
	assert.Error(t, err, "MariaDB без DSN")
}

// TestRedisStore интеграционный тест, нужен запущенный Redis
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ZONE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ZONE_TEST_REDIS_ADDR не задан")
	}

	s, err := NewRedisStore(context.Background(), &RedisConfig{Addr: addr, KeyPrefix: "mmo:zone:test:"})
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

// TestMongoStore интеграционный тест, нужен запущенный MongoDB
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("ZONE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ZONE_TEST_MONGO_URI не задан")
	}

	s, err := NewMongoStore(context.Background(), MongoConfig{URI: uri, Database: "mmo_zones_test"})
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}
