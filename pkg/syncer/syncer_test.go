package syncer

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/storage"
	"github.com/bastion-games/bastion/pkg/types"
)

func newTestSyncer(t *testing.T) (*Syncer, cache.Store, storage.Store) {
	t.Helper()

	mem := cache.NewMemStore()
	t.Cleanup(func() { _ = mem.Close() })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(mem, store), mem, store
}

func markDirty(t *testing.T, mem cache.Store, class types.SyncClass, userID int64) {
	t.Helper()
	require.NoError(t, mem.SAdd(cache.DirtyKey(string(class)), strconv.FormatInt(userID, 10)))
}

func TestFlushClassPersistsDirtyUsers(t *testing.T) {
	s, mem, store := newTestSyncer(t)

	key := cache.UserKey(string(types.SyncBuilding), 1)
	require.NoError(t, mem.SetField(key, "3", `{"user_no":1,"building_idx":3,"level":2}`))
	markDirty(t, mem, types.SyncBuilding, 1)

	s.FlushClass(types.SyncBuilding)

	rows, err := store.UserRows(types.SyncBuilding, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"user_no":1,"building_idx":3,"level":2}`, string(rows["3"]))

	// The pending set drained
	pending, err := mem.SMembers(cache.DirtyKey(string(types.SyncBuilding)))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushClassPacksResources(t *testing.T) {
	s, mem, store := newTestSyncer(t)

	key := cache.UserKey(string(types.SyncResources), 7)
	require.NoError(t, mem.SetField(key, "food", "1200"))
	require.NoError(t, mem.SetField(key, "gold", "34"))
	markDirty(t, mem, types.SyncResources, 7)

	s.FlushClass(types.SyncResources)

	rows, err := store.UserRows(types.SyncResources, 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"food":1200,"gold":34}`, string(rows["r"]))
}

func TestFlushSkipsEvictedHash(t *testing.T) {
	s, mem, store := newTestSyncer(t)

	key := cache.UserKey(string(types.SyncItem), 2)
	require.NoError(t, mem.SetField(key, "10", "5"))
	markDirty(t, mem, types.SyncItem, 2)
	s.FlushClass(types.SyncItem)

	rows, err := store.UserRows(types.SyncItem, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Dirty again, then the hash evicts before the next cycle. The stored
	// rows must stay authoritative rather than be wiped.
	markDirty(t, mem, types.SyncItem, 2)
	require.NoError(t, mem.DeleteKey(key))
	s.FlushClass(types.SyncItem)

	rows, err = store.UserRows(types.SyncItem, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFlushRemovesVanishedRows(t *testing.T) {
	s, mem, store := newTestSyncer(t)

	key := cache.UserKey(string(types.SyncItem), 3)
	require.NoError(t, mem.SetField(key, "10", "5"))
	require.NoError(t, mem.SetField(key, "11", "1"))
	markDirty(t, mem, types.SyncItem, 3)
	s.FlushClass(types.SyncItem)

	// Item 11 is consumed down to zero and its field evicted
	require.NoError(t, mem.DeleteField(key, "11"))
	markDirty(t, mem, types.SyncItem, 3)
	s.FlushClass(types.SyncItem)

	rows, err := store.UserRows(types.SyncItem, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows, "10")
}

func TestFlushRequeuesFailedUser(t *testing.T) {
	s, mem, _ := newTestSyncer(t)

	// Non-integer quantity makes the codec reject the hash
	key := cache.UserKey(string(types.SyncItem), 4)
	require.NoError(t, mem.SetField(key, "10", "not-a-number"))
	markDirty(t, mem, types.SyncItem, 4)

	s.FlushClass(types.SyncItem)

	pending, err := mem.SMembers(cache.DirtyKey(string(types.SyncItem)))
	require.NoError(t, err)
	assert.Contains(t, pending, "4")
}

func TestFlushDropsMalformedMembers(t *testing.T) {
	s, mem, _ := newTestSyncer(t)

	require.NoError(t, mem.SAdd(cache.DirtyKey(string(types.SyncBuilding)), "not-a-user"))
	s.FlushClass(types.SyncBuilding)

	pending, err := mem.SMembers(cache.DirtyKey(string(types.SyncBuilding)))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainFlushesEveryClass(t *testing.T) {
	s, mem, store := newTestSyncer(t)

	for i, class := range types.SyncClasses {
		userID := int64(i + 1)
		key := cache.UserKey(string(class), userID)
		switch class {
		case types.SyncResources:
			require.NoError(t, mem.SetField(key, "food", "10"))
		case types.SyncUnit:
			require.NoError(t, mem.SetField(key, "4:ready", "2"))
			require.NoError(t, mem.SetField(key, "4:total", "2"))
		case types.SyncItem:
			require.NoError(t, mem.SetField(key, "10", "1"))
		default:
			require.NoError(t, mem.SetField(key, "1", `{"user_no":`+strconv.FormatInt(userID, 10)+`}`))
		}
		markDirty(t, mem, class, userID)
	}

	s.Drain()

	for i, class := range types.SyncClasses {
		rows, err := store.UserRows(class, int64(i+1))
		require.NoError(t, err)
		assert.NotEmpty(t, rows, string(class))
	}
}
