package vectorcache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmux/ragmux/internal/query"
)

func openTestLedger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestChunkUUIDIsDeterministic(t *testing.T) {
	a := chunkUUID(query.SourceJira, "doc-1", 3)
	b := chunkUUID(query.SourceJira, "doc-1", 3)
	c := chunkUUID(query.SourceJira, "doc-1", 4)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLedgerKeyIsStablePerNaturalKey(t *testing.T) {
	k1 := ledgerKey(query.SourceSlack, "doc-9", 0)
	k2 := ledgerKey(query.SourceSlack, "doc-9", 0)
	k3 := ledgerKey(query.SourceSlack, "doc-9", 1)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestRecordHitBumpsExistingEntryAndIgnoresUnknown(t *testing.T) {
	db := openTestLedger(t)
	cache := &VectorCache{ledger: db, cfg: DefaultConfig()}

	key := ledgerKey(query.SourceGithub, "doc-1", 0)
	initial := ledgerRecord{WeaviateId: "w-1", Version: 1, InsertedAt: time.Now(), LastHitAt: time.Time{}, HitCount: 0}
	encoded, err := json.Marshal(initial)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error { return txn.Set(key, encoded) }))

	now := time.Now()
	cache.recordHit(query.SourceGithub, "doc-1", 0, now)

	var rec ledgerRecord
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	}))
	assert.Equal(t, 1, rec.HitCount)
	assert.WithinDuration(t, now, rec.LastHitAt, time.Second)

	// Hitting an unregistered key must not panic or error.
	cache.recordHit(query.SourceGithub, "nonexistent", 0, now)
}

func TestEvictKeepsMostRecentWhenUnderNoWeaviateNeeded(t *testing.T) {
	db := openTestLedger(t)
	cache := &VectorCache{ledger: db, cfg: Config{Capacity: 100}}

	now := time.Now()
	for i := 0; i < 3; i++ {
		rec := ledgerRecord{WeaviateId: "w", Version: 1, InsertedAt: now, LastHitAt: now.Add(time.Duration(i) * time.Minute)}
		encoded, err := json.Marshal(rec)
		require.NoError(t, err)
		key := ledgerKey(query.SourceJira, "doc", i)
		require.NoError(t, db.Update(func(txn *badger.Txn) error { return txn.Set(key, encoded) }))
	}

	evicted, err := cache.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, evicted, "under capacity: nothing should be evicted, and Weaviate must not be touched")
}
