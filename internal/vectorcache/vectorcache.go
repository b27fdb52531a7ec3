// Package vectorcache implements the VectorCache: a semantic cache of
// previously-fetched, chunked, and embedded Documents, queried by cosine
// similarity and evicted by least-recent-hit when over capacity.
//
// Two stores do two distinct jobs. Weaviate (weaviate-go-client/v5) answers
// the k-NN/cosine query via its NearVectorArgBuilder + GraphQL().Get()
// pattern, and its ObjectsBatcher for insert. dgraph-io/badger/v4 is a
// local, crash-safe key-value ledger for the cache's own bookkeeping —
// insert idempotency keyed by (source, doc_id, ordinal), hit counts, and
// last_hit_at for LRU eviction — state Weaviate's schema has no native
// concept of and that must survive a process crash mid-write (Badger's
// WAL+value-log makes a half-written batch non-corrupting).
package vectorcache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/ragmux/ragmux/internal/query"
)

const className = "RagmuxChunk"

// Config holds the cache's capacity and similarity floor.
type Config struct {
	Capacity       int     // max ledger entries before Evict trims the coldest
	MinCertainty   float32 // Weaviate "certainty" floor; below this a hit doesn't count
}

// DefaultConfig caps the ledger at 50,000 entries with a 0.75 certainty
// floor for a hit to count.
func DefaultConfig() Config {
	return Config{Capacity: 50_000, MinCertainty: 0.75}
}

// VectorCache is the combined Weaviate+Badger cache.
type VectorCache struct {
	weaviate *weaviate.Client
	ledger   *badger.DB
	cfg      Config
}

// New wires an already-constructed Weaviate client and an opened Badger
// handle together. Both are owned by the caller (cmd/ragmux's startup
// wiring) and outlive any single VectorCache.
func New(w *weaviate.Client, ledger *badger.DB, cfg Config) *VectorCache {
	return &VectorCache{weaviate: w, ledger: ledger, cfg: cfg}
}

// ledgerRecord is the Badger-side bookkeeping entry for one chunk, keyed by
// (source, doc_id, ordinal).
type ledgerRecord struct {
	WeaviateId string    `json:"weaviate_id"`
	Version    int       `json:"version"`
	InsertedAt time.Time `json:"inserted_at"`
	LastHitAt  time.Time `json:"last_hit_at"`
	HitCount   int       `json:"hit_count"`
}

func ledgerKey(source query.SourceId, docId string, ordinal int) []byte {
	return []byte(fmt.Sprintf("chunk:%s:%s:%d", source, docId, ordinal))
}

// Query runs a cosine nearVector search and returns hits above MinCertainty,
// bumping each hit's Badger-side LastHitAt/HitCount for LRU purposes.
func (c *VectorCache) Query(ctx context.Context, vector []float32, limit int) ([]query.CacheEntry, error) {
	nearVector := c.weaviate.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "doc_id"},
		{Name: "source"},
		{Name: "title"},
		{Name: "url"},
		{Name: "text"},
		{Name: "token_count"},
		{Name: "ordinal"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := c.weaviate.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectorcache: query: %w", err)
	}

	parsed, err := parseChunkQueryResponse(result)
	if err != nil {
		return nil, fmt.Errorf("vectorcache: parse response: %w", err)
	}

	now := time.Now()
	entries := make([]query.CacheEntry, 0, len(parsed))
	for _, r := range parsed {
		if r.Additional.Certainty == nil || *r.Additional.Certainty < c.cfg.MinCertainty {
			continue
		}
		source := query.SourceId(r.Source)
		entries = append(entries, query.CacheEntry{
			Chunk: query.Chunk{
				Id:         r.ChunkId,
				DocId:      r.DocId,
				Source:     source,
				Title:      r.Title,
				Url:        r.Url,
				Text:       r.Text,
				TokenCount: r.TokenCount,
				Ordinal:    r.Ordinal,
			},
			Embedding: query.Embedding{Vector: vector},
			LastHitAt: now,
		})
		c.recordHit(source, r.DocId, r.Ordinal, now)
	}
	return entries, nil
}

func (c *VectorCache) recordHit(source query.SourceId, docId string, ordinal int, at time.Time) {
	key := ledgerKey(source, docId, ordinal)
	_ = c.ledger.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return nil // unknown to the ledger; the hit still happened, nothing to bump
		}
		var rec ledgerRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return nil
		}
		rec.LastHitAt = at
		rec.HitCount++
		encoded, err := json.Marshal(rec)
		if err != nil {
			return nil
		}
		return txn.Set(key, encoded)
	})
}

// Insert idempotently writes entries into both stores: a re-insert of a
// (source, doc_id, ordinal) already present in the ledger is a no-op for
// Weaviate (the object keeps its existing vector/properties) and bumps only
// the ledger's Version.
func (c *VectorCache) Insert(ctx context.Context, entries []query.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	fresh := make([]query.CacheEntry, 0, len(entries))
	now := time.Now()

	for _, e := range entries {
		key := ledgerKey(e.Chunk.Source, e.Chunk.DocId, e.Chunk.Ordinal)
		exists := false
		_ = c.ledger.View(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			exists = err == nil
			return nil
		})
		if exists {
			_ = c.ledger.Update(func(txn *badger.Txn) error {
				item, err := txn.Get(key)
				if err != nil {
					return nil
				}
				var rec ledgerRecord
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
					return nil
				}
				rec.Version++
				encoded, err := json.Marshal(rec)
				if err != nil {
					return nil
				}
				return txn.Set(key, encoded)
			})
			continue
		}
		fresh = append(fresh, e)
	}

	if len(fresh) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(fresh))
	weaviateIds := make([]string, 0, len(fresh))
	for _, e := range fresh {
		id := chunkUUID(e.Chunk.Source, e.Chunk.DocId, e.Chunk.Ordinal)
		weaviateIds = append(weaviateIds, id)
		objects = append(objects, &models.Object{
			Class:  className,
			ID:     strfmt.UUID(id),
			Vector: e.Embedding.Vector,
			Properties: map[string]interface{}{
				"chunk_id":    e.Chunk.Id,
				"doc_id":      e.Chunk.DocId,
				"source":      string(e.Chunk.Source),
				"title":       e.Chunk.Title,
				"url":         e.Chunk.Url,
				"text":        e.Chunk.Text,
				"token_count": e.Chunk.TokenCount,
				"ordinal":     e.Chunk.Ordinal,
			},
		})
	}

	resp, err := c.weaviate.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("vectorcache: batch insert: %w", err)
	}

	for i, item := range resp {
		if item.Result == nil || item.Result.Status == nil || *item.Result.Status != "SUCCESS" {
			continue
		}
		rec := ledgerRecord{
			WeaviateId: weaviateIds[i],
			Version:    1,
			InsertedAt: now,
			LastHitAt:  now,
			HitCount:   0,
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		key := ledgerKey(fresh[i].Chunk.Source, fresh[i].Chunk.DocId, fresh[i].Chunk.Ordinal)
		_ = c.ledger.Update(func(txn *badger.Txn) error {
			return txn.Set(key, encoded)
		})
	}
	return nil
}

// evictCandidate pairs a ledger key with its decoded record, for sorting by
// LastHitAt during eviction.
type evictCandidate struct {
	key string
	rec ledgerRecord
}

// Evict trims the ledger (and the matching Weaviate objects) down to
// Capacity, removing the least-recently-hit entries first. It is the
// capacity-driven analogue of ttl/session_cleaner.go's cascading delete,
// repurposed from session-expiry TTL to LRU-by-hit.
func (c *VectorCache) Evict(ctx context.Context) (int, error) {
	var candidates []evictCandidate
	err := c.ledger.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte("chunk:")); it.ValidForPrefix([]byte("chunk:")); it.Next() {
			item := it.Item()
			var rec ledgerRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				continue
			}
			candidates = append(candidates, evictCandidate{key: string(item.KeyCopy(nil)), rec: rec})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("vectorcache: scan ledger: %w", err)
	}

	if len(candidates) <= c.cfg.Capacity {
		return 0, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rec.LastHitAt.Before(candidates[j].rec.LastHitAt)
	})
	toEvict := candidates[:len(candidates)-c.cfg.Capacity]

	evicted := 0
	for _, cand := range toEvict {
		if err := c.weaviate.Data().Deleter().
			WithClassName(className).
			WithID(cand.rec.WeaviateId).
			Do(ctx); err != nil {
			continue // leave the ledger entry; a later pass retries it
		}
		if err := c.ledger.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(cand.key))
		}); err != nil {
			continue
		}
		evicted++
	}
	return evicted, nil
}

type chunkQueryResponse struct {
	Get struct {
		RagmuxChunk []chunkResult `json:"RagmuxChunk"`
	} `json:"Get"`
}

type chunkResult struct {
	ChunkId    string `json:"chunk_id"`
	DocId      string `json:"doc_id"`
	Source     string `json:"source"`
	Title      string `json:"title"`
	Url        string `json:"url"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	Ordinal    int    `json:"ordinal"`
	Additional struct {
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

func parseChunkQueryResponse(resp *models.GraphQLResponse) ([]chunkResult, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	encoded, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, err
	}
	var parsed chunkQueryResponse
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return nil, err
	}
	return parsed.Get.RagmuxChunk, nil
}

// chunkUUID derives a deterministic Weaviate object id from the chunk's
// natural key, so a re-insert of the same (source, doc_id, ordinal) always
// targets the same object rather than creating a duplicate. Grounded on
// handlers/documents.go's sha256-then-uuid.FromBytes derivation.
func chunkUUID(source query.SourceId, docId string, ordinal int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", source, docId, ordinal)))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

// EnsureSchema creates the RagmuxChunk class if it does not already exist;
// callers run this once at startup.
func EnsureSchema(ctx context.Context, w *weaviate.Client) error {
	exists, err := w.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return fmt.Errorf("vectorcache: check schema: %w", err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:      className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "chunk_id", DataType: []string{"text"}},
			{Name: "doc_id", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "title", DataType: []string{"text"}},
			{Name: "url", DataType: []string{"text"}},
			{Name: "text", DataType: []string{"text"}},
			{Name: "token_count", DataType: []string{"int"}},
			{Name: "ordinal", DataType: []string{"int"}},
		},
	}
	return w.Schema().ClassCreator().WithClass(class).Do(ctx)
}
