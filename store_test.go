package clinicsync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := NewStore(NewMemoryBackend(0), 0, opts...)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend(0) },
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"), 0)
			require.NoError(t, err)
			return b
		},
	}
}

// ============================================================================
// Backends
// ============================================================================

func TestBackendContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			defer b.Close()

			_, err := b.Get(ctx, "entity/patient", "p1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Apply(ctx, []Mutation{
				{Collection: "entity/patient", Key: "p2", Value: []byte(`{"n":2}`)},
				{Collection: "entity/patient", Key: "p1", Value: []byte(`{"n":1}`)},
				{Collection: "pending_operations", Key: "op1", Value: []byte(`{}`)},
			}))

			v, err := b.Get(ctx, "entity/patient", "p1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"n":1}`, string(v))

			recs, err := b.List(ctx, "entity/patient")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "p1", recs[0].Key)
			assert.Equal(t, "p2", recs[1].Key)

			colls, err := b.Collections(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"entity/patient", "pending_operations"}, colls)

			require.NoError(t, b.Apply(ctx, []Mutation{
				{Collection: "entity/patient", Key: "p1", Delete: true},
				{Collection: "entity/patient", Key: "missing", Delete: true},
			}))
			recs, err = b.List(ctx, "entity/patient")
			require.NoError(t, err)
			assert.Len(t, recs, 1)

			require.NoError(t, b.DropCollection(ctx, "entity/patient"))
			colls, err = b.Collections(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"pending_operations"}, colls)
		})
	}
}

func TestSQLiteBackendPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.db")

	b, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, []Mutation{{Collection: "sync_info", Key: "current", Value: []byte(`{"syncStatus":"idle"}`)}}))
	require.NoError(t, b.Close())

	b, err = OpenSQLite(path, 0)
	require.NoError(t, err)
	defer b.Close()
	v, err := b.Get(ctx, "sync_info", "current")
	require.NoError(t, err)
	assert.JSONEq(t, `{"syncStatus":"idle"}`, string(v))
}

func TestMemoryBackendQuota(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(64)

	require.NoError(t, b.Apply(ctx, []Mutation{{Collection: "c", Key: "a", Value: make([]byte, 40)}}))
	err := b.Apply(ctx, []Mutation{
		{Collection: "c", Key: "b", Value: make([]byte, 10)},
		{Collection: "c", Key: "c", Value: make([]byte, 40)},
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// A rejected batch leaves nothing behind.
	_, err = b.Get(ctx, "c", "b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 41, b.Size())

	// Shrinking writes are always allowed.
	require.NoError(t, b.Apply(ctx, []Mutation{{Collection: "c", Key: "a", Value: make([]byte, 4)}}))
	assert.EqualValues(t, 5, b.Size())
}

// ============================================================================
// Store
// ============================================================================

func TestStoreInitSeedsSyncInfo(t *testing.T) {
	s := newTestStore(t)
	info, err := s.SyncInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncIdle, info.Status)
	assert.Zero(t, info.LastSync)
}

func TestStoreEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.Error(t, s.PutEntity(ctx, &OfflineEntity{EntityType: "patient"}))
	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{ID: "1", EntityType: "patient", Data: map[string]any{"name": "Ana"}, SyncStatus: StatusSynced}))
	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{ID: "7", EntityType: "appointment", SyncStatus: StatusSynced}))

	e, err := s.GetEntity(ctx, "patient", "1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", e.Data["name"])

	types, err := s.EntityTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"appointment", "patient"}, types)

	require.NoError(t, s.UpdateEntity(ctx, "patient", "1", func(e *OfflineEntity) error {
		e.Data["name"] = "Ana Paula"
		return nil
	}))
	e, err = s.GetEntity(ctx, "patient", "1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Paula", e.Data["name"])

	err = s.UpdateEntity(ctx, "patient", "404", func(*OfflineEntity) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteEntity(ctx, "patient", "1"))
	_, err = s.GetEntity(ctx, "patient", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreReplaceEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tmp := NewLocalID()

	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{
		ID: tmp, LocalID: tmp, EntityType: "patient", OfflineCreated: true,
		Data: map[string]any{"name": "Ana"}, SyncStatus: StatusPending,
	}))
	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{
		ID: "a1", EntityType: "appointment", SyncStatus: StatusPending,
		Data: map[string]any{"patientId": tmp, "notes": []any{"first", map[string]any{"ref": tmp}}},
	}))
	require.NoError(t, s.update(ctx, func(tx *txn) error {
		return tx.putOp(&PendingOperation{
			ID: "op-1", Operation: OpUpdate, EntityType: "patient", EntityID: tmp,
			Endpoint: "/api/patients", Payload: map[string]any{"guardian": tmp}, Priority: 2,
		})
	}))

	server := &OfflineEntity{ID: "42", EntityType: "patient", Data: map[string]any{"id": "42", "name": "Ana"}, SyncStatus: StatusSynced}
	require.NoError(t, s.ReplaceEntity(ctx, tmp, server))

	got, err := s.GetEntity(ctx, "patient", "42")
	require.NoError(t, err)
	assert.Equal(t, tmp, got.LocalID)

	// The temp id still resolves through its alias.
	viaAlias, err := s.GetEntity(ctx, "patient", tmp)
	require.NoError(t, err)
	assert.Equal(t, "42", viaAlias.ID)
	assert.Equal(t, "42", s.ResolveID(ctx, "patient", tmp))
	assert.Equal(t, "99", s.ResolveID(ctx, "patient", "99"))

	patients, err := s.ListEntities(ctx, "patient")
	require.NoError(t, err)
	require.Len(t, patients, 1)

	appt, err := s.GetEntity(ctx, "appointment", "a1")
	require.NoError(t, err)
	assert.Equal(t, "42", appt.Data["patientId"])
	notes := appt.Data["notes"].([]any)
	assert.Equal(t, "42", notes[1].(map[string]any)["ref"])

	var op *PendingOperation
	require.NoError(t, s.view(ctx, func(tx *txn) error {
		var err error
		op, err = tx.getOp("op-1")
		return err
	}))
	assert.Equal(t, "42", op.EntityID)
	assert.Equal(t, "42", op.Payload["guardian"])
}

func TestStoreQuotaEvictsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(1000)
	s := NewStore(backend, time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, s.Init(ctx))

	old := now.Add(-2 * time.Hour)
	require.NoError(t, s.PutCached(ctx, "v1", &CachedResponse{Key: "GET /api/user", Status: 200, Body: make([]byte, 300), StoredAt: old}))
	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{ID: "s", EntityType: "patient", SyncStatus: StatusSynced, LastModified: old.UnixMilli(), Data: map[string]any{"pad": strings.Repeat("x", 100)}}))
	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{ID: "p", EntityType: "patient", SyncStatus: StatusPending, LastModified: old.UnixMilli()}))

	// Does not fit until the stale cache entry and synced entity are gone.
	require.NoError(t, s.PutCached(ctx, "v1", &CachedResponse{Key: "GET /api/facilities", Status: 200, Body: make([]byte, 300)}))

	_, err := s.GetCached(ctx, "v1", "GET /api/user")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEntity(ctx, "patient", "s")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEntity(ctx, "patient", "p")
	assert.NoError(t, err, "unsynced entities survive eviction")
	_, err = s.GetCached(ctx, "v1", "GET /api/facilities")
	assert.NoError(t, err)
}

func TestStoreQuotaEvictsExpiredSQLite(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend, err := OpenSQLite(filepath.Join(t.TempDir(), "quota.db"), 64<<10)
	require.NoError(t, err)
	s := NewStore(backend, time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{ID: "p", EntityType: "patient", SyncStatus: StatusPending, LastModified: now.UnixMilli()}))

	// Fill the file while nothing is old enough to evict.
	stored := 0
	for ; stored < 64; stored++ {
		err = s.PutCached(ctx, "v1", &CachedResponse{Key: fmt.Sprintf("GET /assets/%d", stored), Status: 200, Body: make([]byte, 4096)})
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.Positive(t, stored)

	now = now.Add(2 * time.Hour)
	require.NoError(t, s.PutCached(ctx, "v1", &CachedResponse{Key: "GET /api/facilities", Status: 200, Body: make([]byte, 4096)}))

	_, err = s.GetCached(ctx, "v1", "GET /assets/0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCached(ctx, "v1", "GET /api/facilities")
	assert.NoError(t, err)
	_, err = s.GetEntity(ctx, "patient", "p")
	assert.NoError(t, err, "unsynced entities survive eviction")
}

func TestStoreQuotaStillExceeded(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend(100), 0)
	err := s.PutCached(ctx, "v1", &CachedResponse{Key: "big", Body: make([]byte, 500)})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestStoreCacheGenerations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutCached(ctx, "v1", &CachedResponse{Key: "a", Status: 200}))
	require.NoError(t, s.PutCached(ctx, "v2", &CachedResponse{Key: "b", Status: 200}))

	gens, err := s.CacheGenerations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, gens)

	require.NoError(t, s.DropCacheGeneration(ctx, "v1"))
	gens, err = s.CacheGenerations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, gens)

	require.NoError(t, s.DeleteCached(ctx, "v2", "b"))
	list, err := s.ListCached(ctx, "v2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStoreClearAllAndUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutEntity(ctx, &OfflineEntity{ID: "1", EntityType: "patient"}))
	require.NoError(t, s.UpdateSyncInfo(ctx, func(info *SyncInfo) { info.PendingChanges = 3 }))

	usage, err := s.Usage(ctx)
	require.NoError(t, err)
	var colls []string
	for _, u := range usage {
		colls = append(colls, u.Collection)
		assert.Positive(t, u.Bytes)
	}
	assert.Contains(t, colls, "entity/patient")
	assert.Contains(t, colls, "sync_info")

	require.NoError(t, s.ClearAll(ctx))
	types, err := s.EntityTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, types)
	info, err := s.SyncInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.PendingChanges)
	assert.Equal(t, SyncIdle, info.Status)
}
