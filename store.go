package clinicsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collection families.
const (
	collEntity   = "entity"
	collOps      = "pending_operations"
	collCache    = "cache"
	collOutbox   = "outbox"
	collSyncInfo = "sync_info"
	collAlias    = "id_alias"

	syncInfoKey = "current"
)

// Store is the Durable Store: typed access to entities, pending
// operations, cached responses, the channel outbox and sync bookkeeping
// on top of a Backend.
//
// Every read-modify-write runs under one mutex so no two accessors
// interleave their get-then-put on the same key space.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	cacheTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewStore wraps backend. cacheTTL bounds what quota eviction may remove;
// zero selects DefaultCacheTTL.
func NewStore(backend Backend, cacheTTL time.Duration, opts ...Option) *Store {
	o := buildOptions(opts)
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Store{
		backend:  backend,
		cacheTTL: cacheTTL,
		log:      o.logger,
		now:      o.now,
	}
}

// Init verifies the backend and seeds sync info on first use.
func (s *Store) Init(ctx context.Context) error {
	return s.update(ctx, func(tx *txn) error {
		var info SyncInfo
		err := tx.getJSON(collSyncInfo, syncInfoKey, &info)
		if errors.Is(err, ErrNotFound) {
			return tx.putJSON(collSyncInfo, syncInfoKey, SyncInfo{Status: SyncIdle})
		}
		return err
	})
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// ============================================================================
// Transactions
// ============================================================================

// txn stages writes over the backend with read-your-writes semantics.
// It is only valid inside Store.update / Store.view.
type txn struct {
	ctx     context.Context
	backend Backend
	staged  map[string]map[string]Mutation
	batch   []Mutation
}

func (t *txn) get(coll, key string) ([]byte, error) {
	if m, ok := t.staged[coll][key]; ok {
		if m.Delete {
			return nil, ErrNotFound
		}
		return m.Value, nil
	}
	return t.backend.Get(t.ctx, coll, key)
}

func (t *txn) list(coll string) ([]Record, error) {
	recs, err := t.backend.List(t.ctx, coll)
	if err != nil {
		return nil, err
	}
	staged := t.staged[coll]
	if len(staged) == 0 {
		return recs, nil
	}
	out := recs[:0]
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		seen[r.Key] = true
		if m, ok := staged[r.Key]; ok {
			if m.Delete {
				continue
			}
			r.Value = m.Value
		}
		out = append(out, r)
	}
	for k, m := range staged {
		if !seen[k] && !m.Delete {
			out = append(out, Record{Key: k, Value: m.Value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *txn) stage(m Mutation) {
	if t.staged[m.Collection] == nil {
		t.staged[m.Collection] = make(map[string]Mutation)
	}
	t.staged[m.Collection][m.Key] = m
	t.batch = append(t.batch, m)
}

func (t *txn) put(coll, key string, value []byte) {
	t.stage(Mutation{Collection: coll, Key: key, Value: value})
}

func (t *txn) del(coll, key string) {
	t.stage(Mutation{Collection: coll, Key: key, Delete: true})
}

func (t *txn) getJSON(coll, key string, v any) error {
	data, err := t.get(coll, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt record %s/%s: %w", coll, key, err)
	}
	return nil
}

func (t *txn) putJSON(coll, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", coll, key, err)
	}
	t.put(coll, key, data)
	return nil
}

// update runs fn and commits its staged writes as one atomic batch.
func (s *Store) update(ctx context.Context, fn func(tx *txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{ctx: ctx, backend: s.backend, staged: make(map[string]map[string]Mutation)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.batch) == 0 {
		return nil
	}
	return s.apply(ctx, tx.batch)
}

// view runs fn without committing anything.
func (s *Store) view(ctx context.Context, fn func(tx *txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&txn{ctx: ctx, backend: s.backend, staged: make(map[string]map[string]Mutation)})
}

// apply writes batch, evicting expired data and retrying once on quota
// exhaustion. A second failure drops the write and is logged.
func (s *Store) apply(ctx context.Context, batch []Mutation) error {
	err := s.backend.Apply(ctx, batch)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	evicted, evErr := s.evictExpired(ctx)
	s.log.Warn("storage quota exceeded, evicted expired entries", "evicted", evicted, "err", evErr)
	if err = s.backend.Apply(ctx, batch); err != nil {
		s.log.Error("write lost after eviction", "mutations", len(batch), "err", err)
		return err
	}
	return nil
}

// evictExpired removes cached responses and synced entities older than
// the cache TTL. Callers hold s.mu.
func (s *Store) evictExpired(ctx context.Context) (int, error) {
	colls, err := s.backend.Collections(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.cacheTTL)
	var batch []Mutation
	for _, coll := range colls {
		family, _, _ := strings.Cut(coll, "/")
		if family != collCache && family != collEntity {
			continue
		}
		recs, err := s.backend.List(ctx, coll)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			if expired(family, r.Value, cutoff) {
				batch = append(batch, Mutation{Collection: coll, Key: r.Key, Delete: true})
			}
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := s.backend.Apply(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func expired(family string, value []byte, cutoff time.Time) bool {
	switch family {
	case collCache:
		var c CachedResponse
		if json.Unmarshal(value, &c) != nil {
			return true
		}
		return c.StoredAt.Before(cutoff)
	case collEntity:
		var e OfflineEntity
		if json.Unmarshal(value, &e) != nil {
			return true
		}
		// Unsynced local state is never evicted.
		return e.SyncStatus == StatusSynced && e.LastModified < cutoff.UnixMilli()
	}
	return false
}

// ============================================================================
// Entities
// ============================================================================

func entityColl(entityType string) string { return collectionName(collEntity, entityType) }
func aliasColl(entityType string) string  { return collectionName(collAlias, entityType) }

func (t *txn) getEntity(entityType, id string) (*OfflineEntity, error) {
	var e OfflineEntity
	err := t.getJSON(entityColl(entityType), id, &e)
	if errors.Is(err, ErrNotFound) && IsLocalID(id) {
		var serverID string
		if t.getJSON(aliasColl(entityType), id, &serverID) == nil {
			err = t.getJSON(entityColl(entityType), serverID, &e)
		}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *txn) putEntity(e *OfflineEntity) error {
	return t.putJSON(entityColl(e.EntityType), e.ID, e)
}

// GetEntity returns the entity, following temp-id aliases left by
// ReplaceEntity. Missing entities yield ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, entityType, id string) (*OfflineEntity, error) {
	var e *OfflineEntity
	err := s.view(ctx, func(tx *txn) error {
		var err error
		e, err = tx.getEntity(entityType, id)
		return err
	})
	return e, err
}

// ListEntities returns all entities of a type, including pending deletes.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]*OfflineEntity, error) {
	recs, err := s.backend.List(ctx, entityColl(entityType))
	if err != nil {
		return nil, err
	}
	out := make([]*OfflineEntity, 0, len(recs))
	for _, r := range recs {
		var e OfflineEntity
		if err := json.Unmarshal(r.Value, &e); err != nil {
			s.log.Warn("skipping corrupt entity", "entityType", entityType, "key", r.Key, "err", err)
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// EntityTypes lists the entity partitions present in the store.
func (s *Store) EntityTypes(ctx context.Context) ([]string, error) {
	colls, err := s.backend.Collections(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range colls {
		if p, ok := partitionOf(c, collEntity); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// PutEntity writes e as is.
func (s *Store) PutEntity(ctx context.Context, e *OfflineEntity) error {
	if e.ID == "" || e.EntityType == "" {
		return fmt.Errorf("entity requires id and entityType")
	}
	return s.update(ctx, func(tx *txn) error { return tx.putEntity(e) })
}

// DeleteEntity removes an entity. Missing entities are not an error.
func (s *Store) DeleteEntity(ctx context.Context, entityType, id string) error {
	return s.update(ctx, func(tx *txn) error {
		tx.del(entityColl(entityType), id)
		return nil
	})
}

// UpdateEntity applies fn to the stored entity as one atomic unit.
func (s *Store) UpdateEntity(ctx context.Context, entityType, id string, fn func(*OfflineEntity) error) error {
	return s.update(ctx, func(tx *txn) error {
		e, err := tx.getEntity(entityType, id)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		return tx.putEntity(e)
	})
}

// ResolveID maps a temporary id to its server id once replaced. Other ids
// are returned unchanged.
func (s *Store) ResolveID(ctx context.Context, entityType, id string) string {
	if !IsLocalID(id) {
		return id
	}
	var serverID string
	if err := s.view(ctx, func(tx *txn) error {
		return tx.getJSON(aliasColl(entityType), id, &serverID)
	}); err != nil {
		return id
	}
	return serverID
}

// ReplaceEntity is the second phase of an optimistic write: in a single
// batch it swaps the provisional record keyed by provisionalID for the
// server record and rewrites every local reference to provisionalID
// (pending operations and other entities) to the server id.
func (s *Store) ReplaceEntity(ctx context.Context, provisionalID string, server *OfflineEntity) error {
	return s.update(ctx, func(tx *txn) error {
		return tx.replaceEntity(provisionalID, server)
	})
}

func (t *txn) replaceEntity(provisionalID string, server *OfflineEntity) error {
	if provisionalID == "" || provisionalID == server.ID {
		return t.putEntity(server)
	}

	t.del(entityColl(server.EntityType), provisionalID)
	server.LocalID = provisionalID
	if err := t.putEntity(server); err != nil {
		return err
	}
	if err := t.putJSON(aliasColl(server.EntityType), provisionalID, server.ID); err != nil {
		return err
	}

	ops, err := t.listOps()
	if err != nil {
		return err
	}
	for _, op := range ops {
		changed := false
		if op.EntityID == provisionalID {
			op.EntityID = server.ID
			changed = true
		}
		if strings.Contains(op.Endpoint, provisionalID) {
			op.Endpoint = strings.ReplaceAll(op.Endpoint, provisionalID, server.ID)
			changed = true
		}
		if rewriteRefs(op.Payload, provisionalID, server.ID) {
			changed = true
		}
		if changed {
			if err := t.putJSON(collOps, op.ID, op); err != nil {
				return err
			}
		}
	}

	colls, err := t.backend.Collections(t.ctx)
	if err != nil {
		return err
	}
	for _, coll := range colls {
		if _, ok := partitionOf(coll, collEntity); !ok {
			continue
		}
		recs, err := t.list(coll)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if r.Key == server.ID || !strings.Contains(string(r.Value), provisionalID) {
				continue
			}
			var e OfflineEntity
			if json.Unmarshal(r.Value, &e) != nil {
				continue
			}
			if rewriteRefs(e.Data, provisionalID, server.ID) {
				if err := t.putJSON(coll, r.Key, &e); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// rewriteRefs replaces string values equal to from with to, recursively.
func rewriteRefs(v any, from, to string) bool {
	changed := false
	switch x := v.(type) {
	case map[string]any:
		for k, vv := range x {
			if s, ok := vv.(string); ok {
				if s == from {
					x[k] = to
					changed = true
				}
				continue
			}
			if rewriteRefs(vv, from, to) {
				changed = true
			}
		}
	case []any:
		for i, vv := range x {
			if s, ok := vv.(string); ok {
				if s == from {
					x[i] = to
					changed = true
				}
				continue
			}
			if rewriteRefs(vv, from, to) {
				changed = true
			}
		}
	}
	return changed
}

// findRef returns the first string value (recursively) matching pred.
func findRef(v any, pred func(string) bool) (string, bool) {
	switch x := v.(type) {
	case string:
		if pred(x) {
			return x, true
		}
	case map[string]any:
		for _, vv := range x {
			if s, ok := findRef(vv, pred); ok {
				return s, true
			}
		}
	case []any:
		for _, vv := range x {
			if s, ok := findRef(vv, pred); ok {
				return s, true
			}
		}
	}
	return "", false
}

// ============================================================================
// Pending operations
// ============================================================================

func (t *txn) listOps() ([]*PendingOperation, error) {
	recs, err := t.list(collOps)
	if err != nil {
		return nil, err
	}
	out := make([]*PendingOperation, 0, len(recs))
	for _, r := range recs {
		var op PendingOperation
		if err := json.Unmarshal(r.Value, &op); err != nil {
			continue
		}
		out = append(out, &op)
	}
	return out, nil
}

func (t *txn) getOp(id string) (*PendingOperation, error) {
	var op PendingOperation
	if err := t.getJSON(collOps, id, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (t *txn) putOp(op *PendingOperation) error {
	return t.putJSON(collOps, op.ID, op)
}

// ============================================================================
// Cached responses
// ============================================================================

func cacheColl(generation string) string { return collectionName(collCache, generation) }

// GetCached returns a cached response for the normalized key.
func (s *Store) GetCached(ctx context.Context, generation, key string) (*CachedResponse, error) {
	data, err := s.backend.Get(ctx, cacheColl(generation), key)
	if err != nil {
		return nil, err
	}
	var c CachedResponse
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &c, nil
}

// PutCached stores a response under its key.
func (s *Store) PutCached(ctx context.Context, generation string, c *CachedResponse) error {
	if c.StoredAt.IsZero() {
		c.StoredAt = s.now()
	}
	return s.update(ctx, func(tx *txn) error {
		return tx.putJSON(cacheColl(generation), c.Key, c)
	})
}

// ListCached returns all entries of a generation.
func (s *Store) ListCached(ctx context.Context, generation string) ([]*CachedResponse, error) {
	recs, err := s.backend.List(ctx, cacheColl(generation))
	if err != nil {
		return nil, err
	}
	out := make([]*CachedResponse, 0, len(recs))
	for _, r := range recs {
		var c CachedResponse
		if json.Unmarshal(r.Value, &c) == nil {
			out = append(out, &c)
		}
	}
	return out, nil
}

// DeleteCached removes the given keys.
func (s *Store) DeleteCached(ctx context.Context, generation string, keys ...string) error {
	return s.update(ctx, func(tx *txn) error {
		for _, k := range keys {
			tx.del(cacheColl(generation), k)
		}
		return nil
	})
}

// CacheGenerations lists all cache generation tags present.
func (s *Store) CacheGenerations(ctx context.Context) ([]string, error) {
	colls, err := s.backend.Collections(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range colls {
		if p, ok := partitionOf(c, collCache); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DropCacheGeneration deletes a whole cache generation.
func (s *Store) DropCacheGeneration(ctx context.Context, generation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.DropCollection(ctx, cacheColl(generation))
}

// ============================================================================
// Sync info
// ============================================================================

// SyncInfo returns the persisted sync bookkeeping.
func (s *Store) SyncInfo(ctx context.Context) (*SyncInfo, error) {
	var info SyncInfo
	err := s.view(ctx, func(tx *txn) error {
		return tx.getJSON(collSyncInfo, syncInfoKey, &info)
	})
	if errors.Is(err, ErrNotFound) {
		return &SyncInfo{Status: SyncIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateSyncInfo applies fn to the stored sync info atomically.
func (s *Store) UpdateSyncInfo(ctx context.Context, fn func(*SyncInfo)) error {
	return s.update(ctx, func(tx *txn) error {
		var info SyncInfo
		if err := tx.getJSON(collSyncInfo, syncInfoKey, &info); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if info.Status == "" {
			info.Status = SyncIdle
		}
		fn(&info)
		return tx.putJSON(collSyncInfo, syncInfoKey, &info)
	})
}

// ============================================================================
// Maintenance
// ============================================================================

// ClearAll removes every collection and resets sync info.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	colls, err := s.backend.Collections(ctx)
	if err == nil {
		for _, c := range colls {
			if err = s.backend.DropCollection(ctx, c); err != nil {
				break
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return s.UpdateSyncInfo(ctx, func(info *SyncInfo) {
		*info = SyncInfo{Status: SyncIdle}
	})
}

// CollectionUsage is an estimate of one collection's footprint.
type CollectionUsage struct {
	Collection string `json:"collection"`
	Records    int    `json:"records"`
	Bytes      int64  `json:"bytes"`
}

// Usage estimates storage per collection.
func (s *Store) Usage(ctx context.Context) ([]CollectionUsage, error) {
	colls, err := s.backend.Collections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CollectionUsage, 0, len(colls))
	for _, c := range colls {
		recs, err := s.backend.List(ctx, c)
		if err != nil {
			return nil, err
		}
		u := CollectionUsage{Collection: c, Records: len(recs)}
		for _, r := range recs {
			u.Bytes += entrySize(r.Key, r.Value)
		}
		out = append(out, u)
	}
	return out, nil
}
