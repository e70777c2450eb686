package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"
)

// Connectivity reports whether the network is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// CacheInvalidator drops cached reads under a path prefix.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, pathPrefix string) (int, error)
}

// MutationRequest is a caller-issued write.
type MutationRequest struct {
	Operation  OperationType
	EntityType string
	// EntityID is required for update and delete. Provisional ids are
	// accepted and resolved.
	EntityID string
	Payload  map[string]any
	// Endpoint overrides the configured collection endpoint.
	Endpoint string
}

// Coordinator is the Sync Coordinator. It is the only component that
// issues network mutations on behalf of queued intents.
type Coordinator struct {
	client *Client
	store  *Store
	queue  *Queue
	events *Emitter
	cfg    SyncConfig

	invalidator  CacheInvalidator
	connectivity Connectivity
	reporter     NetworkReporter

	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	draining bool
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(client *Client, store *Store, queue *Queue, cfg SyncConfig, opts ...Option) *Coordinator {
	o := buildOptions(opts)
	return &Coordinator{
		client: client,
		store:  store,
		queue:  queue,
		events: queue.events,
		cfg:    cfg,
		log:    o.logger,
		now:    o.now,
	}
}

// SetInvalidator attaches the cache to refresh after each drain.
func (c *Coordinator) SetInvalidator(inv CacheInvalidator) { c.invalidator = inv }

// SetConnectivity attaches the online signal. Without one the
// coordinator assumes it is online.
func (c *Coordinator) SetConnectivity(conn Connectivity) { c.connectivity = conn }

// SetReporter attaches the receiver of every request outcome.
func (c *Coordinator) SetReporter(r NetworkReporter) { c.reporter = r }

// Events exposes queue and sync events.
func (c *Coordinator) Events() *Emitter { return c.events }

// Queue returns the underlying pending-operation queue.
func (c *Coordinator) Queue() *Queue { return c.queue }

func (c *Coordinator) online() bool {
	return c.connectivity == nil || c.connectivity.IsOnline()
}

func (c *Coordinator) endpointFor(req *MutationRequest) string {
	if req.Endpoint != "" {
		return req.Endpoint
	}
	return c.cfg.EndpointFor(req.EntityType)
}

// ============================================================================
// Mutate: online vs offline path
// ============================================================================

// Mutate applies a write. Online it is sent directly and the server
// record is stored as synced; a transport failure (or being offline)
// falls back to an optimistic local write plus a queued intent.
// Application errors are returned as *APIError and never queued.
func (c *Coordinator) Mutate(ctx context.Context, req MutationRequest) (*OfflineEntity, error) {
	if req.EntityType == "" {
		return nil, fmt.Errorf("mutation requires entityType")
	}
	if req.Operation != OpCreate && req.EntityID == "" {
		return nil, fmt.Errorf("%s requires entityId", req.Operation)
	}
	req.EntityID = c.store.ResolveID(ctx, req.EntityType, req.EntityID)

	// A provisional id means the server does not know the record yet.
	if c.online() && !IsLocalID(req.EntityID) {
		ent, err := c.mutateOnline(ctx, &req)
		if err == nil {
			return ent, nil
		}
		if !IsNetworkError(err) {
			return nil, err
		}
		c.log.Info("network unavailable, queueing mutation", "operation", req.Operation, "entityType", req.EntityType, "err", err)
	}
	return c.mutateOffline(ctx, &req)
}

func (c *Coordinator) mutateOnline(ctx context.Context, req *MutationRequest) (*OfflineEntity, error) {
	op := &PendingOperation{
		Operation:  req.Operation,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		Endpoint:   c.endpointFor(req),
	}
	rec, err := c.send(ctx, op)
	if err != nil {
		return nil, err
	}
	if req.Operation == OpDelete {
		if err := c.store.DeleteEntity(ctx, req.EntityType, req.EntityID); err != nil {
			c.log.Warn("failed to drop deleted entity locally", "entityType", req.EntityType, "entityId", req.EntityID, "err", err)
		}
		return &OfflineEntity{ID: req.EntityID, EntityType: req.EntityType, Deleted: true, SyncStatus: StatusSynced}, nil
	}

	ent := &OfflineEntity{
		ID:           req.EntityID,
		EntityType:   req.EntityType,
		Data:         req.Payload,
		SyncStatus:   StatusSynced,
		LastModified: c.now().UnixMilli(),
	}
	if rec != nil {
		ent.Data = rec
		if id := recordID(rec); id != "" {
			ent.ID = id
		}
	}
	if ent.ID == "" {
		// Nothing to key the local mirror by.
		return ent, nil
	}
	if err := c.store.PutEntity(ctx, ent); err != nil {
		c.log.Warn("failed to mirror server record", "entityType", ent.EntityType, "entityId", ent.ID, "err", err)
	}
	return ent, nil
}

func (c *Coordinator) mutateOffline(ctx context.Context, req *MutationRequest) (*OfflineEntity, error) {
	now := c.now().UnixMilli()
	op := PendingOperation{
		Operation:  req.Operation,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		Endpoint:   c.endpointFor(req),
		Timestamp:  now,
	}

	switch req.Operation {
	case OpCreate:
		ent := &OfflineEntity{
			ID:             NewLocalID(),
			EntityType:     req.EntityType,
			Data:           maps.Clone(req.Payload),
			SyncStatus:     StatusPending,
			LastModified:   now,
			OfflineCreated: true,
		}
		ent.LocalID = ent.ID
		// Creates carry the provisional id so replay can find the entity.
		op.EntityID = ent.ID
		if _, err := c.queue.enqueue(ctx, op, func(tx *txn) error { return tx.putEntity(ent) }); err != nil {
			return nil, err
		}
		return ent, nil

	case OpUpdate:
		var ent *OfflineEntity
		_, err := c.queue.enqueue(ctx, op, func(tx *txn) error {
			existing, err := tx.getEntity(req.EntityType, req.EntityID)
			if errors.Is(err, ErrNotFound) {
				existing = &OfflineEntity{ID: req.EntityID, EntityType: req.EntityType, Data: map[string]any{}}
			} else if err != nil {
				return err
			}
			if existing.Data == nil {
				existing.Data = map[string]any{}
			}
			maps.Copy(existing.Data, req.Payload)
			existing.SyncStatus = StatusPending
			existing.LastModified = now
			existing.Error = ""
			ent = existing
			return tx.putEntity(existing)
		})
		if err != nil {
			return nil, err
		}
		return ent, nil

	case OpDelete:
		if dropped, err := c.dropUnsyncedCreate(ctx, req); err != nil || dropped {
			return &OfflineEntity{ID: req.EntityID, EntityType: req.EntityType, Deleted: true, SyncStatus: StatusSynced}, err
		}
		var ent *OfflineEntity
		_, err := c.queue.enqueue(ctx, op, func(tx *txn) error {
			existing, err := tx.getEntity(req.EntityType, req.EntityID)
			if errors.Is(err, ErrNotFound) {
				existing = &OfflineEntity{ID: req.EntityID, EntityType: req.EntityType}
			} else if err != nil {
				return err
			}
			existing.Deleted = true
			existing.SyncStatus = StatusPending
			existing.LastModified = now
			ent = existing
			return tx.putEntity(existing)
		})
		if err != nil {
			return nil, err
		}
		return ent, nil
	}
	return nil, fmt.Errorf("unknown operation %q", req.Operation)
}

// dropUnsyncedCreate handles deleting a record that never reached the
// server: its create and any follow-up intents are discarded locally.
func (c *Coordinator) dropUnsyncedCreate(ctx context.Context, req *MutationRequest) (bool, error) {
	if !IsLocalID(req.EntityID) {
		return false, nil
	}
	var dropped bool
	err := c.store.update(ctx, func(tx *txn) error {
		ops, err := tx.listOps()
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.EntityType == req.EntityType && op.EntityID == req.EntityID {
				tx.del(collOps, op.ID)
				if op.Operation == OpCreate {
					dropped = true
				}
			}
		}
		if dropped {
			tx.del(entityColl(req.EntityType), req.EntityID)
		}
		return nil
	})
	return dropped, err
}

// send issues the HTTP call for op and decodes any returned record.
func (c *Coordinator) send(ctx context.Context, op *PendingOperation) (map[string]any, error) {
	var body any
	if op.Operation != OpDelete && op.Payload != nil {
		body = op.Payload
	}
	data, err := c.client.Do(ctx, op.Operation.Method(), op.target(), body)
	if c.reporter != nil {
		c.reporter.Report(err)
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		// The write succeeded; an unreadable body only loses the canonical record.
		c.log.Warn("ignoring undecodable response", "op", op.ID, "err", err)
		return nil, nil
	}
	return rec, nil
}

// ============================================================================
// DrainOnce
// ============================================================================

// DrainOnce replays the current queue snapshot once, in priority then
// timestamp order. A failing operation never stops the batch. Concurrent
// calls return ErrDrainInProgress.
func (c *Coordinator) DrainOnce(ctx context.Context) (DrainResult, error) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return DrainResult{}, ErrDrainInProgress
	}
	c.draining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	var result DrainResult
	if !c.online() {
		c.log.Debug("skipping drain while offline")
		return result, nil
	}

	ops, err := c.queue.Snapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("snapshot queue: %w", err)
	}
	if len(ops) == 0 {
		c.finish(ctx, result, nil)
		return result, nil
	}

	c.events.emit(EventSyncStart, len(ops))
	if err := c.store.UpdateSyncInfo(ctx, func(info *SyncInfo) {
		info.Status = SyncRunning
		info.ErrorMessage = ""
	}); err != nil {
		c.log.Warn("failed to update sync info", "err", err)
	}

	pendingCreates := make(map[string]bool)
	for _, op := range ops {
		if op.Operation == OpCreate && op.EntityID != "" {
			pendingCreates[op.EntityID] = true
		}
	}

	touched := make(map[string]bool)
	var lastErr error
	for _, snap := range ops {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		// Re-read: an earlier create in this pass may have rewritten ids.
		op, err := c.queue.Get(ctx, snap.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			c.log.Warn("failed to read operation", "op", snap.ID, "err", err)
			result.Failed++
			continue
		}

		if op.RetryCount >= c.queue.MaxRetries() {
			cause := fmt.Errorf("retry limit reached: %s", op.LastError)
			if err := c.queue.Abandon(ctx, op, StatusError, cause); err != nil {
				c.log.Warn("failed to abandon operation", "op", op.ID, "err", err)
			}
			result.Failed++
			result.Abandoned++
			delete(pendingCreates, op.EntityID)
			continue
		}

		if dep, blocked := c.dependency(op, pendingCreates); blocked {
			c.log.Debug("deferring operation until its dependency syncs", "op", op.ID, "dependsOn", dep)
			result.Deferred++
			continue
		} else if dep != "" {
			cause := fmt.Errorf("depends on unsynced record %s", dep)
			if err := c.queue.Abandon(ctx, op, StatusError, cause); err != nil {
				c.log.Warn("failed to abandon operation", "op", op.ID, "err", err)
			}
			result.Failed++
			result.Abandoned++
			continue
		}

		rec, err := c.send(ctx, op)
		if err != nil {
			lastErr = err
			result.Failed++
			if c.handleFailure(ctx, op, err) {
				result.Abandoned++
				delete(pendingCreates, op.EntityID)
			}
			continue
		}

		// Without a canonical id the record cannot leave its provisional id,
		// and follow-up intents could never be replayed against it.
		if op.Operation == OpCreate && IsLocalID(op.EntityID) && recordID(rec) == "" {
			c.log.Warn("created record has no server id", "op", op.ID, "entityType", op.EntityType, "entityId", op.EntityID)
			if err := c.queue.Abandon(ctx, op, StatusError, ErrNoServerID); err != nil {
				c.log.Warn("failed to abandon operation", "op", op.ID, "err", err)
			}
			lastErr = ErrNoServerID
			result.Failed++
			result.Abandoned++
			delete(pendingCreates, op.EntityID)
			continue
		}

		if err := c.commit(ctx, op, rec); err != nil {
			// The server applied it; leaving the op would resubmit.
			c.log.Error("failed to record synced operation", "op", op.ID, "err", err)
			lastErr = err
			result.Failed++
			continue
		}
		result.Synced++
		touched[op.Endpoint] = true
		delete(pendingCreates, op.EntityID)
		c.events.emit(EventOperationSynced, op)
	}

	c.invalidate(ctx, touched)
	c.finish(ctx, result, lastErr)
	return result, nil
}

// dependency reports a provisional id that op references. blocked is true
// while that id still has a pending create; otherwise a non-empty dep is
// a reference that can never resolve.
func (c *Coordinator) dependency(op *PendingOperation, pendingCreates map[string]bool) (dep string, blocked bool) {
	isDep := func(s string) bool {
		return IsLocalID(s) && !(op.Operation == OpCreate && s == op.EntityID)
	}
	if isDep(op.EntityID) {
		dep = op.EntityID
	} else if ref, ok := findRef(op.Payload, isDep); ok {
		dep = ref
	}
	if dep == "" {
		return "", false
	}
	if pendingCreates[dep] {
		return dep, true
	}
	// Payload references to records this queue never created (chat temp
	// ids, client-side keys) are passed through.
	if dep != op.EntityID {
		return "", false
	}
	return dep, false
}

// handleFailure classifies err. It reports whether op was abandoned.
func (c *Coordinator) handleFailure(ctx context.Context, op *PendingOperation, err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Conflict() {
		c.log.Warn("server rejected operation as conflicting", "op", op.ID, "entityType", op.EntityType, "entityId", op.EntityID)
		if aerr := c.queue.Abandon(ctx, op, StatusConflict, err); aerr != nil {
			c.log.Warn("failed to abandon operation", "op", op.ID, "err", aerr)
		}
		return true
	}
	if !isTransient(err) {
		c.log.Warn("operation rejected", "op", op.ID, "entityType", op.EntityType, "err", err)
		if aerr := c.queue.Abandon(ctx, op, StatusError, err); aerr != nil {
			c.log.Warn("failed to abandon operation", "op", op.ID, "err", aerr)
		}
		return true
	}
	abandoned, merr := c.queue.MarkFailed(ctx, op.ID, err)
	if merr != nil {
		c.log.Warn("failed to record retry", "op", op.ID, "err", merr)
	}
	return abandoned
}

// commit removes op and merges the server record in one batch.
func (c *Coordinator) commit(ctx context.Context, op *PendingOperation, rec map[string]any) error {
	now := c.now().UnixMilli()
	return c.store.update(ctx, func(tx *txn) error {
		tx.del(collOps, op.ID)

		if op.Operation == OpDelete {
			if op.EntityID != "" {
				tx.del(entityColl(op.EntityType), op.EntityID)
			}
			return nil
		}

		local, err := tx.getEntity(op.EntityType, op.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		server := &OfflineEntity{
			ID:           op.EntityID,
			EntityType:   op.EntityType,
			Data:         rec,
			SyncStatus:   StatusSynced,
			LastModified: now,
		}
		if id := recordID(rec); id != "" {
			server.ID = id
		}
		if server.ID == "" {
			return nil
		}
		if local != nil {
			server.OfflineCreated = local.OfflineCreated
			server.LocalID = local.LocalID
			if server.Data == nil {
				server.Data = local.Data
			}
		} else if server.Data == nil {
			server.Data = op.Payload
		}

		// A newer local intent for the same record keeps its optimistic data.
		others, err := tx.listOps()
		if err != nil {
			return err
		}
		for _, o := range others {
			if o.ID != op.ID && o.EntityType == op.EntityType && o.EntityID == op.EntityID {
				server.SyncStatus = StatusPending
				if local != nil {
					server.Data = local.Data
					server.Deleted = local.Deleted
				}
				break
			}
		}
		return tx.replaceEntity(op.EntityID, server)
	})
}

func (c *Coordinator) invalidate(ctx context.Context, endpoints map[string]bool) {
	if c.invalidator == nil || len(endpoints) == 0 {
		return
	}
	keys := make([]string, 0, len(endpoints))
	for ep := range endpoints {
		keys = append(keys, ep)
	}
	sort.Strings(keys)
	for _, ep := range keys {
		n, err := c.invalidator.Invalidate(ctx, ep)
		if err != nil {
			c.log.Warn("cache invalidation failed", "endpoint", ep, "err", err)
			continue
		}
		c.log.Debug("invalidated cached reads", "endpoint", ep, "entries", n)
	}
}

func (c *Coordinator) finish(ctx context.Context, result DrainResult, lastErr error) {
	pending, _ := c.queue.Len(ctx)
	if err := c.store.UpdateSyncInfo(ctx, func(info *SyncInfo) {
		info.LastSync = c.now().UnixMilli()
		info.PendingChanges = pending
		info.Status = SyncIdle
		info.ErrorMessage = ""
		if result.Failed > 0 {
			info.Status = SyncFailed
			if lastErr != nil {
				info.ErrorMessage = lastErr.Error()
			}
		}
	}); err != nil {
		c.log.Warn("failed to update sync info", "err", err)
	}
	if result.Synced+result.Failed+result.Deferred > 0 {
		c.log.Info("drain complete", "synced", result.Synced, "failed", result.Failed, "deferred", result.Deferred, "abandoned", result.Abandoned, "pending", pending)
	}
	c.events.emit(EventSyncComplete, result)
}

// PendingCount returns the number of queued operations.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.queue.Len(ctx)
}
