package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Queue is the durable pending-operation log. It never talks to the
// network; every change lands in the Store.
type Queue struct {
	store      *Store
	events     *Emitter
	maxRetries int
	log        *slog.Logger
	now        func() time.Time
}

// NewQueue creates a queue over store. maxRetries <= 0 selects
// DefaultMaxRetries.
func NewQueue(store *Store, events *Emitter, maxRetries int, opts ...Option) *Queue {
	o := buildOptions(opts)
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if events == nil {
		events = newEmitter(o.logger)
	}
	return &Queue{store: store, events: events, maxRetries: maxRetries, log: o.logger, now: o.now}
}

// MaxRetries is the retry ceiling after which an operation is abandoned.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue stores op. An existing operation with the same
// (entityType, entityId, operation) is replaced in place and keeps its id.
// The stored copy is returned with retryCount reset and priority derived.
func (q *Queue) Enqueue(ctx context.Context, op PendingOperation) (*PendingOperation, error) {
	return q.enqueue(ctx, op, nil)
}

// enqueue also runs with (if non-nil) inside the same batch, so the
// optimistic entity and its intent land together.
func (q *Queue) enqueue(ctx context.Context, op PendingOperation, with func(tx *txn) error) (*PendingOperation, error) {
	if op.EntityType == "" || op.Endpoint == "" {
		return nil, fmt.Errorf("pending operation requires entityType and endpoint")
	}
	if op.Operation.Priority() == 0 {
		return nil, fmt.Errorf("unknown operation %q", op.Operation)
	}
	if op.Timestamp == 0 {
		op.Timestamp = q.now().UnixMilli()
	}
	op.RetryCount = 0
	op.LastRetry = 0
	op.LastError = ""
	op.Priority = op.Operation.Priority()

	stored := op
	err := q.store.update(ctx, func(tx *txn) error {
		existing, err := tx.listOps()
		if err != nil {
			return err
		}
		stored.ID = ""
		for _, e := range existing {
			if e.sameTarget(&op) {
				stored.ID = e.ID
				break
			}
		}
		if stored.ID == "" {
			if op.ID != "" {
				stored.ID = op.ID
			} else {
				stored.ID = newID()
			}
		}
		if with != nil {
			if err := with(tx); err != nil {
				return err
			}
		}
		return tx.putOp(&stored)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.log.Debug("operation queued", "op", stored.ID, "operation", stored.Operation, "entityType", stored.EntityType, "entityId", stored.EntityID)
	q.events.emit(EventOperationQueued, &stored)
	return &stored, nil
}

// Snapshot returns every pending operation ordered by descending priority,
// then ascending timestamp.
func (q *Queue) Snapshot(ctx context.Context) ([]*PendingOperation, error) {
	var ops []*PendingOperation
	err := q.store.view(ctx, func(tx *txn) error {
		var err error
		ops, err = tx.listOps()
		return err
	})
	if err != nil {
		return nil, err
	}
	sortOps(ops)
	return ops, nil
}

func sortOps(ops []*PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
}

// Get returns one operation by id.
func (q *Queue) Get(ctx context.Context, id string) (*PendingOperation, error) {
	var op *PendingOperation
	err := q.store.view(ctx, func(tx *txn) error {
		var err error
		op, err = tx.getOp(id)
		return err
	})
	return op, err
}

// Len returns the number of pending operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	recs, err := q.store.backend.List(ctx, collOps)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Remove deletes an operation after confirmed success. Intents that did
// not succeed leave the queue through MarkFailed, Abandon or Discard so
// their entity reaches a terminal status.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.update(ctx, func(tx *txn) error {
		tx.del(collOps, id)
		return nil
	})
}

// MarkFailed records a failed attempt. Reaching the retry ceiling removes
// the operation and sets the entity to error; abandoned reports that.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (abandoned bool, err error) {
	var op *PendingOperation
	err = q.store.update(ctx, func(tx *txn) error {
		var err error
		op, err = tx.getOp(id)
		if err != nil {
			return err
		}
		op.RetryCount++
		op.LastRetry = q.now().UnixMilli()
		if cause != nil {
			op.LastError = cause.Error()
		}
		if op.RetryCount < q.maxRetries {
			return tx.putOp(op)
		}
		abandoned = true
		tx.del(collOps, op.ID)
		return tx.markEntity(op, StatusError, op.LastError, q.now())
	})
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", id, err)
	}
	if abandoned {
		q.log.Warn("operation abandoned after retries", "op", op.ID, "entityType", op.EntityType, "entityId", op.EntityID, "retries", op.RetryCount, "err", op.LastError)
		q.events.emit(EventOperationAbandoned, op)
	} else {
		q.events.emit(EventOperationFailed, op)
	}
	return abandoned, nil
}

// Abandon removes op immediately and marks its entity with status.
func (q *Queue) Abandon(ctx context.Context, op *PendingOperation, status SyncStatus, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := q.store.update(ctx, func(tx *txn) error {
		tx.del(collOps, op.ID)
		return tx.markEntity(op, status, msg, q.now())
	})
	if err != nil {
		return fmt.Errorf("abandon %s: %w", op.ID, err)
	}
	op.LastError = msg
	if status == StatusConflict {
		q.events.emit(EventEntityConflict, op)
	} else {
		q.events.emit(EventOperationAbandoned, op)
	}
	return nil
}

// Discard abandons the operation id on an operator's request. Its entity
// is marked error with reason, so the dropped intent stays visible.
func (q *Queue) Discard(ctx context.Context, id, reason string) (*PendingOperation, error) {
	op, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "discarded by operator"
	}
	if err := q.Abandon(ctx, op, StatusError, errors.New(reason)); err != nil {
		return nil, err
	}
	return op, nil
}

// markEntity sets the status of the entity an operation targets. Creates
// are matched by their provisional id.
func (t *txn) markEntity(op *PendingOperation, status SyncStatus, msg string, now time.Time) error {
	id := op.EntityID
	if id == "" {
		return nil
	}
	e, err := t.getEntity(op.EntityType, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.SyncStatus = status
	e.Error = msg
	e.LastModified = now.UnixMilli()
	return t.putEntity(e)
}
