package clinicsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Outbox persists chat messages that could not be delivered over the
// realtime channel. Unlike the channel buffer it survives restarts:
// messages live in the store under outbox/<conversation> and are re-sent
// after every open, then deleted once delivered.
type Outbox struct {
	channel *Channel
	store   *Store
	log     *slog.Logger
	now     func() time.Time

	resendMu sync.Mutex
}

// NewOutbox binds the outbox to ch; it re-sends pending messages each
// time ch opens.
func NewOutbox(ch *Channel, store *Store, opts ...Option) *Outbox {
	o := buildOptions(opts)
	ob := &Outbox{channel: ch, store: store, log: o.logger, now: o.now}
	ch.OnOpen(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := ob.Resend(ctx); err != nil {
			ob.log.Warn("outbox resend failed", "err", err)
		}
	})
	return ob
}

func outboxColl(conversationID string) string { return collectionName(collOutbox, conversationID) }

// SendChatMessage delivers msg now when possible; otherwise it is
// persisted with PendingSync set and a connect is requested.
func (o *Outbox) SendChatMessage(ctx context.Context, msg ChatMessage) (*ChatMessage, error) {
	if msg.Content == "" {
		return nil, fmt.Errorf("chat message requires content")
	}
	if msg.GroupID == 0 && msg.RecipientID == 0 {
		return nil, fmt.Errorf("chat message requires a recipient or group")
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = o.now().UnixMilli()
	}
	msg.PendingSync = false

	err := o.channel.Write(ctx, msg.frameType(), &msg)
	if err == nil {
		return &msg, nil
	}
	if !errors.Is(err, ErrNotOpen) {
		o.log.Debug("chat send failed, persisting", "id", msg.ID, "err", err)
	}

	msg.PendingSync = true
	if err := o.store.update(ctx, func(tx *txn) error {
		return tx.putJSON(outboxColl(msg.ConversationID()), msg.ID, &msg)
	}); err != nil {
		return nil, fmt.Errorf("persist chat message: %w", err)
	}
	if o.channel.State() == StateClosed {
		o.channel.wake()
	}
	return &msg, nil
}

// Pending returns undelivered messages of one conversation, oldest first.
func (o *Outbox) Pending(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	recs, err := o.store.backend.List(ctx, outboxColl(conversationID))
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(recs))
	for _, r := range recs {
		var m ChatMessage
		if err := json.Unmarshal(r.Value, &m); err != nil {
			o.log.Warn("skipping corrupt outbox entry", "conversation", conversationID, "key", r.Key, "err", err)
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Conversations lists conversations with undelivered messages.
func (o *Outbox) Conversations(ctx context.Context) ([]string, error) {
	colls, err := o.store.backend.Collections(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range colls {
		if p, ok := partitionOf(c, collOutbox); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Resend re-attempts every pending message in order and clears the
// delivered ones. It stops at the first message the channel cannot take.
func (o *Outbox) Resend(ctx context.Context) (int, error) {
	o.resendMu.Lock()
	defer o.resendMu.Unlock()

	convs, err := o.Conversations(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, conv := range convs {
		msgs, err := o.Pending(ctx, conv)
		if err != nil {
			return sent, err
		}
		for _, m := range msgs {
			m.PendingSync = false
			if err := o.channel.Write(ctx, m.frameType(), &m); err != nil {
				if errors.Is(err, ErrNotOpen) {
					return sent, nil
				}
				return sent, err
			}
			if err := o.store.update(ctx, func(tx *txn) error {
				tx.del(outboxColl(conv), m.ID)
				return nil
			}); err != nil {
				return sent, fmt.Errorf("clear delivered message %s: %w", m.ID, err)
			}
			sent++
		}
	}
	if sent > 0 {
		o.log.Info("outbox messages delivered", "count", sent)
	}
	return sent, nil
}
