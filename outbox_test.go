package clinicsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxValidates(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/ws", "", fastRealtime())
	ob := NewOutbox(ch, newTestStore(t))
	ctx := context.Background()

	_, err := ob.SendChatMessage(ctx, ChatMessage{GroupID: 1})
	assert.Error(t, err)
	_, err = ob.SendChatMessage(ctx, ChatMessage{Content: "oi"})
	assert.Error(t, err)
	assert.Equal(t, StateClosed, ch.State(), "invalid messages never connect")
}

func TestOutboxDeliversWhenOpen(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s.url(), "", fastRealtime())
	ob := NewOutbox(ch, newTestStore(t))
	ctx := context.Background()
	opened := make(chan struct{}, 1)
	ch.OnOpen(func() { opened <- struct{}{} })

	ch.Connect()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not open")
	}

	msg, err := ob.SendChatMessage(ctx, ChatMessage{SenderID: 3, RecipientID: 8, Content: "bom dia"})
	require.NoError(t, err)
	assert.False(t, msg.PendingSync)
	assert.NotEmpty(t, msg.ID)

	require.Eventually(t, func() bool { return len(s.received("send_message")) == 1 }, 2*time.Second, time.Millisecond)
	var got ChatMessage
	require.NoError(t, s.received("send_message")[0].Decode(&got))
	assert.Equal(t, "bom dia", got.Content)

	convs, err := ob.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestOutboxPersistsAndResendsOnOpen(t *testing.T) {
	s := newWSServer(t)
	s.gate = make(chan struct{})
	ch := newTestChannel(t, s.url(), "", fastRealtime())
	store := newTestStore(t)
	ob := NewOutbox(ch, store, WithClock(tickClock()))
	ctx := context.Background()

	for _, text := range []string{"primeira", "segunda"} {
		msg, err := ob.SendChatMessage(ctx, ChatMessage{GroupID: 12, Content: text})
		require.NoError(t, err)
		assert.True(t, msg.PendingSync)
		assert.Equal(t, "group-12", msg.ConversationID())
	}
	assert.Equal(t, StateConnecting, ch.State())

	convs, err := ob.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"group-12"}, convs)
	pending, err := ob.Pending(ctx, "group-12")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "primeira", pending[0].Content)
	assert.Equal(t, "segunda", pending[1].Content)

	close(s.gate)

	require.Eventually(t, func() bool { return len(s.received("send_group_message")) == 2 }, 2*time.Second, time.Millisecond)
	frames := s.received("send_group_message")
	var first, second ChatMessage
	require.NoError(t, frames[0].Decode(&first))
	require.NoError(t, frames[1].Decode(&second))
	assert.Equal(t, "primeira", first.Content)
	assert.Equal(t, "segunda", second.Content)
	assert.False(t, first.PendingSync)

	require.Eventually(t, func() bool {
		p, err := ob.Pending(ctx, "group-12")
		return err == nil && len(p) == 0
	}, 2*time.Second, time.Millisecond)
}

func TestOutboxResendStopsWhenClosed(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/ws", "", fastRealtime())
	store := newTestStore(t)
	ob := NewOutbox(ch, store)
	ctx := context.Background()

	require.NoError(t, store.update(ctx, func(tx *txn) error {
		return tx.putJSON(outboxColl("direct-5"), "m1", &ChatMessage{ID: "m1", RecipientID: 5, Content: "oi", PendingSync: true})
	}))

	n, err := ob.Resend(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	pending, err := ob.Pending(ctx, "direct-5")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
