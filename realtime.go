package clinicsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// FrameHandler handles one inbound frame.
type FrameHandler func(Frame)

type frameHandlerEntry struct {
	id int
	h  FrameHandler
}

// Channel is the realtime channel: a managed WebSocket with
// exponential-backoff reconnection, heartbeat and an in-memory outbound
// buffer. State changes are driven by transition; Channel only executes
// the effects it returns.
type Channel struct {
	url     string
	token   string
	cfg     RealtimeConfig
	backoff Backoff
	log     *slog.Logger
	now     func() time.Time

	life   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	fsm        fsmState
	gen        int
	conn       *websocket.Conn
	connCancel context.CancelFunc
	hbCancel   context.CancelFunc
	retryTimer *time.Timer
	buffer     [][]byte
	flushing   bool

	handlers          map[string][]frameHandlerEntry
	nextHandlerID     int
	onState           []func(ChannelState)
	onReconnectFailed []func(attempts int)
	onBufferFlushed   []func(n int)
	onOpen            []func()
}

// NewChannel creates a channel for the WebSocket endpoint wsURL. The
// channel starts closed; call Connect.
func NewChannel(wsURL, token string, cfg RealtimeConfig, opts ...Option) *Channel {
	o := buildOptions(opts)
	cfg.defaults()
	life, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:      wsURL,
		token:    token,
		cfg:      cfg,
		backoff:  newBackoff(cfg),
		log:      o.logger,
		now:      o.now,
		life:     life,
		cancel:   cancel,
		fsm:      fsmState{state: StateClosed},
		handlers: make(map[string][]frameHandlerEntry),
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// On registers h for frames of msgType and returns a func removing it.
// Handlers for one frame run in registration order.
func (c *Channel) On(msgType string, h FrameHandler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[msgType] = append(c.handlers[msgType], frameHandlerEntry{id: id, h: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.handlers[msgType]
		for i, e := range list {
			if e.id == id {
				c.handlers[msgType] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Off removes every handler for msgType.
func (c *Channel) Off(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, msgType)
}

// OnState registers a state-change callback.
func (c *Channel) OnState(h func(ChannelState)) {
	c.mu.Lock()
	c.onState = append(c.onState, h)
	c.mu.Unlock()
}

// OnReconnectFailed registers the terminal reconnect-exhausted callback.
func (c *Channel) OnReconnectFailed(h func(attempts int)) {
	c.mu.Lock()
	c.onReconnectFailed = append(c.onReconnectFailed, h)
	c.mu.Unlock()
}

// OnBufferFlushed is called with the number of buffered frames delivered
// after an open.
func (c *Channel) OnBufferFlushed(h func(n int)) {
	c.mu.Lock()
	c.onBufferFlushed = append(c.onBufferFlushed, h)
	c.mu.Unlock()
}

// OnOpen is called after each successful open, once the buffer is flushed.
func (c *Channel) OnOpen(h func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, h)
	c.mu.Unlock()
}

// ============================================================================
// State
// ============================================================================

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.state
}

// Attempts returns the consecutive failed connect count.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.attempts
}

// Buffered returns the number of frames waiting for an open channel.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Connect starts connecting unless a connection is open or in flight.
// It does not block; watch OnState. After reconnection was exhausted
// only Connect starts a new attempt budget.
func (c *Channel) Connect() {
	c.fire(-1, fsmEvent{kind: evConnect})
}

// wake connects a closed channel unless reconnection was exhausted.
func (c *Channel) wake() {
	c.fire(-1, fsmEvent{kind: evWake})
}

// Exhausted reports whether reconnection gave up and is waiting for an
// explicit Connect.
func (c *Channel) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.exhausted
}

// Disconnect closes the channel with a normal-closure code, which
// suppresses reconnection and cancels any scheduled retry.
func (c *Channel) Disconnect() {
	c.fire(-1, fsmEvent{kind: evDisconnect})
}

// Close disconnects and releases the channel for good.
func (c *Channel) Close() error {
	c.Disconnect()
	c.cancel()
	return nil
}

// fire feeds ev through the state machine and executes the effects. gen
// ties socket events to the connection they came from; -1 skips the check.
func (c *Channel) fire(gen int, ev fsmEvent) {
	c.mu.Lock()
	if gen >= 0 && gen != c.gen {
		c.mu.Unlock()
		return
	}
	prev := c.fsm.state
	next, effects := transition(c.fsm, ev, c.backoff)
	c.fsm = next

	var notify []func()
	for _, eff := range effects {
		if f := c.applyLocked(eff); f != nil {
			notify = append(notify, f)
		}
	}
	if next.state == StateClosed || next.state == StateReconnecting {
		c.releaseLocked()
	}
	if next.state != prev {
		state := next.state
		for _, h := range c.onState {
			h := h
			notify = append(notify, func() { h(state) })
		}
	}
	c.mu.Unlock()

	if next.state != prev {
		c.log.Debug("realtime state changed", "from", prev, "to", next.state, "attempts", next.attempts)
	}
	for _, f := range notify {
		c.safeCall("state callback", f)
	}
}

// applyLocked executes one effect without blocking. Callbacks to run
// after the lock is released are returned.
func (c *Channel) applyLocked(eff effect) func() {
	switch eff.kind {
	case effDial:
		c.releaseLocked()
		c.gen++
		ctx, cancel := context.WithCancel(c.life)
		c.connCancel = cancel
		go c.dial(ctx, c.gen)

	case effStartHeartbeat:
		if c.conn != nil {
			ctx, cancel := context.WithCancel(c.life)
			c.hbCancel = cancel
			go c.heartbeatLoop(ctx, c.conn)
		}

	case effStopHeartbeat:
		if c.hbCancel != nil {
			c.hbCancel()
			c.hbCancel = nil
		}

	case effFlushBuffer:
		if !c.flushing {
			c.flushing = true
			go c.flush(c.gen)
		}

	case effScheduleRetry:
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		c.log.Info("realtime reconnect scheduled", "attempt", eff.attempt, "delay", eff.delay)
		c.retryTimer = time.AfterFunc(eff.delay, func() {
			c.fire(-1, fsmEvent{kind: evRetryTimer})
		})

	case effCancelRetry:
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}

	case effCloseSocket:
		conn := c.conn
		if conn == nil {
			return nil
		}
		go func() {
			if err := conn.Close(eff.code, "client disconnect"); err != nil {
				c.log.Debug("websocket close", "err", err)
			}
		}()

	case effReconnectFailed:
		c.log.Error("realtime reconnect attempts exhausted", "attempts", eff.attempt)
		handlers := append([]func(int){}, c.onReconnectFailed...)
		return func() {
			for _, h := range handlers {
				c.safeCall("reconnect failed callback", func() { h(eff.attempt) })
			}
		}
	}
	return nil
}

// releaseLocked drops the current socket and its goroutines.
func (c *Channel) releaseLocked() {
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.conn = nil
}

// ============================================================================
// Socket goroutines
// ============================================================================

func (c *Channel) dialURL() string {
	if c.token == "" {
		return c.url
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) dial(ctx context.Context, gen int) {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.dialURL(), opts)
	if err != nil {
		c.log.Warn("realtime dial failed", "url", c.url, "err", err)
		c.fire(gen, fsmEvent{kind: evDialFailed})
		return
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("realtime channel open", "url", c.url)
	c.fire(gen, fsmEvent{kind: evOpened})
	c.readLoop(ctx, conn, gen)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			c.log.Info("realtime channel closed", "code", int(code), "err", err)
			c.fire(gen, fsmEvent{kind: evSocketClosed, code: code})
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch f.Type {
		case framePong:
			continue
		case framePing:
			pong, _ := json.Marshal(Frame{Type: framePong, Timestamp: c.now().UnixMilli()})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				c.log.Debug("pong write failed", "err", err)
			}
			continue
		}
		c.dispatch(f)
	}
}

// heartbeatLoop sends keep-alive frames. Missing replies never force a
// reconnect; only a socket-level close does.
func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, _ := json.Marshal(Frame{Type: framePing, Timestamp: c.now().UnixMilli()})
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, ping)
			cancel()
			if err != nil {
				c.log.Debug("heartbeat write failed", "err", err)
			}
		}
	}
}

func (c *Channel) dispatch(f Frame) {
	c.mu.Lock()
	list := append([]frameHandlerEntry(nil), c.handlers[f.Type]...)
	c.mu.Unlock()
	for _, e := range list {
		c.safeCall("frame handler "+f.Type, func() { e.h(f) })
	}
}

func (c *Channel) safeCall(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime callback panicked", "callback", what, "panic", r)
		}
	}()
	f()
}

// ============================================================================
// Sending
// ============================================================================

func (c *Channel) encode(msgType string, payload any) ([]byte, error) {
	f := Frame{Type: msgType, Timestamp: c.now().UnixMilli(), ID: newID()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// Send delivers a frame now if the channel is open, otherwise buffers it
// in memory and starts a connect when closed and not exhausted. Buffered frames are flushed
// in FIFO order on the next open, before any frame sent after that open.
func (c *Channel) Send(ctx context.Context, msgType string, payload any) (delivered bool, err error) {
	data, err := c.encode(msgType, payload)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.fsm.state == StateOpen && !c.flushing && len(c.buffer) == 0 && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		werr := conn.Write(ctx, websocket.MessageText, data)
		if werr == nil {
			return true, nil
		}
		c.log.Debug("send failed, buffering", "type", msgType, "err", werr)
		c.mu.Lock()
	}
	c.buffer = append(c.buffer, data)
	closed := c.fsm.state == StateClosed
	c.mu.Unlock()

	if closed {
		c.wake()
	}
	return false, nil
}

// Write delivers a frame only if the channel is open and idle; it never
// buffers. It returns ErrNotOpen otherwise.
func (c *Channel) Write(ctx context.Context, msgType string, payload any) error {
	data, err := c.encode(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.fsm.state != StateOpen || c.flushing || len(c.buffer) > 0 || c.conn == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	c.mu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// flush drains the buffer in order while the channel stays open. Frames
// are popped only after a successful write.
func (c *Channel) flush(gen int) {
	sent := 0
	for {
		c.mu.Lock()
		if gen != c.gen || c.fsm.state != StateOpen || c.conn == nil || len(c.buffer) == 0 {
			c.flushing = false
			open := gen == c.gen && c.fsm.state == StateOpen
			flushed := append([]func(int){}, c.onBufferFlushed...)
			opened := append([]func(){}, c.onOpen...)
			c.mu.Unlock()
			if !open {
				return
			}
			if sent > 0 {
				c.log.Info("flushed buffered frames", "count", sent)
				for _, h := range flushed {
					c.safeCall("buffer flushed callback", func() { h(sent) })
				}
			}
			for _, h := range opened {
				c.safeCall("open callback", h)
			}
			return
		}
		data := c.buffer[0]
		conn := c.conn
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(c.life, 10*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.log.Warn("buffer flush interrupted", "sent", sent, "err", err)
			c.mu.Lock()
			c.flushing = false
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if len(c.buffer) > 0 {
			c.buffer = c.buffer[1:]
		}
		c.mu.Unlock()
		sent++
	}
}
