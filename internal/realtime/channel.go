// Package realtime maintains the per-wallet push channel.
//
// The channel is an explicit state machine: Disconnected -> Connecting -> Live
// -> Disconnected. Reconnects follow retry.ReconnectPolicy; when the budget is
// spent the channel moves to GaveUp and the session keeps polling only.
package realtime

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/mapper"
	"github.com/portfolio-sync/internal/metrics"
	"github.com/portfolio-sync/internal/retry"
)

// State is the channel state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateGaveUp       State = "gave_up"
)

// Message kinds
const (
	MsgPortfolioUpdate = "portfolio_update"
	MsgTransaction     = "transaction"
	MsgPositionExit    = "position_exit"
	MsgPositionEnter   = "position_enter"
	MsgAgentStatus     = "agent_status"
	MsgHeartbeat       = "heartbeat"
)

// Message is one decoded push message. Data is the "data" object when the
// sender nests its payload, otherwise the whole message.
type Message struct {
	Type       string
	Data       mapper.Raw
	ReceivedAt time.Time
}

// Conn is a connected push channel
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens push channel connections
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// Handler receives messages and state transitions
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	ChannelStateChanged(state State)
}

// Channel is one wallet's push subscription
type Channel struct {
	wallet  string
	url     string
	dialer  Dialer
	handler Handler
	policy  retry.Policy
	sleep   retry.Sleeper
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.RWMutex
	state    State
	attempt  int
	lastSeen time.Time
}

// NewChannel creates a channel for wallet. It does nothing until Run.
func NewChannel(wallet, rawURL string, dialer Dialer, handler Handler) *Channel {
	return &Channel{
		wallet:  strings.ToLower(wallet),
		url:     rawURL,
		dialer:  dialer,
		handler: handler,
		policy:  retry.ReconnectPolicy(),
		sleep:   retry.Sleep,
		logger:  logging.GetGlobalLogger().ForComponent("realtime").ForWallet(wallet),
		now:     time.Now,
		state:   StateDisconnected,
	}
}

// WithSleeper replaces the backoff sleeper
func (c *Channel) WithSleeper(s retry.Sleeper) *Channel {
	c.sleep = s
	return c
}

// WithPolicy replaces the reconnect policy
func (c *Channel) WithPolicy(p retry.Policy) *Channel {
	c.policy = p
	return c
}

// State returns the current state
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempt returns the reconnect counter
func (c *Channel) Attempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

// LastSeen returns when the last message, heartbeats included, arrived
func (c *Channel) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Run connects and keeps the channel alive until ctx is done or the reconnect
// budget is spent. Giving up is not an error.
func (c *Channel) Run(ctx context.Context) error {
	for {
		c.transition(StateConnecting)
		conn, err := c.dialer.Dial(ctx, c.subscribeURL())
		if err == nil {
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			c.transition(StateDisconnected)
			return ctx.Err()
		}

		c.transition(StateDisconnected)
		c.logger.WithError(apperrors.ChannelDisconnect(err)).
			WithFields(map[string]interface{}{
				"category": apperrors.CategoryChannelDisconnect,
				"attempt":  c.Attempt(),
			}).Warn("Realtime channel disconnected")

		c.mu.Lock()
		attempt := c.attempt
		if c.policy.Exhausted(attempt) {
			c.state = StateGaveUp
			c.mu.Unlock()
			c.notify(StateGaveUp)
			c.logger.Info("Realtime reconnect budget spent, polling only")
			return nil
		}
		c.attempt++
		c.mu.Unlock()

		metrics.RecordReconnect(c.wallet)
		if err := c.sleep(ctx, c.policy.Delay(attempt)); err != nil {
			return err
		}
	}
}

// serve subscribes and reads until the connection fails
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "wallet": c.wallet}); err != nil {
		return err
	}

	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.transition(StateLive)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var raw mapper.Raw
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}
		msg, ok := decode(raw, c.now().UTC())
		if !ok {
			metrics.RecordChannelMessage("unknown", "malformed")
			continue
		}

		c.mu.Lock()
		c.lastSeen = msg.ReceivedAt
		c.mu.Unlock()

		if msg.Type == MsgHeartbeat {
			metrics.RecordChannelMessage(msg.Type, "liveness")
			continue
		}
		c.handler.HandleMessage(ctx, msg)
	}
}

func (c *Channel) transition(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notify(s)
	}
}

func (c *Channel) notify(s State) {
	metrics.SetChannelLive(c.wallet, s == StateLive)
	c.handler.ChannelStateChanged(s)
}

func (c *Channel) subscribeURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("wallet", c.wallet)
	u.RawQuery = q.Encode()
	return u.String()
}

func decode(raw mapper.Raw, at time.Time) (Message, bool) {
	msgType := strings.ToLower(mapper.Str(raw, "type", "event"))
	if msgType == "" {
		return Message{}, false
	}
	data, _ := raw["data"].(map[string]interface{})
	if data == nil {
		data = raw
	}
	return Message{Type: msgType, Data: data, ReceivedAt: at}, true
}
