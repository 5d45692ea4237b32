// Package push maintains the persistent duplex connection to the
// change-notification fabric. A channel instance is explicitly owned
// and constructor-injected; there is no ambient global. Lifecycle:
// Connect starts the run loop, Dispose tears it down. While joined,
// this channel is the only required trigger for cross-client
// consistency.
package push

import (
	"context"
	"sync"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/log"
)

// State is the channel's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateJoined       State = "joined"
)

// Notification is one change message from the authoritative tier.
// Either a hint (resource kind plus optional scope) that triggers
// invalidation and refresh, or a full snapshot that replaces the
// cache without a round trip.
type Notification struct {
	Resource string         `json:"resource"`
	ScopeKey string         `json:"scope_key,omitempty"`
	Snapshot *core.Snapshot `json:"snapshot,omitempty"`
}

// Handler receives channel events. HandleJoined fires on every join,
// including rejoins after a disconnect, so missed notifications are
// always compensated by an unconditional revalidation.
type Handler interface {
	HandleJoined(ctx context.Context)
	HandleNotification(ctx context.Context, n Notification)
}

// Conn is an established connection that has not yet joined a room.
type Conn interface {
	// Join enters the per-user room and starts delivery. The returned
	// session's channel closing signals connection loss.
	Join(ctx context.Context, userID string) (Session, error)
	Close() error
}

// Session is a joined room subscription.
type Session interface {
	Notifications() <-chan Notification
	Close() error
}

// Transport dials the push fabric. The AMQP implementation lives in
// this package; tests plug in fakes.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config controls the reconnect backoff. Fixed doubling with a cap;
// the schedule is not part of the boundary contract.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Channel drives the state machine
// disconnected -> connecting -> connected -> joined
// and redelivers every notification to the handler.
type Channel struct {
	transport Transport
	userID    string
	handler   Handler
	config    Config
	logger    *log.Logger

	mu      sync.Mutex
	state   State
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewChannel(transport Transport, userID string, handler Handler, config Config, logger *log.Logger) *Channel {
	return &Channel{
		transport: transport,
		userID:    userID,
		handler:   handler,
		config:    config,
		logger:    logger.WithComponent(log.ComponentPush),
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the run loop. Calling it again while running is a
// no-op, as is rejoining an already-joined room.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Dispose stops the run loop and closes the connection.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()
	<-done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(ctx, StateDisconnected)

	backoff := c.config.InitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if c.cycle(ctx) {
			// A session was established and then lost: reset backoff so
			// a flaky network gets a fast first retry.
			backoff = c.config.InitialBackoff
		}

		c.setState(ctx, StateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// cycle performs one connect-join-consume pass and reports whether a
// session was established.
func (c *Channel) cycle(ctx context.Context) bool {
	c.setState(ctx, StateConnecting)
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "connect failed", log.FieldError, err)
		return false
	}
	defer conn.Close()
	c.setState(ctx, StateConnected)

	// The join request carries the user identity; the bind completing
	// is its acknowledgement.
	sess, err := conn.Join(ctx, c.userID)
	if err != nil {
		c.logger.WarnContext(ctx, "join failed",
			log.FieldUserID, c.userID,
			log.FieldError, err)
		return false
	}
	defer sess.Close()
	c.setState(ctx, StateJoined)
	c.handler.HandleJoined(ctx)

	for {
		select {
		case <-ctx.Done():
			return true
		case <-c.stop:
			return true
		case n, ok := <-sess.Notifications():
			if !ok {
				c.logger.WarnContext(ctx, "push session lost")
				return true
			}
			c.handler.HandleNotification(ctx, n)
		}
	}
}

func (c *Channel) setState(ctx context.Context, next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.logger.DebugContext(ctx, "push channel state changed",
			log.FieldState, string(next))
	}
}
