// Package socket is a Socket.IO client for the backend's notification
// namespace. A Client owns one connection for one signed-in user and
// reconnects according to its Config.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	sio "github.com/zishang520/socket.io-client-go/socket"
)

// Events the client reacts to or dispatches.
const (
	EventConnect         = "connect"
	EventConnectError    = "connect_error"
	EventDisconnect      = "disconnect"
	EventReconnectFailed = "reconnect_failed"
	EventJoinRoom        = "join-user-room"
	EventJoinedRoom      = "joined-user-room"
	EventNotification    = "notification"
)

// ReasonServerDisconnect is the disconnect reason after which the server
// expects no reconnect.
const ReasonServerDisconnect = "io server disconnect"

const eventBuffer = 64

var (
	// ErrNotConnected is returned by Emit while no namespace connection is up.
	ErrNotConnected = errors.New("socket not connected")
	// ErrNoIdentity is returned by New when no user id is given.
	ErrNoIdentity = errors.New("socket requires a user identity")
)

// Config controls where and how the client connects.
type Config struct {
	URL               string
	Path              string
	Namespace         string
	Transports        []string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Timeout           time.Duration
	Header            http.Header
	Auth              map[string]string
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.Namespace == "" {
		c.Namespace = "/"
	}
	if len(c.Transports) == 0 {
		c.Transports = []string{TransportWebsocket, TransportPolling}
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	return c
}

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Handler receives the first argument of an event. Handlers run one at a
// time on the client's dispatch goroutine and must not block.
type Handler func(payload json.RawMessage)

// Observer is notified about connection lifecycle changes.
type Observer interface {
	SocketConnected(up bool)
	SocketError(kind string)
	SocketEvent(event string)
}

type nopObserver struct{}

func (nopObserver) SocketConnected(bool) {}
func (nopObserver) SocketError(string)   {}
func (nopObserver) SocketEvent(string)   {}

type event struct {
	name string
	args []any
	// lifecycle events come from the connection itself, not the server.
	lifecycle bool
}

// Client is one Socket.IO connection bound to one user.
type Client struct {
	cfg    Config
	userID string
	dialer Dialer
	obs    Observer
	log    *slog.Logger

	state  atomic.Int32
	events chan event

	mu       sync.Mutex
	conn     Conn
	handlers map[string]map[uint64]Handler
	nextID   uint64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a client for userID. It does not connect until Start.
func New(cfg Config, userID string, dialer Dialer, obs Observer) (*Client, error) {
	if userID == "" {
		return nil, ErrNoIdentity
	}
	if cfg.URL == "" {
		return nil, errors.New("socket url is required")
	}
	if dialer == nil {
		dialer = IODialer{}
	}
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg.withDefaults(),
		userID:   userID,
		dialer:   dialer,
		obs:      obs,
		log:      slog.Default().With("component", "socket", "user_id", userID),
		events:   make(chan event, eventBuffer),
		handlers: make(map[string]map[uint64]Handler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start begins connecting in the background. Calling it again is a no-op.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(c.cfg)
		if err != nil {
			c.obs.SocketError("connect_error")
			c.logError("cannot open notification socket", err)
			c.setState(StateDisconnected)
			close(c.done)
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		for _, name := range []string{EventConnect, EventConnectError, EventDisconnect, EventReconnectFailed} {
			conn.On(name, func(args ...any) {
				c.enqueue(event{name: name, args: args, lifecycle: true})
			})
		}
		conn.OnAny(func(name string, args ...any) {
			c.enqueue(event{name: name, args: args})
		})
		go c.run(conn)
		conn.Connect()
	})
}

// Close tears the connection down and waits for the dispatch loop to
// finish. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		started := true
		c.startOnce.Do(func() {
			started = false
			close(c.done)
		})
		if started {
			<-c.done
		}
	})
}

// Done is closed once the client has stopped for good: after Close, after
// reconnect attempts ran out, or when the server ended the session.
func (c *Client) Done() <-chan struct{} { return c.done }

// UserID returns the identity the client was created for.
func (c *Client) UserID() string { return c.userID }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Connected reports whether the namespace connection is up.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// On registers h for event and returns a function removing it.
func (c *Client) On(event string, h Handler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// Emit sends an event with one argument to the namespace.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		return ErrNotConnected
	}
	if err := conn.Emit(event, payload); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) enqueue(e event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *Client) run(conn Conn) {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown(conn)
			return
		case e := <-c.events:
			if !c.handle(e) {
				c.shutdown(conn)
				return
			}
		}
	}
}

func (c *Client) shutdown(conn Conn) {
	c.cancel()
	if c.Connected() {
		c.obs.SocketConnected(false)
		c.dispatch(EventDisconnect, nil)
	}
	c.setState(StateDisconnected)
	conn.Close()
}

// handle applies one event and reports whether the client keeps running.
func (c *Client) handle(e event) bool {
	if !e.lifecycle {
		c.obs.SocketEvent(e.name)
		if e.name == EventJoinedRoom {
			c.log.Debug("joined user room")
		}
		payload, err := firstArg(e.args)
		if err != nil {
			c.log.Warn("ignoring malformed event", "event", e.name, "error", err)
			return true
		}
		c.dispatch(e.name, payload)
		return true
	}

	switch e.name {
	case EventConnect:
		c.setState(StateConnected)
		c.obs.SocketConnected(true)
		c.log.Info("notification socket connected")
		if err := c.Emit(EventJoinRoom, map[string]string{"userId": c.userID}); err != nil {
			c.logError("join user room failed", err)
		}
		c.dispatch(EventConnect, nil)
	case EventConnectError:
		err := argError(e.args)
		c.obs.SocketError("connect_error")
		c.logError("notification socket connect failed", err)
		// A refused namespace connect is final; transport errors are retried.
		var refused *sio.ExtendedError
		if errors.As(err, &refused) {
			return false
		}
	case EventDisconnect:
		reason, _ := firstString(e.args)
		if c.Connected() {
			c.setState(StateConnecting)
			c.obs.SocketConnected(false)
			c.dispatch(EventDisconnect, nil)
		}
		c.log.Warn("notification socket disconnected", "reason", reason)
		if reason == ReasonServerDisconnect {
			return false
		}
	case EventReconnectFailed:
		c.log.Warn("giving up on notification socket", "attempts", c.cfg.ReconnectAttempts)
		c.obs.SocketError("reconnect_exhausted")
		return false
	}
	return true
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

// firstArg re-encodes the first event argument as JSON.
func firstArg(args []any) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if raw, ok := args[0].(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("encode event argument: %w", err)
	}
	return data, nil
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func argError(args []any) error {
	for _, a := range args {
		if err, ok := a.(error); ok && err != nil {
			return err
		}
	}
	return errors.New("connect error")
}

// logError logs err with whatever structure can be pulled out of it.
func (c *Client) logError(msg string, err error) {
	c.log.Warn(msg, ErrorAttrs(err)...)
}

// ErrorAttrs extracts slog key-value pairs from connection errors.
func ErrorAttrs(err error) []any {
	attrs := []any{"error", err}
	var refused *sio.ExtendedError
	if errors.As(err, &refused) {
		attrs = append(attrs, "reason", refused.Message)
		if refused.Data != nil {
			attrs = append(attrs, "data", refused.Data)
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		attrs = append(attrs, "op", urlErr.Op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		attrs = append(attrs, "timeout", true)
	}
	return attrs
}
