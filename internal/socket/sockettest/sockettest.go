// Package sockettest provides an in-memory socket.Dialer for tests.
package sockettest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pavelanni/vocabdash/internal/socket"
)

// Emitted is one event a client sent.
type Emitted struct {
	Event string
	Args  []any
}

// Conn is a namespace connection driven by the test. Unless its Dialer
// refuses connections, Connect acknowledges the namespace at once.
type Conn struct {
	cfg    socket.Config
	refuse error

	mu        sync.Mutex
	listeners map[string][]func(args ...any)
	catchAll  []func(event string, args ...any)
	emitted   []Emitted
	connected bool
	closed    bool
}

func (c *Conn) On(event string, fn func(args ...any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[string][]func(args ...any))
	}
	c.listeners[event] = append(c.listeners[event], fn)
}

func (c *Conn) OnAny(fn func(event string, args ...any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchAll = append(c.catchAll, fn)
}

func (c *Conn) Emit(event string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Args: args})
	return nil
}

func (c *Conn) Connect() {
	if c.refuse != nil {
		c.Fire(socket.EventConnectError, c.refuse)
		return
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.Fire(socket.EventConnect)
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed = true
}

// Fire delivers a connection lifecycle event such as disconnect or
// reconnect_failed.
func (c *Conn) Fire(event string, args ...any) {
	c.mu.Lock()
	ls := append(([]func(args ...any))(nil), c.listeners[event]...)
	if event == socket.EventDisconnect || event == socket.EventReconnectFailed {
		c.connected = false
	}
	c.mu.Unlock()
	for _, fn := range ls {
		fn(args...)
	}
}

// Reconnect marks the connection up again and fires connect.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.Fire(socket.EventConnect)
}

// Push delivers a server event whose argument is given as JSON. The
// argument reaches listeners decoded, as it would off the wire.
func (c *Conn) Push(event, payload string) {
	var arg any
	if err := json.Unmarshal([]byte(payload), &arg); err != nil {
		panic(fmt.Sprintf("sockettest: bad payload %q: %v", payload, err))
	}
	c.mu.Lock()
	ls := append(([]func(event string, args ...any))(nil), c.catchAll...)
	c.mu.Unlock()
	for _, fn := range ls {
		fn(event, arg)
	}
}

// Emitted returns the events the client sent so far.
func (c *Conn) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// Closed reports whether the client closed the connection.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Config returns the configuration the connection was dialed with.
func (c *Conn) Config() socket.Config { return c.cfg }

// Dialer records every dial and hands out Conns.
type Dialer struct {
	// Refuse, when set, is reported as a connect error by new connections.
	Refuse error
	// Err, when set, fails Dial itself.
	Err error

	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Dial(cfg socket.Config) (socket.Conn, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &Conn{cfg: cfg, refuse: d.Refuse}
	d.conns = append(d.conns, c)
	return c, nil
}

// Count returns the number of dials.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn returns the i-th dialed connection, or nil if there is none yet.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
