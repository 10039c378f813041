// Package realtime owns the notification socket of every signed-in user and
// the job listeners result pages wait on.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pavelanni/vocabdash/internal/backend"
	"github.com/pavelanni/vocabdash/internal/jobwatch"
	"github.com/pavelanni/vocabdash/internal/model"
	"github.com/pavelanni/vocabdash/internal/socket"
)

// ErrNoChannel is returned by Watch for exam kinds scored without the backend.
var ErrNoChannel = errors.New("exam kind has no progress channel")

// Observer collects socket and job measurements.
type Observer interface {
	socket.Observer
	jobwatch.Observer
}

// Config controls the hub.
type Config struct {
	// Socket is the connection template. An empty URL disables live updates.
	Socket      socket.Config
	JobTimeout  time.Duration
	IdleTimeout time.Duration
	InboxSize   int
}

type conn struct {
	client   *socket.Client
	lastUsed time.Time
	watches  map[string]*jobwatch.Listener
	inbox    []model.Notification
	offInbox func()
}

// Hub keeps at most one socket per user.
type Hub struct {
	cfg    Config
	dialer socket.Dialer
	obs    Observer
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]*conn
}

// New returns a hub. A nil dialer connects through the Socket.IO manager.
func New(cfg Config, dialer socket.Dialer, obs Observer) (*Hub, error) {
	if cfg.JobTimeout <= 0 {
		return nil, jobwatch.ErrNoTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Hub{
		cfg:    cfg,
		dialer: dialer,
		obs:    obs,
		now:    time.Now,
		conns:  make(map[string]*conn),
	}, nil
}

// Enabled reports whether live updates are configured.
func (h *Hub) Enabled() bool { return h.cfg.Socket.URL != "" }

// Acquire returns the user's connection, opening it if needed. It returns
// nil when live updates are disabled or the user has no identity.
func (h *Hub) Acquire(user model.User, cookies []*http.Cookie) *socket.Client {
	if !h.Enabled() || user.ID == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.acquireLocked(user.ID, cookies)
	if c == nil {
		return nil
	}
	return c.client
}

func (h *Hub) acquireLocked(userID string, cookies []*http.Cookie) *conn {
	c := h.conns[userID]
	if c != nil && c.client != nil {
		select {
		case <-c.client.Done():
			c.offInbox()
			c.client = nil
		default:
			c.lastUsed = h.now()
			return c
		}
	}

	client, err := socket.New(h.socketConfig(cookies), userID, h.dialer, h.obs)
	if err != nil {
		slog.Warn("cannot open notification socket", "user_id", userID, "error", err)
		return c
	}
	if c == nil {
		c = &conn{watches: make(map[string]*jobwatch.Listener)}
		h.conns[userID] = c
	}
	c.client = client
	c.lastUsed = h.now()
	c.offInbox = client.On(socket.EventNotification, func(payload json.RawMessage) {
		h.deliver(userID, payload)
	})
	for _, l := range c.watches {
		l.Attach(client)
	}
	client.Start()
	return c
}

func (h *Hub) socketConfig(cookies []*http.Cookie) socket.Config {
	cfg := h.cfg.Socket
	header := http.Header{}
	for k, vs := range cfg.Header {
		header[k] = append([]string(nil), vs...)
	}
	for _, ck := range cookies {
		header.Add("Cookie", (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
	}
	cfg.Header = header
	if tok := backend.BearerToken(cookies); tok != "" {
		cfg.Auth = map[string]string{"token": tok}
	}
	return cfg
}

func (h *Hub) deliver(userID string, payload json.RawMessage) {
	var n model.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		slog.Warn("ignoring undecodable notification", "user_id", userID, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[userID]
	if c == nil {
		return
	}
	c.inbox = append(c.inbox, n)
	if over := len(c.inbox) - h.cfg.InboxSize; over > 0 {
		c.inbox = append([]model.Notification(nil), c.inbox[over:]...)
	}
}

// Notifications drains the live notifications received for userID.
func (h *Hub) Notifications(userID string) []model.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[userID]
	if c == nil || len(c.inbox) == 0 {
		return []model.Notification{}
	}
	out := c.inbox
	c.inbox = nil
	return out
}

// Watch starts listening for jobID on behalf of the result page of
// trainerID, replacing any listener that page had before. Without a live
// connection the listener stays loading until it times out.
func (h *Hub) Watch(user model.User, cookies []*http.Cookie, trainerID string, kind model.ExamKind, jobID string) (*jobwatch.Listener, error) {
	ch, ok := kind.Channel()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, kind)
	}
	l, err := jobwatch.New(ch, jobID, h.cfg.JobTimeout, h.obs)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[user.ID]
	if h.Enabled() && user.ID != "" {
		c = h.acquireLocked(user.ID, cookies)
	}
	if c == nil {
		c = &conn{watches: make(map[string]*jobwatch.Listener), lastUsed: h.now()}
		h.conns[user.ID] = c
	}
	if prev := c.watches[trainerID]; prev != nil {
		prev.Detach()
	}
	c.watches[trainerID] = l
	if c.client != nil {
		l.Attach(c.client)
	}
	return l, nil
}

// Listener returns the listener the result page of trainerID waits on.
func (h *Hub) Listener(userID, trainerID string) (*jobwatch.Listener, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[userID]
	if c == nil {
		return nil, false
	}
	l, ok := c.watches[trainerID]
	if ok {
		c.lastUsed = h.now()
	}
	return l, ok
}

// Unwatch detaches and forgets the listener of trainerID.
func (h *Hub) Unwatch(userID, trainerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[userID]
	if c == nil {
		return
	}
	if l := c.watches[trainerID]; l != nil {
		l.Detach()
		delete(c.watches, trainerID)
	}
}

// Release closes the user's connection and drops its listeners.
func (h *Hub) Release(userID string) {
	h.mu.Lock()
	c := h.conns[userID]
	delete(h.conns, userID)
	h.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// Sweep closes connections unused for longer than the idle timeout and
// returns how many it closed.
func (h *Hub) Sweep() int {
	cutoff := h.now().Add(-h.cfg.IdleTimeout)
	var idle []*conn
	h.mu.Lock()
	for id, c := range h.conns {
		if c.lastUsed.Before(cutoff) {
			idle = append(idle, c)
			delete(h.conns, id)
		}
	}
	h.mu.Unlock()
	for _, c := range idle {
		c.close()
	}
	return len(idle)
}

// Run sweeps idle connections until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-t.C:
			if n := h.Sweep(); n > 0 {
				slog.Debug("closed idle notification sockets", "count", n)
			}
		}
	}
}

// Close closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *conn) close() {
	for _, l := range c.watches {
		l.Detach()
	}
	if c.client != nil {
		c.offInbox()
		c.client.Close()
	}
}
