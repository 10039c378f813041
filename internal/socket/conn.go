package socket

import (
	"errors"
	"fmt"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	sio "github.com/zishang520/socket.io-client-go/socket"
)

// Transport names accepted in Config.Transports.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Conn is one namespace connection driven by a Client. Listeners may be
// called from any goroutine.
type Conn interface {
	On(event string, fn func(args ...any))
	// OnAny receives every event the server emits.
	OnAny(fn func(event string, args ...any))
	Emit(event string, args ...any) error
	Connect()
	Close()
}

// Dialer creates namespace connections.
type Dialer interface {
	Dial(cfg Config) (Conn, error)
}

// IODialer connects through a Socket.IO manager, which owns transport
// fallback, heartbeats and reconnection.
type IODialer struct{}

// Dial builds a manager for cfg and returns its namespace socket. Nothing
// is sent until Connect.
func (IODialer) Dial(cfg Config) (Conn, error) {
	opts, err := managerOptions(cfg)
	if err != nil {
		return nil, err
	}
	m := sio.NewManager(cfg.URL, opts)
	return &ioConn{manager: m, socket: m.Socket(cfg.Namespace, opts)}, nil
}

func managerOptions(cfg Config) (*sio.Options, error) {
	set := types.NewSet[transports.TransportCtor]()
	for _, name := range cfg.Transports {
		switch name {
		case TransportWebsocket:
			set.Add(transports.WebSocket)
		case TransportPolling:
			set.Add(transports.Polling)
		default:
			return nil, fmt.Errorf("unknown socket transport %q", name)
		}
	}
	if set.Len() == 0 {
		return nil, errors.New("no socket transports configured")
	}

	opts := sio.DefaultOptions()
	opts.SetPath(cfg.Path)
	opts.SetTransports(set)
	// The engine starts on any configured transport. Polling upgrades to a
	// websocket once open, and a transport that fails to open falls back to
	// the next one.
	opts.SetUpgrade(true)
	opts.SetRememberUpgrade(true)
	opts.SetTryAllTransports(true)
	opts.SetExtraHeaders(cfg.Header.Clone())
	if len(cfg.Auth) > 0 {
		auth := make(map[string]any, len(cfg.Auth))
		for k, v := range cfg.Auth {
			auth[k] = v
		}
		opts.SetAuth(auth)
	}

	// With zero attempts the manager reports reconnect_failed on the first
	// loss instead of retrying.
	opts.SetReconnection(true)
	opts.SetReconnectionAttempts(float64(cfg.ReconnectAttempts))
	delay := float64(cfg.ReconnectDelay.Milliseconds())
	opts.SetReconnectionDelay(delay)
	opts.SetReconnectionDelayMax(delay)
	opts.SetRandomizationFactor(0)
	opts.SetTimeout(cfg.Timeout)

	opts.SetAutoConnect(false)
	return opts, nil
}

type ioConn struct {
	manager *sio.Manager
	socket  *sio.Socket
}

func (c *ioConn) On(event string, fn func(args ...any)) {
	// Reconnect bookkeeping is reported by the manager, not the namespace.
	if event == EventReconnectFailed {
		_ = c.manager.On(types.EventName(event), fn)
		return
	}
	_ = c.socket.On(types.EventName(event), fn)
}

func (c *ioConn) OnAny(fn func(event string, args ...any)) {
	c.socket.OnAny(func(args ...any) {
		if len(args) == 0 {
			return
		}
		name, ok := args[0].(string)
		if !ok {
			return
		}
		fn(name, args[1:]...)
	})
}

func (c *ioConn) Emit(event string, args ...any) error {
	return c.socket.Emit(event, args...)
}

func (c *ioConn) Connect() { c.socket.Connect() }

func (c *ioConn) Close() { c.socket.Disconnect() }
