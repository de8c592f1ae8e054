// Package push maintains the persistent event channel to the remote API.
// Frames are JSON objects {"event": name, "data": payload}.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Events exchanged with the remote API.
const (
	EventPairingCode       = "pairing_code"
	EventAgentConnected    = "agent_connected"
	EventProvisionSuccess  = "provision_success"
	EventSensorUpdate      = "sensor_update"
	EventStartProvisioning = "start_provisioning"
	EventStopProvisioning  = "stop_provisioning"
	EventJoinSensor        = "join_sensor"

	// Local lifecycle events, never sent on the wire.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

const writeTimeout = 10 * time.Second

// ErrNotConnected is returned by Emit while no connection is up.
var ErrNotConnected = errors.New("push channel not connected")

// Handler receives the data part of an event.
type Handler func(data json.RawMessage)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client keeps a WebSocket connection open, reconnecting after failures.
// Handlers survive reconnects.
type Client struct {
	url            string
	token          func() string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers map[string]map[uint64]Handler
	nextID   uint64

	writeMu sync.Mutex

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a client for url. token is consulted before every dial; while
// it returns "" the client stays disconnected.
func New(url string, token func() string, reconnectDelay time.Duration, logger *zap.Logger) *Client {
	return &Client{
		url:            url,
		token:          token,
		reconnectDelay: reconnectDelay,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         logger,
		handlers:       make(map[string]map[uint64]Handler),
	}
}

// Start launches the connection loop. Calling Start on a running client is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop closes the connection and waits for the loop to exit. It is safe to
// call more than once.
func (c *Client) Stop() {
	c.lifecycle.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// On registers h for event and returns a function removing it. The returned
// function is idempotent.
func (c *Client) On(event string, h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
			c.mu.Unlock()
		})
	}
}

// Listeners returns the number of handlers registered for event.
func (c *Client) Listeners(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[event])
}

// Emit sends event with data (which may be nil).
func (c *Client) Emit(event string, data any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	f := frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("push channel unavailable", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	token := c.token()
	if token == "" {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("push channel connected", zap.String("url", c.url))
	c.dispatch(EventConnect, nil)

	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()

	err = c.readLoop(conn)
	close(closed)
	_ = conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.dispatch(EventDisconnect, nil)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Warn("dropping malformed push frame", zap.Error(err))
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if f.Event == "" {
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
}
