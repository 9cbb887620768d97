// Package client is the session client of the chat relay.
//
// A Client owns one websocket to the relay and two state machines:
//
//   - connection: disconnected -> connecting -> connected, and on loss
//     connected -> reconnecting -> connected | disconnected. Reconnect
//     delays grow linearly up to a cap for a bounded number of attempts.
//   - pending response: idle -> awaiting -> idle, with a soft "still
//     working" deadline and a hard "give up" deadline per request.
//
// Every change the user should see lands in the displayed-message Log.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"ChatRelay/internal/config"
	"ChatRelay/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	writeTimeout = 10 * time.Second
	httpTimeout  = 10 * time.Second
)

// Client is a session client. It is safe for concurrent use.
type Client struct {
	cfg        config.ClientConfig
	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     *slog.Logger
	log        *Log
	pending    *Pending
	onState    func(ConnState)

	mu       sync.Mutex
	state    ConnState
	attempts int
	ws       *websocket.Conn
	cancel   context.CancelFunc // Ends the current Connect..Close lifetime

	writeMu sync.Mutex
}

type options struct {
	logger     *slog.Logger
	dialer     *websocket.Dialer
	httpClient *http.Client
	afterFunc  AfterFunc
	onMessage  func(DisplayedMessage)
	onState    func(ConnState)
}

// Option customizes a Client
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithHTTPClient sets the client used to fetch the greeting
func WithHTTPClient(h *http.Client) Option { return func(o *options) { o.httpClient = h } }

// WithAfterFunc replaces time.AfterFunc for the response deadlines
func WithAfterFunc(f AfterFunc) Option { return func(o *options) { o.afterFunc = f } }

// OnMessage is called for every displayed message, in order
func OnMessage(f func(DisplayedMessage)) Option { return func(o *options) { o.onMessage = f } }

// OnState is called after every connection state change
func OnState(f func(ConnState)) Option { return func(o *options) { o.onState = f } }

// New creates a disconnected client
func New(cfg config.ClientConfig, opts ...Option) *Client {
	o := options{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialer:     websocket.DefaultDialer,
		httpClient: &http.Client{Timeout: httpTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := NewLog(o.onMessage)
	return &Client{
		cfg:        cfg,
		dialer:     o.dialer,
		httpClient: o.httpClient,
		logger:     o.logger,
		log:        log,
		pending:    NewPending(log, cfg.SoftDeadline, cfg.HardDeadline, o.afterFunc),
		onState:    o.onState,
	}
}

// State returns the connection state
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts in the current outage
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Pending returns the pending-response state
func (c *Client) Pending() PendingState {
	return c.pending.State()
}

// Messages returns a copy of the displayed messages
func (c *Client) Messages() []DisplayedMessage {
	return c.log.Messages()
}

// Connect dials the relay. It is a no-op unless the client is disconnected,
// and it is also how a user reconnects after retries ran out.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	life, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.attempts = 0
	c.state = Connecting
	c.mu.Unlock()
	c.notifyState(Connecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		cancel()
		changed := c.state == Connecting
		if changed {
			c.cancel = nil
			c.state = Disconnected
		}
		c.mu.Unlock()
		if changed {
			c.notifyState(Disconnected)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}

	if !c.attach(life, ws) {
		return ErrNotConnected
	}
	c.logger.Info("connected", "url", c.cfg.URL)
	return nil
}

// Close tears the connection down, stops retries and drops any pending
// request. Calling it again has no further effect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		// Cancelled under mu so a concurrent attach cannot revive the client.
		c.cancel()
		c.cancel = nil
	}
	ws := c.ws
	c.ws = nil
	c.attempts = 0
	changed := c.state != Disconnected
	c.state = Disconnected
	c.mu.Unlock()

	c.pending.Cancel()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	if changed {
		c.logger.Info("disconnected")
		c.notifyState(Disconnected)
	}
	return nil
}

// Send submits one user message. The text is trimmed; empty text is
// rejected.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	ws := c.ws
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.pending.Begin(text)

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := ws.WriteJSON(protocol.UserMessage(text))
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Fail("message could not be sent")
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	return ws, err
}

// attach installs ws as the live connection unless the lifetime it was
// dialed for has already ended
func (c *Client) attach(life context.Context, ws *websocket.Conn) bool {
	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		return false
	}
	c.ws = ws
	c.attempts = 0
	c.state = Connected
	c.mu.Unlock()

	c.notifyState(Connected)
	go c.readLoop(life, ws)
	return true
}

// readLoop delivers server events until the socket fails, then starts the
// reconnect policy unless the client was closed
func (c *Client) readLoop(life context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if life.Err() != nil {
				return
			}
			c.logger.Warn("connection lost", "error", err)
			_ = ws.Close()
			c.reconnect(life)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("ignoring frame", "error", err)
			continue
		}
		switch env.Type {
		case protocol.EventAssistantReply:
			c.pending.Reply(env.Text)
		case protocol.EventAssistantError:
			c.pending.Fail(env.Text)
		default:
			c.logger.Warn("ignoring event", "type", env.Type)
		}
	}
}

// reconnect retries with linearly growing delays. It ends connected, or
// disconnected with a terminal notice once attempts run out.
func (c *Client) reconnect(life context.Context) {
	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.attempts = 0
	c.state = Reconnecting
	c.mu.Unlock()
	c.notifyState(Reconnecting)

	policy := reconnectPolicy(c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay, c.cfg.MaxAttempts)
	for {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		ws, err := c.dial(life)
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt, "delay", delay, "error", err)
			continue
		}
		if c.attach(life, ws) {
			c.logger.Info("reconnected", "attempt", attempt)
		}
		return
	}

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return
	}
	attempts := c.attempts
	c.state = Disconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.logger.Error("giving up on reconnect", "attempts", attempts)
	c.log.Append(fmt.Sprintf("Connection lost. Gave up after %d reconnect attempts.", attempts), Incoming, KindNotice)
	c.notifyState(Disconnected)
}

func (c *Client) notifyState(s ConnState) {
	if c.onState != nil {
		c.onState(s)
	}
}
