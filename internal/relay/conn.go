package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ChatRelay/internal/archive"
	"ChatRelay/internal/protocol"
	"ChatRelay/internal/session"
)

const (
	reasonGenerationFailed  = "the model could not produce a reply"
	reasonGenerationTimeout = "the model took too long to reply"
	reasonBusy              = "still working on your previous message"
	reasonUnsupported       = "unsupported event"
)

// Conn is one client connection and its private transcript
type Conn struct {
	id         string
	srv        *Server
	ws         *websocket.Conn
	transcript *session.Transcript
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan string

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	seq       int
}

func newConn(srv *Server, ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:         id,
		srv:        srv,
		ws:         ws,
		transcript: session.NewTranscript(id),
		logger:     srv.logger.With("conn_id", id),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan string, srv.cfg.InboxSize),
	}
}

// ID returns the connection identifier
func (c *Conn) ID() string { return c.id }

// Close releases the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		c.closed = true
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.writeMu.Unlock()

		c.srv.unregister(c)
		if c.srv.archive != nil {
			if err := c.srv.archive.Closed(context.Background(), c.id, time.Now()); err != nil {
				c.logger.Warn("failed to archive disconnect", "error", err)
			}
		}
		c.logger.Info("client disconnected", "turns", c.transcript.Len())
	})
}

// readLoop reads frames until the peer goes away and queues user messages
// for the dispatcher
func (c *Conn) readLoop() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}
		c.extendReadDeadline()

		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.EventUserMessage {
			c.logger.Warn("ignoring frame", "error", err, "type", env.Type)
			c.send(protocol.AssistantError(reasonUnsupported))
			continue
		}

		select {
		case c.inbox <- env.Text:
		default:
			c.logger.Warn("inbox full, rejecting message")
			c.recordOutcome("busy")
			c.send(protocol.AssistantError(reasonBusy))
		}
	}
}

func (c *Conn) extendReadDeadline() {
	if c.srv.cfg.PingInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.srv.cfg.PingInterval))
	}
}

// keepAlive pings the peer so dead connections are noticed by readLoop
func (c *Conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout())); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// dispatch handles queued messages one at a time until the connection closes
func (c *Conn) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case text := <-c.inbox:
			c.handleUserMessage(text)
		}
	}
}

// Outcome is the result of one generation call: exactly one of Reply or Err
// is meaningful
type Outcome struct {
	Reply    string
	Err      error
	Duration time.Duration
}

// Envelope returns the terminating event for the outcome
func (o Outcome) Envelope() protocol.Envelope {
	switch {
	case o.Err == nil:
		return protocol.AssistantReply(o.Reply)
	case errors.Is(o.Err, context.DeadlineExceeded):
		return protocol.AssistantError(reasonGenerationTimeout)
	default:
		return protocol.AssistantError(reasonGenerationFailed)
	}
}

func (c *Conn) generate(turns []session.Turn) Outcome {
	ctx := c.ctx
	if c.srv.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.srv.generateTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := c.srv.gen.Generate(ctx, turns)
	return Outcome{Reply: reply, Err: err, Duration: time.Since(start)}
}

// handleUserMessage appends the user turn, calls the generator with the full
// transcript and always answers with a reply or an error
func (c *Conn) handleUserMessage(text string) {
	c.seq++
	c.transcript.Append(session.RoleUser, text)
	c.logger.Debug("user message", "seq", c.seq, "len", len(text))

	out := c.generate(c.transcript.Snapshot())

	if c.ctx.Err() != nil {
		// Disconnected while generating; nobody is left to answer.
		c.logger.Debug("dropping result for closed connection", "seq", c.seq)
		return
	}

	if out.Err != nil {
		c.transcript.DropLast(session.RoleUser)
		c.logger.Error("generation failed", "seq", c.seq, "error", out.Err)
		c.recordOutcome(archive.OutcomeError)
	} else {
		c.transcript.Append(session.RoleModel, out.Reply)
		c.recordOutcome(archive.OutcomeReply)
	}

	env := out.Envelope()
	c.archiveExchange(text, env, out.Duration)
	c.send(env)
}

func (c *Conn) recordOutcome(outcome string) {
	c.srv.messages.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (c *Conn) archiveExchange(text string, env protocol.Envelope, d time.Duration) {
	if c.srv.archive == nil {
		return
	}
	outcome := archive.OutcomeReply
	if env.Type == protocol.EventAssistantError {
		outcome = archive.OutcomeError
	}
	err := c.srv.archive.Record(c.ctx, archive.Exchange{
		ConnID:    c.id,
		Seq:       c.seq,
		UserText:  text,
		Outcome:   outcome,
		Response:  env.Text,
		Backend:   c.srv.gen.Name(),
		Duration:  d,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.logger.Warn("failed to archive exchange", "seq", c.seq, "error", err)
	}
}

func (c *Conn) writeTimeout() time.Duration {
	if c.srv.cfg.WriteTimeout > 0 {
		return c.srv.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// send writes one frame. Frames for a closed connection are dropped.
func (c *Conn) send(env protocol.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if err := c.ws.WriteJSON(env); err != nil {
		c.logger.Warn("ws send failed", "type", env.Type, "error", err)
	}
}
