// Package chatbot is the terminal front end of the session client
package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"ChatRelay/internal/client"
	"ChatRelay/internal/config"
)

const (
	timeLayout    = "15:04"
	waitingMarker = "Bot is typing..."
)

// ChatBot reads lines from in, sends them through a client.Client and
// prints everything the client displays to out
type ChatBot struct {
	cfg    config.ClientConfig
	client *client.Client
	logger *slog.Logger
	in     io.Reader

	outMu sync.Mutex
	out   io.Writer
}

// NewChatBot creates a ChatBot and its client. Extra options are passed to
// client.New.
func NewChatBot(cfg config.ClientConfig, in io.Reader, out io.Writer, logger *slog.Logger, opts ...client.Option) *ChatBot {
	cb := &ChatBot{
		cfg:    cfg,
		logger: logger,
		in:     in,
		out:    out,
	}
	opts = append([]client.Option{
		client.WithLogger(logger),
		client.OnMessage(cb.printMessage),
		client.OnState(cb.printState),
	}, opts...)
	cb.client = client.New(cfg, opts...)
	return cb
}

// Client returns the underlying session client
func (cb *ChatBot) Client() *client.Client {
	return cb.client
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// printMessage renders one displayed message. Outgoing turns were already
// typed by the user, so only a waiting marker is printed for them.
func (cb *ChatBot) printMessage(m client.DisplayedMessage) {
	if m.Direction == client.Outgoing {
		cb.printf("%s\n", waitingMarker)
		return
	}
	cb.printf("%s\n", formatMessage(m))
}

func (cb *ChatBot) printState(s client.ConnState) {
	switch s {
	case client.Connected:
		cb.printf("* connected to %s\n", cb.cfg.URL)
	case client.Reconnecting:
		cb.printf("* connection lost, reconnecting...\n")
	case client.Disconnected:
		cb.printf("* disconnected\n")
	}
}

func formatMessage(m client.DisplayedMessage) string {
	ts := m.Timestamp.Format(timeLayout)
	switch {
	case m.Direction == client.Outgoing:
		return fmt.Sprintf("[%s] You: %s", ts, m.Text)
	case m.Kind == client.KindNotice:
		return fmt.Sprintf("[%s] * %s", ts, m.Text)
	case m.Kind == client.KindError:
		return fmt.Sprintf("[%s] ! %s", ts, m.Text)
	default:
		return fmt.Sprintf("[%s] Bot: %s", ts, m.Text)
	}
}

// handleCommand processes a slash command
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/status":
		cb.printf("Connection: %s\n", cb.client.State())
		cb.printf("Reply:      %s\n", cb.client.Pending())
		if n := cb.client.Attempts(); n > 0 {
			cb.printf("Attempts:   %d of %d\n", n, cb.cfg.MaxAttempts)
		}
		return false, nil

	case "/reconnect":
		if cb.client.State() != client.Disconnected {
			cb.printf("Already %s\n", cb.client.State())
			return false, nil
		}
		if err := cb.client.Connect(ctx); err != nil {
			return false, err
		}
		return false, nil

	case "/history":
		msgs := cb.client.Messages()
		if len(msgs) == 0 {
			cb.printf("No messages yet.\n")
			return false, nil
		}
		for _, m := range msgs {
			cb.printf("%s\n", formatMessage(m))
		}
		return false, nil

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /quit, /exit  - Exit the chat\n")
		cb.printf("  /status       - Show connection and reply state\n")
		cb.printf("  /reconnect    - Connect again after giving up\n")
		cb.printf("  /history      - Show the whole conversation\n")
		cb.printf("  /help         - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

// Run connects and reads input until /quit, end of input or ctx is done
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.client.Close()

	cb.printf("=== ChatRelay ===\n")
	cb.printf("Relay: %s\n", cb.cfg.URL)
	cb.printf("Type /help for commands, /quit to exit\n\n")

	if err := cb.client.Greet(ctx); err != nil {
		cb.logger.Warn("failed to fetch greeting", "error", err)
	}

	if err := cb.client.Connect(ctx); err != nil {
		cb.printf("Error: %v\n", err)
		cb.logger.Error("initial connect failed", "error", err)
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			cb.printf("Goodbye!\n")
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.client.Send(input); err != nil {
			cb.printf("Error: %v\n", err)
			if errors.Is(err, client.ErrNotConnected) {
				cb.printf("Use /reconnect once the relay is reachable.\n")
			}
			cb.logger.Warn("failed to send message", "error", err)
		}
	}

	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	default:
	}

	cb.printf("Goodbye!\n")
	return nil
}
