package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/config"
	"ChatRelay/internal/relay"
	"ChatRelay/internal/session"
)

// testRelay runs an echo relay that can be told to refuse new websockets
type testRelay struct {
	srv    *relay.Server
	hs     *httptest.Server
	refuse atomic.Bool
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	return newTestRelayWith(t, backend.Echo{})
}

func newTestRelayWith(t *testing.T, gen backend.Generator) *testRelay {
	t.Helper()
	cfg := config.Default().Server
	cfg.PingInterval = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := relay.NewServer(cfg, gen, logger, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	tr := &testRelay{srv: srv}
	tr.hs = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tr.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		srv.CloseAll()
		tr.hs.Close()
	})
	return tr
}

func (tr *testRelay) url() string {
	return "ws" + strings.TrimPrefix(tr.hs.URL, "http") + "/ws"
}

// drop closes every server side connection, as a relay restart would
func (tr *testRelay) drop(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.srv.ConnectionCount() > 0 }, time.Second, 5*time.Millisecond)
	tr.srv.CloseAll()
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(s ConnState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

func testClientConfig(url string) config.ClientConfig {
	return config.ClientConfig{
		URL:               url,
		SoftDeadline:      5 * time.Second,
		HardDeadline:      10 * time.Second,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Millisecond,
		MaxAttempts:       50,
	}
}

func hasText(c *Client, text string) func() bool {
	return func() bool {
		for _, m := range c.Messages() {
			if m.Text == text {
				return true
			}
		}
		return false
	}
}

func TestSendAndReceive(t *testing.T) {
	tr := newTestRelay(t)
	rec := &stateRecorder{}
	c := New(testClientConfig(tr.url()), OnState(rec.record))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Send("  hello  "))
	require.Eventually(t, hasText(c, "echo: hello"), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, c.Pending())

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, Outgoing, msgs[0].Direction)
	assert.Equal(t, Incoming, msgs[1].Direction)

	assert.Equal(t, []ConnState{Connecting, Connected}, rec.all())
}

func TestSendRejectsEmptyAndDisconnected(t *testing.T) {
	c := New(testClientConfig("ws://127.0.0.1:1/ws"))

	assert.ErrorIs(t, c.Send("   "), ErrEmptyMessage)
	assert.ErrorIs(t, c.Send("hello"), ErrNotConnected)
	assert.Empty(t, c.Messages())
	assert.Equal(t, Idle, c.Pending())
}

func TestConnectFailure(t *testing.T) {
	tr := newTestRelay(t)
	tr.refuse.Store(true)
	rec := &stateRecorder{}
	c := New(testClientConfig(tr.url()), OnState(rec.record))

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, []ConnState{Connecting, Disconnected}, rec.all())

	tr.refuse.Store(false)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())
	require.NoError(t, c.Close())
}

func TestReconnectResetsAttempts(t *testing.T) {
	tr := newTestRelay(t)
	rec := &stateRecorder{}
	c := New(testClientConfig(tr.url()), OnState(rec.record))
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	tr.refuse.Store(true)
	tr.drop(t)

	require.Eventually(t, func() bool {
		return c.State() == Reconnecting && c.Attempts() >= 2
	}, 2*time.Second, 2*time.Millisecond)

	tr.refuse.Store(false)
	require.Eventually(t, func() bool { return c.State() == Connected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Attempts())

	assert.Equal(t, []ConnState{Connecting, Connected, Reconnecting, Connected}, rec.all())

	require.NoError(t, c.Send("again"))
	require.Eventually(t, hasText(c, "echo: again"), 2*time.Second, 5*time.Millisecond)
}

func TestReconnectGivesUp(t *testing.T) {
	tr := newTestRelay(t)
	cfg := testClientConfig(tr.url())
	cfg.MaxAttempts = 3
	c := New(cfg)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	tr.refuse.Store(true)
	tr.drop(t)

	notice := fmt.Sprintf("Connection lost. Gave up after %d reconnect attempts.", 3)
	require.Eventually(t, hasText(c, notice), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 3, c.Attempts())
	assert.ErrorIs(t, c.Send("anyone?"), ErrNotConnected)

	msgs := c.Messages()
	assert.Equal(t, KindNotice, msgs[len(msgs)-1].Kind)

	// A manual connect starts over once the relay is back.
	tr.refuse.Store(false)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, 0, c.Attempts())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	tr := newTestRelay(t)
	cfg := testClientConfig(tr.url())
	cfg.MaxAttempts = 0
	c := New(cfg)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	tr.drop(t)

	require.Eventually(t, hasText(c, "Connection lost. Gave up after 0 reconnect attempts."), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := newTestRelay(t)
	rec := &stateRecorder{}
	c := New(testClientConfig(tr.url()), OnState(rec.record))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, []ConnState{Connecting, Connected, Disconnected}, rec.all())

	// No reconnect follows a deliberate close.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 0, c.Attempts())
}

func TestCloseDuringReconnect(t *testing.T) {
	tr := newTestRelay(t)
	c := New(testClientConfig(tr.url()))
	require.NoError(t, c.Connect(context.Background()))

	tr.refuse.Store(true)
	tr.drop(t)
	require.Eventually(t, func() bool { return c.State() == Reconnecting }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, c.Close())
	tr.refuse.Store(false)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	for _, m := range c.Messages() {
		assert.NotContains(t, m.Text, "Gave up")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	tr := newTestRelay(t)
	clock := &fakeClock{}
	c := New(testClientConfig(tr.url()), WithAfterFunc(clock.AfterFunc))
	require.NoError(t, c.Connect(context.Background()))

	// Begin directly so no reply can race the close.
	c.pending.Begin("hello")
	require.NoError(t, c.Close())

	assert.Equal(t, Idle, c.Pending())
	clock.fire(1)
	assert.Equal(t, []string{"hello"}, texts(c.Messages()))
}

type failingGen struct{}

func (failingGen) Name() string { return "failing" }

func (failingGen) Generate(context.Context, []session.Turn) (string, error) {
	return "", fmt.Errorf("%w: quota exceeded", backend.ErrGeneration)
}

func TestGenerationFailureReachesClient(t *testing.T) {
	tr := newTestRelayWith(t, failingGen{})
	c := New(testClientConfig(tr.url()))
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Send("hello"))
	require.Eventually(t, func() bool { return len(c.Messages()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	// Nothing else arrives for the same request.
	time.Sleep(50 * time.Millisecond)
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Idle, c.Pending())

	assert.Equal(t, Incoming, msgs[1].Direction)
	assert.Equal(t, KindError, msgs[1].Kind)
	assert.Equal(t, FailedTextPrefix+"the model could not produce a reply", msgs[1].Text)
	assert.NotContains(t, msgs[1].Text, "quota")
}

func TestGreetShowsRelayGreeting(t *testing.T) {
	tr := newTestRelay(t)
	c := New(testClientConfig(tr.url()))

	require.NoError(t, c.Greet(context.Background()))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, config.Default().Server.Greeting, msgs[0].Text)
	assert.Equal(t, Incoming, msgs[0].Direction)
	assert.Equal(t, KindTurn, msgs[0].Kind)
	assert.Equal(t, Disconnected, c.State())
}

func TestGreetFailureAppendsNothing(t *testing.T) {
	tr := newTestRelay(t)
	tr.hs.Close()
	c := New(testClientConfig(tr.url()))

	err := c.Greet(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch greeting")
	assert.Empty(t, c.Messages())
}

func TestHelloURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:3000/ws", "http://localhost:3000/api/hello"},
		{"wss://chat.example.com/ws", "https://chat.example.com/api/hello"},
		{"ws://localhost:3000/relay/ws/", "http://localhost:3000/relay/api/hello"},
		{"ws://localhost:3000", "http://localhost:3000/api/hello"},
		{"ws://localhost:3000/ws?token=x", "http://localhost:3000/api/hello"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := helloURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := helloURL("ftp://localhost/ws")
	assert.Error(t, err)
}
