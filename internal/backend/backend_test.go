package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"ChatRelay/internal/config"
	"ChatRelay/internal/session"
)

var history = []session.Turn{
	{Role: session.RoleUser, Content: "hello"},
	{Role: session.RoleModel, Content: "hi"},
	{Role: session.RoleUser, Content: "how are you?"},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEcho(t *testing.T) {
	reply, err := Echo{}.Generate(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "echo: how are you?", reply)

	_, err = Echo{}.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrGeneration)

	_, err = Echo{}.Generate(context.Background(), history[:2])
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestOllamaRequestMapping(t *testing.T) {
	var got OllamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"llama3:latest","message":{"role":"assistant","content":"fine"},"done":true}`))
	}))
	defer srv.Close()

	gen := NewOllama(srv.URL, "", srv.Client())
	reply, err := gen.Generate(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "fine", reply)
	assert.Equal(t, "llama3:latest", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1]["role"])
	assert.Equal(t, "how are you?", got.Messages[2]["content"])
}

func TestOllamaHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "missing", srv.Client()).Generate(context.Background(), history)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorContains(t, err, "model not found")
}

func TestAnthropic(t *testing.T) {
	var got AnthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"doing well"}]}`))
	}))
	defer srv.Close()

	gen, err := NewAnthropic("k", srv.URL, "", srv.Client())
	require.NoError(t, err)
	reply, err := gen.Generate(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "doing well", reply)
	assert.Equal(t, "assistant", got.Messages[1].Role)

	_, err = NewAnthropic("", srv.URL, "", srv.Client())
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}

func TestOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "local-model", body.Model)
		if !assert.Len(t, body.Messages, 3) {
			return
		}
		assert.Equal(t, "assistant", body.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	gen, err := NewOpenAI("", srv.URL, "local-model", srv.Client())
	require.NoError(t, err)
	reply, err := gen.Generate(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	_, err = NewOpenAI("", "", "", nil)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestGeminiHistoryAndText(t *testing.T) {
	h := geminiHistory(history[:2])
	require.Len(t, h, 2)
	assert.Equal(t, "user", h[0].Role)
	assert.Equal(t, "model", h[1].Role)
	assert.Equal(t, []genai.Part{genai.Text("hi")}, h[1].Parts)

	text, err := geminiText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("a"), genai.Text("b")}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	_, err = geminiText(&genai.GenerateContentResponse{})
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestNewSelectsBackend(t *testing.T) {
	gen, err := New(context.Background(), config.BackendConfig{Name: config.BackendEcho})
	require.NoError(t, err)
	assert.Equal(t, config.BackendEcho, gen.Name())

	gen, err = New(context.Background(), config.BackendConfig{Name: config.BackendOllama})
	require.NoError(t, err)
	assert.Equal(t, config.BackendOllama, gen.Name())

	_, err = New(context.Background(), config.BackendConfig{Name: config.BackendGemini})
	assert.ErrorContains(t, err, "GEMINI_API_KEY")

	_, err = New(context.Background(), config.BackendConfig{Name: "grok"})
	assert.Error(t, err)
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Generate(context.Context, []session.Turn) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestInstrumentPassesThrough(t *testing.T) {
	gen, err := Instrument(Echo{}, tracenoop.NewTracerProvider().Tracer("t"), metricnoop.NewMeterProvider().Meter("t"), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, config.BackendEcho, gen.Name())

	reply, err := gen.Generate(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "echo: how are you?", reply)

	bad, err := Instrument(failing{}, tracenoop.NewTracerProvider().Tracer("t"), metricnoop.NewMeterProvider().Meter("t"), discardLogger())
	require.NoError(t, err)
	_, err = bad.Generate(context.Background(), history)
	assert.ErrorContains(t, err, "quota exceeded")
}
