package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"ChatRelay/internal/config"
	"ChatRelay/internal/session"
)

// Gemini calls the Google generative language API
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return config.BackendGemini }

// Generate sends all but the last turn as chat history and the last turn as
// the new message
func (g *Gemini) Generate(ctx context.Context, turns []session.Turn) (string, error) {
	last, err := lastUser(turns)
	if err != nil {
		return "", err
	}

	cs := g.client.GenerativeModel(g.model).StartChat()
	cs.History = geminiHistory(turns[:len(turns)-1])

	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return geminiText(resp)
}

// Close releases the underlying gRPC connection
func (g *Gemini) Close() error {
	return g.client.Close()
}

func geminiHistory(turns []session.Turn) []*genai.Content {
	history := make([]*genai.Content, len(turns))
	for i, turn := range turns {
		history[i] = &genai.Content{
			Role:  string(turn.Role),
			Parts: []genai.Part{genai.Text(turn.Content)},
		}
	}
	return history
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: empty response from Gemini", ErrGeneration)
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}
	return "", fmt.Errorf("%w: empty response from Gemini", ErrGeneration)
}
