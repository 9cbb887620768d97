package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ChatRelay/internal/config"
	"ChatRelay/internal/session"
)

// ErrGeneration wraps every failure returned by a Generator
var ErrGeneration = errors.New("generation failed")

// Generator produces the model's next turn for a transcript that ends with
// a user turn. Implementations need not be deterministic.
type Generator interface {
	Generate(ctx context.Context, turns []session.Turn) (string, error)
	Name() string
}

// New builds the generator selected by cfg
func New(ctx context.Context, cfg config.BackendConfig) (Generator, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var (
		gen Generator
		err error
	)
	switch cfg.Name {
	case config.BackendGemini:
		gen, err = NewGemini(ctx, cfg.APIKey, cfg.Model)
	case config.BackendOpenAI:
		gen, err = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, httpClient)
	case config.BackendOllama:
		gen = NewOllama(cfg.BaseURL, cfg.Model, httpClient)
	case config.BackendAnthropic:
		gen, err = NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, httpClient)
	case config.BackendEcho:
		gen = Echo{}
	default:
		err = fmt.Errorf("unknown backend: %s", cfg.Name)
	}
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// lastUser returns the final turn and checks it is a user turn
func lastUser(turns []session.Turn) (session.Turn, error) {
	if len(turns) == 0 {
		return session.Turn{}, fmt.Errorf("%w: empty transcript", ErrGeneration)
	}
	last := turns[len(turns)-1]
	if last.Role != session.RoleUser {
		return session.Turn{}, fmt.Errorf("%w: transcript ends with %s turn", ErrGeneration, last.Role)
	}
	return last, nil
}

// chatRole maps transcript roles onto the user/assistant naming used by
// OpenAI-style APIs
func chatRole(role session.Role) string {
	if role == session.RoleModel {
		return "assistant"
	}
	return string(role)
}

// Echo replies with the last user message. Used for local runs and tests.
type Echo struct{}

func (Echo) Name() string { return config.BackendEcho }

func (Echo) Generate(ctx context.Context, turns []session.Turn) (string, error) {
	last, err := lastUser(turns)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return "echo: " + last.Content, nil
}
