package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ChatRelay/internal/config"
	"ChatRelay/internal/session"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Ollama calls a local Ollama server
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates an Ollama generator. model uses the "model:version" form.
func NewOllama(baseURL, model string, httpClient *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

func (o *Ollama) Name() string { return config.BackendOllama }

func (o *Ollama) Generate(ctx context.Context, turns []session.Turn) (string, error) {
	if _, err := lastUser(turns); err != nil {
		return "", err
	}

	reqMessages := make([]map[string]string, len(turns))
	for i, turn := range turns {
		reqMessages[i] = map[string]string{
			"role":    chatRole(turn.Role),
			"content": turn.Content,
		}
	}

	jsonData, err := json.Marshal(OllamaRequest{
		Model:    o.model,
		Messages: reqMessages,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to send request (is Ollama running?): %w", ErrGeneration, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrGeneration, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: API error: %s - %s", ErrGeneration, resp.Status, string(body))
	}

	var apiResp OllamaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal response: %w", ErrGeneration, err)
	}

	if apiResp.Message.Content == "" {
		return "", fmt.Errorf("%w: empty response from Ollama", ErrGeneration)
	}
	return apiResp.Message.Content, nil
}
