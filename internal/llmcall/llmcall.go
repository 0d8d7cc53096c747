// Package llmcall is the black-box LLM call collaborator: it sends a prompt
// to one arm over an OpenAI-compatible chat-completions endpoint and
// classifies failures into a typed CallError; the executor falls back to the
// next arm on any error, whatever its class. Cost
// is computed from the registry's per-token pricing and the usage counts the
// provider reports.
package llmcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/conduitrouter/conduit/internal/domain"
	"github.com/conduitrouter/conduit/internal/registry"
)

// Class partitions call failures: every class is retryable on a different
// arm; only SchemaParse is also retryable on the same arm.
type Class string

const (
	ClassRateLimit   Class = "rate_limit"
	ClassTimeout     Class = "timeout"
	ClassProvider    Class = "provider_error"
	ClassSchemaParse Class = "schema_parse"
)

// CallError is a classified call failure.
type CallError struct {
	Class Class
	Arm   string
	cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm call to %s failed (%s): %v", e.Arm, e.Class, e.cause)
}

func (e *CallError) Unwrap() error { return e.cause }

// Classify reports the failure class of an error returned by Client.Call, or
// ok=false for a nil/foreign error.
func Classify(err error) (Class, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return "", false
}

// Client calls OpenAI-compatible chat-completions endpoints, one base URL
// per provider tag.
type Client struct {
	http     *http.Client
	reg      *registry.Registry
	baseURLs map[string]string // provider -> base URL
	apiKeys  map[string]string // provider -> bearer token
}

// New builds a Client. baseURLs maps provider tags to endpoint roots (e.g.
// "openai" -> "https://api.openai.com"); apiKeys may be nil or sparse for
// endpoints that need no auth (local vLLM).
func New(reg *registry.Registry, baseURLs, apiKeys map[string]string) *Client {
	if apiKeys == nil {
		apiKeys = map[string]string{}
	}
	return &Client{http: &http.Client{}, reg: reg, baseURLs: baseURLs, apiKeys: apiKeys}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Call implements executor.LLMCaller.
func (c *Client) Call(ctx context.Context, armID string, q domain.Query) (string, int, float64, error) {
	arm, ok := c.reg.ByID(armID)
	if !ok {
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: errors.New("arm not in registry")}
	}
	base, ok := c.baseURLs[arm.Provider]
	if !ok {
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: fmt.Errorf("no endpoint configured for provider %s", arm.Provider)}
	}

	payload, err := json.Marshal(chatRequest{
		Model:    arm.Model,
		Messages: []chatMessage{{Role: "user", Content: q.Text}},
	})
	if err != nil {
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.apiKeys[arm.Provider]; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", 0, 0, &CallError{Class: ClassTimeout, Arm: armID, cause: err}
		}
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, 0, &CallError{Class: ClassRateLimit, Arm: armID, cause: fmt.Errorf("status 429: %s", body)}
	case resp.StatusCode != http.StatusOK:
		return "", 0, 0, &CallError{Class: ClassProvider, Arm: armID, cause: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		if err == nil {
			err = errors.New("response carried no choices")
		}
		return "", 0, 0, &CallError{Class: ClassSchemaParse, Arm: armID, cause: err}
	}

	tokens := parsed.Usage.TotalTokens
	cost := float64(parsed.Usage.PromptTokens)*arm.CostPerInputToken +
		float64(parsed.Usage.CompletionTokens)*arm.CostPerOutputTok
	return parsed.Choices[0].Message.Content, tokens, cost, nil
}
