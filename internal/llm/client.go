// Package llm talks to OpenAI-style /v1/chat/completions endpoints — the
// local model runtimes in the fleet and the cloud fallback. Resilience
// (retry, breakers, fallback ordering) lives in the resilient client; this
// package owns the wire format.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/resilient"
)

// CloudName is the reserved host name for the cloud fallback endpoint.
const CloudName = "cloud"

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the completion response we consume.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Result is one completed generation.
type Result struct {
	Output    string
	TokensIn  int
	TokensOut int
	Host      string
	Cloud     bool
	Attempts  int
}

// Client generates completions against the fleet with cloud fallback.
type Client struct {
	caller        *resilient.Client
	cloudModel    string
	credentialEnv string
}

// New creates an LLM client. cloudModel/credentialEnv configure the fallback
// request shape; both may be empty when the fallback is disabled.
func New(caller *resilient.Client, cloudModel, credentialEnv string) *Client {
	return &Client{caller: caller, cloudModel: cloudModel, credentialEnv: credentialEnv}
}

// Generate sends prompt to the first workable candidate and returns the model
// output plus token counts.
func (c *Client) Generate(ctx context.Context, taskID, taskType, prompt string,
	candidates []domain.HostDescriptor) (*Result, error) {

	resp, err := c.caller.Do(ctx, taskID, taskType, candidates,
		func(ctx context.Context, host domain.HostDescriptor) (*http.Request, error) {
			return c.buildRequest(ctx, host, prompt)
		})
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, domain.Classify(domain.KindInvalidPayload, resp.Host,
			fmt.Errorf("decode completion: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, domain.Classify(domain.KindInvalidPayload, resp.Host,
			fmt.Errorf("completion has no choices"))
	}

	out := &Result{
		Output:    parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Host:      resp.Host,
		Cloud:     resp.Cloud,
		Attempts:  resp.Attempts,
	}
	// Some runtimes omit usage; fall back to a rough chars/4 estimate.
	if out.TokensIn == 0 {
		out.TokensIn = len(prompt) / 4
	}
	if out.TokensOut == 0 {
		out.TokensOut = len(out.Output) / 4
	}
	return out, nil
}

// buildRequest creates the chat-completions POST for one host. A fresh
// request is built per attempt so the body is always readable.
func (c *Client) buildRequest(ctx context.Context, host domain.HostDescriptor, prompt string) (*http.Request, error) {
	model := host.Model
	if host.Name == CloudName {
		model = c.cloudModel
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Stream: false,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(host.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if host.Name == CloudName && c.credentialEnv != "" {
		if key := os.Getenv(c.credentialEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	return req, nil
}
