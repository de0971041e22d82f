package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// execRequest is the POST /execute body of the executor contract.
type execRequest struct {
	TaskID string          `json:"task_id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// execResponse is the executor's reply.
type execResponse struct {
	TaskID          string  `json:"task_id"`
	Type            string  `json:"type"`
	Status          string  `json:"status"` // completed | failed | error
	Output          string  `json:"output"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ExecutorHandler POSTs the task payload to the executor matching the task's
// type prefix and passes the response output through as the result.
type ExecutorHandler struct{}

// Execute implements Handler.
func (h *ExecutorHandler) Execute(ctx context.Context, task *domain.Task, b *Bundle) (*Result, error) {
	candidates, err := b.Router.Candidates(task)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(execRequest{
		TaskID: task.ID,
		Type:   task.Type,
		Params: execParams(task),
	})
	if err != nil {
		return nil, domain.Classify(domain.KindInvalidPayload, "", err)
	}

	resp, err := b.Caller.Do(ctx, task.ID, task.Type, candidates,
		func(ctx context.Context, host domain.HostDescriptor) (*http.Request, error) {
			url := strings.TrimSuffix(host.URL, "/") + "/execute"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
	if err != nil {
		return nil, err
	}

	var parsed execResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, domain.Classify(domain.KindInvalidPayload, resp.Host,
			fmt.Errorf("decode executor response: %w", err))
	}

	if parsed.Status != "completed" {
		return nil, domain.Classify(domain.KindInternal, resp.Host,
			fmt.Errorf("executor reported %s: %s", parsed.Status, parsed.Output))
	}

	return &Result{
		Output:   parsed.Output,
		Host:     resp.Host,
		Attempts: resp.Attempts,
		Meta: map[string]string{
			"duration_seconds":  fmt.Sprintf("%.3f", parsed.DurationSeconds),
			"executor_response": string(resp.Body),
		},
	}, nil
}

// execParams yields the params object sent to the executor. Tasks without an
// explicit payload send their description as the spec.
func execParams(task *domain.Task) json.RawMessage {
	if task.Params != "" && json.Valid([]byte(task.Params)) {
		return json.RawMessage(task.Params)
	}
	fallback, _ := json.Marshal(map[string]string{"spec": task.Description})
	return fallback
}
