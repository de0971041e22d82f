package handler

import (
	"context"
	"fmt"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// LLMHandler builds the prompt for taskType, routes to a model host, and
// returns the completion plus token counts.
func LLMHandler(taskType string) Handler {
	return Func(func(ctx context.Context, task *domain.Task, b *Bundle) (*Result, error) {
		candidates, err := b.Router.Candidates(task)
		if err != nil {
			return nil, err
		}

		res, err := b.LLM.Generate(ctx, task.ID, taskType, buildPrompt(taskType, task), candidates)
		if err != nil {
			return nil, err
		}

		out := &Result{
			Output:    res.Output,
			TokensIn:  res.TokensIn,
			TokensOut: res.TokensOut,
			Host:      res.Host,
			Attempts:  res.Attempts,
		}
		if res.Cloud {
			out.Meta = map[string]string{"served_by": "cloud"}
		}
		return out, nil
	})
}

// buildPrompt shapes the task payload into a prompt per handler family.
func buildPrompt(taskType string, task *domain.Task) string {
	switch taskType {
	case "code-generation":
		return fmt.Sprintf(`Generate code for the following task:

Title: %s
Description: %s

Provide complete, working code with comments. Include any necessary imports.`,
			task.Title, task.Description)

	case "text-processing":
		return task.Description

	case "summarize":
		return fmt.Sprintf("Please summarize the following:\n\n%s", task.Description)

	case "reasoning":
		return fmt.Sprintf(`Task: %s

%s

Please analyze this thoroughly and provide clear reasoning.`, task.Title, task.Description)

	default:
		return fmt.Sprintf(`Task: %s

%s

Please complete this task and provide a clear response.`, task.Title, task.Description)
	}
}
