package plan

import (
	"context"
	"fmt"

	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/tools"
)

// Generator turns goals into executable plans with the reasoning model.
type Generator struct {
	client   llm.Client
	registry *tools.Registry
	vmSpec   string
	example  string
	logger   logging.Logger
}

// GenerateOptions refine one generation call.
type GenerateOptions struct {
	// Example overrides the default few-shot plan example.
	Example string
	// BestPractices is an approach hint, usually from the label tree.
	BestPractices string
	// AllowedTools restricts the tool catalog. Nil allows every tool.
	AllowedTools []string
	// CustomPrompt replaces the assembled prompt entirely.
	CustomPrompt string
}

// NewGenerator builds a Generator. vmSpec and example may be empty; the
// built-in specification text is used when vmSpec is.
func NewGenerator(client llm.Client, registry *tools.Registry, vmSpec, example string) *Generator {
	if vmSpec == "" {
		vmSpec = DefaultVMSpec
	}
	return &Generator{
		client:   client,
		registry: registry,
		vmSpec:   vmSpec,
		example:  example,
		logger:   logging.NewComponentLogger("PlanGenerator"),
	}
}

// Generate produces a plan for goal, returning the model's reasoning text
// alongside it. A response that cannot be parsed yields *UnavailableError.
func (g *Generator) Generate(ctx context.Context, goal string, opts GenerateOptions) (*Parsed, error) {
	if goal == "" {
		return nil, fmt.Errorf("no goal is set")
	}

	prompt := opts.CustomPrompt
	if prompt == "" {
		example := opts.Example
		if example == "" {
			example = g.example
		}
		prompt = GeneratePrompt(goal, g.vmSpec, g.registry.Describe(opts.AllowedTools), example, opts.BestPractices)
	}

	resp, err := g.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation request: %w", err)
	}
	if resp.Content == "" {
		g.logger.Error("LLM returned an empty plan response for goal: %s", goal)
		return nil, &UnavailableError{Reason: "empty response"}
	}

	parsed, err := ParseResponse(resp.Content)
	if err != nil {
		g.logger.Error("Failed to parse the generated plan for goal %q: %v", goal, err)
		return nil, err
	}
	g.logger.Info("Generated plan with %d steps for goal: %s", len(parsed.Plan), goal)
	return parsed, nil
}
