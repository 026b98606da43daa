// Package tools holds the process-wide tool registry. Tools are descriptor
// records with an explicit parameter spec; callers bind arguments against the
// spec so a tool never receives keys it did not declare.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"stackvm/internal/logging"
)

// ParamSpec describes one declared tool parameter.
type ParamSpec struct {
	Required    bool
	Description string
}

// Descriptor is the registration record for a tool.
type Descriptor struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
}

// Func executes the tool with bound arguments.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool couples a descriptor with its callable.
type Tool struct {
	Descriptor
	Run Func
}

// Summary returns the first line of the description.
func (d Descriptor) Summary() string {
	line, _, _ := strings.Cut(strings.TrimSpace(d.Description), "\n")
	return strings.TrimSpace(line)
}

// Registry maps tool names to callables. Registration happens at boot;
// reads afterwards are concurrent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logging.NewComponentLogger("ToolRegistry"),
	}
}

// Register adds a tool. The description must be non-empty so the catalog
// stays useful to the planner.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if strings.TrimSpace(tool.Description) == "" {
		return fmt.Errorf("tool %q has no description", tool.Name)
	}
	if tool.Run == nil {
		return fmt.Errorf("tool %q has no callable", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = &tool
	r.logger.Info("Registered tool: %s", tool.Name)
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders a human-readable catalog. When allowed is non-nil, only
// tools in the allow-list are included.
func (r *Registry) Describe(allowed []string) string {
	var allowSet map[string]bool
	if allowed != nil {
		allowSet = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allowSet[name] = true
		}
	}

	var b strings.Builder
	for _, name := range r.Names() {
		if allowSet != nil && !allowSet[name] {
			continue
		}
		tool, _ := r.Get(name)
		fmt.Fprintf(&b, "* %s: %s\n", tool.Name, tool.Summary())
		if rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tool.Description), tool.Summary())); rest != "" {
			for _, line := range strings.Split(rest, "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
		if len(tool.Params) > 0 {
			fmt.Fprintf(&b, "    Parameters: %s\n", tool.paramSummary())
		}
	}
	return b.String()
}

func (t *Tool) paramSummary() string {
	names := make([]string, 0, len(t.Params))
	for name := range t.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if t.Params[name].Required {
			parts = append(parts, name+" (required)")
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ", ")
}

// BindArgs filters args down to the tool's declared parameters and verifies
// that every required parameter is present.
func (t *Tool) BindArgs(args map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(args))
	for name := range t.Params {
		if value, ok := args[name]; ok {
			bound[name] = value
		}
	}
	for name, spec := range t.Params {
		if spec.Required {
			if _, ok := bound[name]; !ok {
				return nil, fmt.Errorf("tool %q missing required parameter %q", t.Name, name)
			}
		}
	}
	return bound, nil
}

// Invoke binds args and runs the tool.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	bound, err := t.BindArgs(args)
	if err != nil {
		return nil, err
	}
	return t.Run(ctx, bound)
}
