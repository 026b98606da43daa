package labels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"stackvm/internal/jsonx"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
)

// Classification is the outcome of classifying one goal.
type Classification struct {
	LabelPath       []string
	MostSimilarTask *TaskExample
	BestPractices   string
}

// Classifier assigns goals to label paths and mines the tree for few-shot
// examples. The forest for each namespace is loaded once and cached.
type Classifier struct {
	store  Store
	client llm.Client
	logger logging.Logger

	mu    sync.Mutex
	trees map[string]*Tree
}

func NewClassifier(store Store, client llm.Client) *Classifier {
	return &Classifier{
		store:  store,
		client: client,
		logger: logging.NewComponentLogger("LabelClassifier"),
		trees:  map[string]*Tree{},
	}
}

func (c *Classifier) tree(ctx context.Context, namespace string) (*Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tree, ok := c.trees[namespace]; ok {
		return tree, nil
	}
	rows, err := c.store.ListLabels(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("load labels for %s: %w", namespace, err)
	}
	tasks, err := c.store.ListLabeledTasks(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("load labeled tasks for %s: %w", namespace, err)
	}
	tree := BuildTree(rows, tasks)
	c.trees[namespace] = tree
	return tree, nil
}

// Invalidate drops the cached forest for namespace so the next call reloads
// it from the store.
func (c *Classifier) Invalidate(namespace string) {
	c.mu.Lock()
	delete(c.trees, namespace)
	c.mu.Unlock()
}

// GenerateLabelPath classifies goal into the namespace's forest and returns
// the path together with the most similar known task and the nearest
// best-practices text.
func (c *Classifier) GenerateLabelPath(ctx context.Context, namespace, goal string) (*Classification, error) {
	tree, err := c.tree(ctx, namespace)
	if err != nil {
		return nil, err
	}

	prompt := classificationPrompt(goal, tree)
	resp, err := c.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("label classification request: %w", err)
	}

	path, err := parseLabelPath(resp.Content)
	if err != nil {
		c.logger.Error("Failed to parse label path for goal %q: %v", goal, err)
		return nil, err
	}
	// Labels the model introduced are persisted right away so the path
	// survives even when the forest has no matching branch yet.
	if _, err := c.ensurePath(ctx, namespace, path); err != nil {
		return nil, fmt.Errorf("create label path %v: %w", path, err)
	}

	node, prefix := tree.LongestPrefix(path)
	result := &Classification{LabelPath: path}
	if node != nil {
		result.BestPractices = tree.NearestBestPractices(prefix)
		candidates := TasksUnder(node)
		if len(candidates) > 0 {
			chosen := candidates[0]
			for _, candidate := range candidates {
				if candidate.Goal == goal {
					chosen = candidate
					break
				}
			}
			result.MostSimilarTask = &chosen
		}
	}
	c.logger.Info("Classified goal into path %v (matched prefix %v)", path, prefix)
	return result, nil
}

// InsertLabelPath creates missing labels along path and attaches the task
// to the leaf.
func (c *Classifier) InsertLabelPath(ctx context.Context, namespace, taskID string, path []string) error {
	leafID, err := c.ensurePath(ctx, namespace, path)
	if err != nil {
		return err
	}
	if err := c.store.AttachTask(ctx, taskID, leafID); err != nil {
		return err
	}
	c.Invalidate(namespace)
	return nil
}

// ensurePath walks path from the root, creating any missing labels, and
// returns the leaf label's id. The cached forest is invalidated when a new
// label appears.
func (c *Classifier) ensurePath(ctx context.Context, namespace string, path []string) (int64, error) {
	if len(path) == 0 {
		return 0, fmt.Errorf("empty label path")
	}

	var parentID *int64
	created := false
	for _, name := range path {
		label, err := c.store.FindLabel(ctx, namespace, name, parentID)
		if err != nil {
			return 0, err
		}
		if label == nil {
			id, err := c.store.CreateLabel(ctx, Label{
				Name:      name,
				ParentID:  parentID,
				Namespace: namespace,
			})
			if err != nil {
				return 0, err
			}
			parentID = &id
			created = true
			continue
		}
		id := label.ID
		parentID = &id
	}
	if created {
		c.Invalidate(namespace)
	}
	return *parentID, nil
}

// parseLabelPath accepts both ["A","B"] and [{"label":"A"},...] shapes, and
// falls back to one label per line.
func parseLabelPath(response string) ([]string, error) {
	arr, ok := jsonx.FirstArray(response)
	if ok {
		var plain []string
		if err := json.Unmarshal([]byte(arr), &plain); err == nil {
			return nonEmpty(plain), nil
		}
		var objects []struct {
			Label string `json:"label"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal([]byte(arr), &objects); err == nil {
			var path []string
			for _, obj := range objects {
				if obj.Label != "" {
					path = append(path, obj.Label)
				} else if obj.Name != "" {
					path = append(path, obj.Name)
				}
			}
			if len(path) > 0 {
				return path, nil
			}
		}
		return nil, fmt.Errorf("JSON array in response is not a label path")
	}

	var path []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			path = append(path, trimmed)
		}
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("no label path found in response")
	}
	return path, nil
}

func nonEmpty(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			out = append(out, value)
		}
	}
	return out
}

func classificationPrompt(goal string, tree *Tree) string {
	var b strings.Builder
	b.WriteString(`Your task is to classify a user goal into a tree-structured tagging system. The system starts from the root node and refines layer by layer; concepts closer to the root node are more abstract and higher-level.

## Current Labels Tree

` + "```json\n")
	b.WriteString(tree.LightTree())
	b.WriteString("\n```\n\n")
	b.WriteString(`## Instructions

1. Category Matching Priority:
   - Always prioritize matching with existing topic-specific categories first.
   - Match with existing leaf nodes before considering parent nodes.
   - Use label descriptions to better understand the scope and intent of each category.
   - Assign ambiguous goals to "Other Topics" when nothing specific fits.

2. Classification Process:
   - Start from the root node.
   - At each level, select the most specific category that matches the goal's content.
   - Classify by what the goal is about, not how complex it is.

## Tasks Related to Labels

`)
	b.WriteString(tree.TaskList())
	b.WriteString("\n\n## Task Goal\n\n")
	b.WriteString(goal)
	b.WriteString(`

Response Format:
Return the label path as a JSON array of labels, for example:

` + "```json\n[\n  \"Label 1\",\n  \"Label 2\"\n]\n```\n")
	return b.String()
}
