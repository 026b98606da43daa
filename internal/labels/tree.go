// Package labels manages the per-namespace label forest used to categorize
// task goals and to supply few-shot examples and best-practices hints to the
// plan generator.
package labels

import (
	"encoding/json"
)

// Label is one node of the forest as persisted.
type Label struct {
	ID            int64
	Name          string
	Description   string
	BestPractices string
	ParentID      *int64
	Namespace     string
}

// TaskExample is a labeled task usable as a few-shot example.
type TaskExample struct {
	ID             string          `json:"id"`
	Goal           string          `json:"goal"`
	BestPlan       json.RawMessage `json:"best_plan,omitempty"`
	ResponseFormat string          `json:"response_format,omitempty"`
	LabelID        int64           `json:"-"`
}

// Namespace scopes which tools a task may use.
type Namespace struct {
	Name         string
	AllowedTools []string
	Description  string
}

// Node is one node of the in-memory tree.
type Node struct {
	Label    Label
	Children []*Node
	Tasks    []TaskExample
}

// Tree is the in-memory label forest for one namespace.
type Tree struct {
	Roots []*Node
	byID  map[int64]*Node
}

// BuildTree assembles the forest from flat rows.
func BuildTree(rows []Label, tasks []TaskExample) *Tree {
	tree := &Tree{byID: make(map[int64]*Node, len(rows))}
	for _, row := range rows {
		tree.byID[row.ID] = &Node{Label: row}
	}
	for _, row := range rows {
		node := tree.byID[row.ID]
		if row.ParentID != nil {
			if parent, ok := tree.byID[*row.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		tree.Roots = append(tree.Roots, node)
	}
	for _, task := range tasks {
		if node, ok := tree.byID[task.LabelID]; ok {
			node.Tasks = append(node.Tasks, task)
		}
	}
	return tree
}

// LongestPrefix walks the forest along path and returns the deepest node
// matched together with the matched prefix of the path.
func (t *Tree) LongestPrefix(path []string) (*Node, []string) {
	nodes := t.Roots
	var matched *Node
	var prefix []string
	for _, name := range path {
		var next *Node
		for _, node := range nodes {
			if node.Label.Name == name {
				next = node
				break
			}
		}
		if next == nil {
			break
		}
		matched = next
		prefix = append(prefix, name)
		nodes = next.Children
	}
	return matched, prefix
}

// TasksUnder collects every task attached to node or any descendant.
func TasksUnder(node *Node) []TaskExample {
	if node == nil {
		return nil
	}
	tasks := append([]TaskExample(nil), node.Tasks...)
	for _, child := range node.Children {
		tasks = append(tasks, TasksUnder(child)...)
	}
	return tasks
}

// NearestBestPractices walks the matched path from leaf to root and returns
// the first non-empty best-practices text.
func (t *Tree) NearestBestPractices(path []string) string {
	nodes := t.Roots
	var chain []*Node
	for _, name := range path {
		var next *Node
		for _, node := range nodes {
			if node.Label.Name == name {
				next = node
				break
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		nodes = next.Children
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if bp := chain[i].Label.BestPractices; bp != "" {
			return bp
		}
	}
	return ""
}

// lightNode is the compact tree form embedded into classification prompts.
type lightNode struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Tasks       []string    `json:"tasks,omitempty"`
	Children    []lightNode `json:"children,omitempty"`
}

// LightTree renders the forest as a compact JSON document for prompting.
func (t *Tree) LightTree() string {
	var light []lightNode
	for _, root := range t.Roots {
		light = append(light, lighten(root))
	}
	data, _ := json.MarshalIndent(light, "", "  ")
	return string(data)
}

func lighten(node *Node) lightNode {
	out := lightNode{
		Name:        node.Label.Name,
		Description: node.Label.Description,
	}
	for _, task := range node.Tasks {
		out.Tasks = append(out.Tasks, task.Goal)
	}
	for _, child := range node.Children {
		out.Children = append(out.Children, lighten(child))
	}
	return out
}

// labeledGoal pairs a known goal with its full label path, used to show the
// model how existing tasks were classified.
type labeledGoal struct {
	TaskGoal string   `json:"task_goal"`
	Labels   []string `json:"labels"`
}

// TaskList renders every labeled task with its path as prompt JSON.
func (t *Tree) TaskList() string {
	var all []labeledGoal
	var walk func(node *Node, path []string)
	walk = func(node *Node, path []string) {
		path = append(path, node.Label.Name)
		for _, task := range node.Tasks {
			all = append(all, labeledGoal{TaskGoal: task.Goal, Labels: append([]string(nil), path...)})
		}
		for _, child := range node.Children {
			walk(child, path)
		}
	}
	for _, root := range t.Roots {
		walk(root, nil)
	}
	data, _ := json.MarshalIndent(all, "", "  ")
	return string(data)
}
