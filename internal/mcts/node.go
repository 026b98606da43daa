// Package mcts searches the commit graph of an executed task for better
// plans. Executed steps become tree nodes, answer evaluations become
// rewards, and reflection suggestions become candidate expansions that
// re-run the tail of the plan on new branches.
package mcts

import (
	"math"

	"stackvm/internal/plan"
	"stackvm/internal/vm"
)

// DefaultExplorationWeight is the UCB1 exploration constant.
const DefaultExplorationWeight = 1.414

// Node is one executed step in the search tree.
type Node struct {
	CommitHash     string
	SeqNo          int
	Plan           plan.Plan
	State          *vm.State
	FinalAnswer    string
	HasFinalAnswer bool
	ExecutionError string
	Evaluation     *plan.Evaluation

	Parent   *Node
	Children []*Node

	Visits int
	Value  float64

	// Suggestions are pending tail rewrites proposed during backpropagation.
	Suggestions []plan.Reflection
}

// UCBScore ranks the node for selection. Unvisited nodes rank highest.
func (n *Node) UCBScore(explorationWeight float64) float64 {
	if n.Visits == 0 {
		return math.Inf(1)
	}
	exploitation := n.Value / float64(n.Visits)
	exploration := explorationWeight *
		math.Sqrt(math.Log(float64(n.Parent.Visits))/float64(n.Visits))
	return exploitation + exploration
}

// IsLastStep reports whether the node executed the final step of its plan.
func (n *Node) IsLastStep() bool {
	return n.SeqNo >= 0 && n.SeqNo == len(n.Plan)-1
}

// Leaves collects the leaf nodes under n.
func (n *Node) Leaves() []*Node {
	if len(n.Children) == 0 {
		return []*Node{n}
	}
	var leaves []*Node
	for _, child := range n.Children {
		leaves = append(leaves, child.Leaves()...)
	}
	return leaves
}
