package mcts

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"stackvm/internal/branch"
	"stackvm/internal/logging"
	"stackvm/internal/plan"
	"stackvm/internal/task"
	"stackvm/internal/vm"
)

const (
	defaultMaxIterations = 10
	defaultTimeLimit     = 300 * time.Second
)

// Options tune the search.
type Options struct {
	MaxIterations     int
	ExplorationWeight float64
	TimeLimit         time.Duration
	// Rand drives suggestion picking. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// Optimizer drives the search over one task's commit graph.
type Optimizer struct {
	runtime   *task.Runtime
	evaluator *plan.Evaluator
	logger    logging.Logger

	goalDescription   string
	maxIterations     int
	explorationWeight float64
	timeLimit         time.Duration
	rng               *rand.Rand

	root         *Node
	nodeByHash   map[string]*Node
	branchByHead map[string]string
}

// RankedAnswer is one candidate final answer with its tournament score.
type RankedAnswer struct {
	CommitHash  string  `json:"commit_hash"`
	FinalAnswer string  `json:"final_answer"`
	Score       float64 `json:"score"`
}

// NewOptimizer builds the search tree from the task's commit history and
// evaluates every executed final answer up front.
func NewOptimizer(ctx context.Context, rt *task.Runtime, evaluator *plan.Evaluator, opts Options) (*Optimizer, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.ExplorationWeight <= 0 {
		opts.ExplorationWeight = DefaultExplorationWeight
	}
	if opts.TimeLimit <= 0 {
		opts.TimeLimit = defaultTimeLimit
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	o := &Optimizer{
		runtime:           rt,
		evaluator:         evaluator,
		logger:            logging.NewComponentLogger("MCTS"),
		goalDescription:   rt.Task().DescribeGoal(),
		maxIterations:     opts.MaxIterations,
		explorationWeight: opts.ExplorationWeight,
		timeLimit:         opts.TimeLimit,
		rng:               opts.Rand,
		nodeByHash:        map[string]*Node{},
		branchByHead:      map[string]string{},
	}
	if err := o.buildTree(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// Root exposes the tree for inspection and tests.
func (o *Optimizer) Root() *Node { return o.root }

// buildTree replays every branch's first-parent chain. Only StepExecution
// commits become nodes; other commit types are transparent, so their
// children attach to the nearest executed ancestor.
func (o *Optimizer) buildTree(ctx context.Context) error {
	mgr := o.runtime.Manager()
	branches, err := mgr.ListBranches()
	if err != nil {
		return err
	}

	type chain struct {
		name    string
		commits []branch.Commit
	}
	var chains []chain
	for _, info := range branches {
		commits, err := mgr.GetCommits(info.Name)
		if err != nil {
			return err
		}
		if len(commits) == 0 {
			continue
		}
		o.branchByHead[info.HeadCommitHash] = info.Name
		chains = append(chains, chain{name: info.Name, commits: commits})
	}
	if len(chains) == 0 {
		return fmt.Errorf("task has no commits to optimize")
	}

	// Every chain ends at the shared root commit.
	first := chains[0].commits
	rootHash := first[len(first)-1].CommitHash
	o.root = &Node{CommitHash: rootHash, SeqNo: -1}
	o.nodeByHash[rootHash] = o.root

	for _, c := range chains {
		o.attachChain(ctx, o.root, c.commits[:len(c.commits)-1])
	}
	return nil
}

// attachChain walks commits (head first) above an already-known ancestor
// and creates nodes for the executed steps not seen yet.
func (o *Optimizer) attachChain(ctx context.Context, fallback *Node, commits []branch.Commit) {
	ancestor := fallback
	for i := len(commits) - 1; i >= 0; i-- {
		commit := commits[i]
		if existing, ok := o.nodeByHash[commit.CommitHash]; ok {
			ancestor = existing
			continue
		}
		if commit.CommitType != branch.CommitStepExecution {
			continue
		}
		node := o.newNode(commit, ancestor)
		ancestor.Children = append(ancestor.Children, node)
		o.nodeByHash[commit.CommitHash] = node
		o.logger.Info("Added node %s(%d) under %s(%d)",
			node.CommitHash, node.SeqNo, ancestor.CommitHash, ancestor.SeqNo)

		if result := o.simulate(ctx, node); result.needBackprop {
			o.backpropagate(ctx, node, result.reward, result.feedback)
		}
		ancestor = node
	}
}

func (o *Optimizer) newNode(commit branch.Commit, parent *Node) *Node {
	node := &Node{
		CommitHash:     commit.CommitHash,
		SeqNo:          -1,
		ExecutionError: commit.Message.ExecutionError,
		Parent:         parent,
	}
	if commit.SeqNo != nil {
		node.SeqNo = *commit.SeqNo
	}
	if state, err := vm.DecodeState(commit.VMState); err == nil && state != nil {
		node.State = state
		node.Plan = state.CurrentPlan
		if answer, ok := state.FinalAnswer(); ok {
			node.FinalAnswer = answer
			node.HasFinalAnswer = true
		}
	}
	return node
}

type simulationResult struct {
	needBackprop bool
	reward       float64
	feedback     string
}

// simulate judges the node. A final answer is scored by the evaluator, an
// execution error yields zero reward with the evaluator's adjustment
// suggestion as feedback, and a bare leaf backpropagates zero.
func (o *Optimizer) simulate(ctx context.Context, node *Node) simulationResult {
	switch {
	case node.HasFinalAnswer:
		planJSON, _ := json.Marshal(node.Plan)
		evaluation, err := o.evaluator.EvaluateAnswer(ctx, o.goalDescription, node.FinalAnswer, string(planJSON))
		if err != nil {
			o.logger.Error("Failed to evaluate answer at %s: %v", node.CommitHash, err)
			return simulationResult{}
		}
		node.Evaluation = evaluation
		o.logger.Info("Evaluated answer at %s(%d): accept=%v", node.CommitHash, node.SeqNo, evaluation.Accept)
		reward := 0.0
		if evaluation.Accept {
			reward = 1.0
		}
		return simulationResult{needBackprop: true, reward: reward, feedback: evaluation.PlanAdjustmentSuggestion}

	case node.ExecutionError != "":
		evaluation, err := o.evaluator.EvaluateExecutionError(ctx, o.goalDescription, node.Plan, node.ExecutionError, node.SeqNo)
		if err != nil {
			o.logger.Error("Failed to evaluate execution error at %s: %v", node.CommitHash, err)
			return simulationResult{}
		}
		node.Evaluation = evaluation
		return simulationResult{needBackprop: true, reward: 0, feedback: evaluation.PlanAdjustmentSuggestion}

	case len(node.Children) == 0:
		return simulationResult{needBackprop: true, reward: 0}
	}
	return simulationResult{}
}

// backpropagate walks from a final-answer node to the root, updating visit
// statistics and asking the evaluator whether each ancestor's tail should
// be rewritten. Accepted suggestions queue on the ancestor for expansion.
func (o *Optimizer) backpropagate(ctx context.Context, node *Node, reward float64, feedback string) {
	if !node.HasFinalAnswer {
		return
	}
	o.logger.Info("Backpropagating from %s(%d)", node.CommitHash, node.SeqNo)

	finalAnswer := node.FinalAnswer
	branchName := o.branchByHead[node.CommitHash]

	for current := node; current != nil; current = current.Parent {
		current.Visits++
		current.Value += reward
		o.reflect(ctx, current, finalAnswer, branchName, feedback)
	}
}

func (o *Optimizer) reflect(ctx context.Context, node *Node, finalAnswer, branchName, feedback string) {
	if node.SeqNo < 0 || len(node.Plan) == 0 || node.State == nil {
		return
	}
	reflection, err := o.evaluator.Reflect(ctx, o.goalDescription, finalAnswer,
		node.SeqNo, node.Plan, node.State.Variables, feedback)
	if err != nil {
		o.logger.Error("Reflection failed at %s(%d): %v", node.CommitHash, node.SeqNo, err)
		return
	}
	if !reflection.ShouldOptimize {
		return
	}
	reflection.Suggestion += fmt.Sprintf(
		"\nPlease keep all steps up to and including the step (%d) unchanged.", node.SeqNo)
	reflection.BranchName = branchName
	node.Suggestions = append(node.Suggestions, *reflection)
	o.logger.Info("Queued suggestion for %s(%d) from branch %q", node.CommitHash, node.SeqNo, branchName)
}

// selectNode picks the next node to expand by UCB score. Candidates are
// nodes holding pending suggestions and leaves that have unexecuted steps
// remaining.
func (o *Optimizer) selectNode() *Node {
	var candidates []*Node
	var collect func(*Node)
	collect = func(node *Node) {
		if len(node.Suggestions) > 0 {
			candidates = append(candidates, node)
		}
		if len(node.Children) == 0 && !node.IsLastStep() {
			candidates = append(candidates, node)
		}
		for _, child := range node.Children {
			collect(child)
		}
	}
	collect(o.root)
	if len(candidates) == 0 {
		return nil
	}

	selected := candidates[0]
	best := o.score(selected)
	for _, candidate := range candidates[1:] {
		if score := o.score(candidate); score > best {
			selected, best = candidate, score
		}
	}
	if (len(selected.Children) > 0 || selected.IsLastStep()) && len(selected.Suggestions) == 0 {
		return nil
	}
	o.logger.Info("Selected node %s(%d)", selected.CommitHash, selected.SeqNo)
	return selected
}

func (o *Optimizer) score(node *Node) float64 {
	if node.Parent == nil {
		if node.Visits == 0 {
			return 0
		}
		return node.Value / float64(node.Visits)
	}
	return node.UCBScore(o.explorationWeight)
}

// expand grows the tree under node, either by applying one queued
// suggestion on a fresh branch or by re-executing the remaining steps.
func (o *Optimizer) expand(ctx context.Context, node *Node) error {
	var currentBranch string
	switch {
	case len(node.Suggestions) > 0:
		index := o.rng.Intn(len(node.Suggestions))
		reflection := node.Suggestions[index]
		node.Suggestions = append(node.Suggestions[:index], node.Suggestions[index+1:]...)

		branchName := "mcts_optimized_" + time.Now().Format("20060102_150405")
		o.logger.Info("Updating node %s(%d) on branch %q", node.CommitHash, node.SeqNo, branchName)
		if _, err := o.runtime.Update(ctx, branchName, node.CommitHash,
			reflection.Suggestion, false, reflection.BranchName); err != nil {
			return err
		}
		currentBranch = branchName

	case len(node.Children) == 0 && !node.IsLastStep():
		o.logger.Info("Re-executing node %s(%d)", node.CommitHash, node.SeqNo)
		result, err := o.runtime.ReExecute(ctx, "", node.CommitHash, nil)
		if err != nil {
			return err
		}
		currentBranch = result.BranchName

	default:
		return nil
	}

	return o.graft(ctx, node, currentBranch)
}

// graft attaches the commits a branch added beyond the node to the tree.
func (o *Optimizer) graft(ctx context.Context, node *Node, branchName string) error {
	mgr := o.runtime.Manager()
	commits, err := mgr.GetCommits(branchName)
	if err != nil {
		return err
	}
	if info, err := mgr.LatestCommit(branchName); err == nil {
		o.branchByHead[info.CommitHash] = branchName
	}

	var added []branch.Commit
	for _, commit := range commits {
		if commit.CommitHash == node.CommitHash {
			break
		}
		added = append(added, commit)
	}
	o.attachChain(ctx, node, added)
	return nil
}

// Optimize runs the search loop and returns the visited leaves ordered by
// mean reward.
func (o *Optimizer) Optimize(ctx context.Context) []*Node {
	deadline := time.Now().Add(o.timeLimit)

	for i := 0; i < o.maxIterations; i++ {
		if time.Now().After(deadline) {
			o.logger.Warn("Time limit reached after %d iterations", i)
			break
		}
		if ctx.Err() != nil {
			break
		}

		selected := o.selectNode()
		if selected == nil {
			o.logger.Info("No expandable nodes found in tree")
			break
		}
		if err := o.expand(ctx, selected); err != nil {
			o.logger.Error("Expansion of %s(%d) failed: %v", selected.CommitHash, selected.SeqNo, err)
		}
	}

	var scored []*Node
	for _, leaf := range o.root.Leaves() {
		if leaf.Visits > 0 {
			scored = append(scored, leaf)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Value/float64(scored[i].Visits) > scored[j].Value/float64(scored[j].Visits)
	})
	return scored
}

// SortFinalAnswers runs a tournament over every leaf final answer and
// returns them ranked best first.
func (o *Optimizer) SortFinalAnswers(ctx context.Context) ([]RankedAnswer, error) {
	var candidates []plan.AnswerCandidate
	for _, leaf := range o.root.Leaves() {
		if leaf.HasFinalAnswer {
			candidates = append(candidates, plan.AnswerCandidate{
				CommitHash:  leaf.CommitHash,
				FinalAnswer: leaf.FinalAnswer,
			})
		}
	}
	scores, err := o.evaluator.EvaluateMultipleAnswers(ctx, o.goalDescription, candidates)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedAnswer, 0, len(candidates))
	for _, candidate := range candidates {
		ranked = append(ranked, RankedAnswer{
			CommitHash:  candidate.CommitHash,
			FinalAnswer: candidate.FinalAnswer,
			Score:       scores[candidate.CommitHash],
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

// PromoteBest ranks the final answers and saves the winner's plan as the
// task's best plan.
func (o *Optimizer) PromoteBest(ctx context.Context) (*RankedAnswer, error) {
	ranked, err := o.SortFinalAnswers(ctx)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no final answers to promote")
	}
	winner := ranked[0]
	if err := o.runtime.SaveBestPlan(ctx, winner.CommitHash); err != nil {
		return nil, err
	}
	o.logger.Info("Promoted plan from commit %s with score %.2f", winner.CommitHash, winner.Score)
	return &winner, nil
}
