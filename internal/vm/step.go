package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stackvm/internal/async"
	"stackvm/internal/plan"
)

// StepStatus tracks the lifecycle of a runtime step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusSubmitted  StepStatus = "submitted"
	StatusRunning    StepStatus = "running"
	StatusFailed     StepStatus = "failed"
	StatusSuccessful StepStatus = "successful"
)

// runStep wraps a plan step with its handler, status machine and completion
// signal for pool execution.
type runStep struct {
	step    plan.Step
	handler handlerFunc

	mu        sync.Mutex
	status    StepStatus
	result    Result
	done      chan struct{}
	startedAt time.Time
	endedAt   time.Time
}

type handlerFunc func(ctx context.Context, step plan.Step, opts StepOptions) Result

func newRunStep(step plan.Step, handler handlerFunc) *runStep {
	return &runStep{
		step:    step,
		handler: handler,
		status:  StatusPending,
	}
}

func (r *runStep) Status() StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// markSubmitted transitions pending → submitted and allocates the completion
// signal. Returns false when the step already left pending.
func (r *runStep) markSubmitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return false
	}
	r.status = StatusSubmitted
	r.done = make(chan struct{})
	return true
}

// run executes the handler. Safe to call at most once after markSubmitted,
// or directly from pending for synchronous execution.
func (r *runStep) run(ctx context.Context, opts StepOptions) {
	r.mu.Lock()
	if r.status != StatusPending && r.status != StatusSubmitted {
		r.mu.Unlock()
		return
	}
	r.status = StatusRunning
	r.startedAt = time.Now()
	done := r.done
	r.mu.Unlock()

	result := r.invoke(ctx, opts)

	r.mu.Lock()
	r.result = result
	if result.Success {
		r.status = StatusSuccessful
	} else {
		r.status = StatusFailed
	}
	r.endedAt = time.Now()
	r.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// invoke guards the handler call against panics so a crashing tool becomes a
// failed step rather than a dead worker.
func (r *runStep) invoke(ctx context.Context, opts StepOptions) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = failure(&ExecError{
				Message:     fmt.Sprintf("panic in step %d: %v", r.step.SeqNo, rec),
				Instruction: r.step.Type,
				Params:      r.step.Parameters,
			})
		}
	}()
	return r.handler(ctx, r.step, opts)
}

// wait blocks until a pool-submitted step completes.
func (r *runStep) wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *runStep) getResult() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *runStep) String() string {
	return fmt.Sprintf("Step(seq_no=%d, type=%s, status=%s)", r.step.SeqNo, r.step.Type, r.Status())
}

// workerPool bounds concurrent lookahead execution.
type workerPool struct {
	slots chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

// submit runs fn on a background goroutine once a pool slot frees up.
func (p *workerPool) submit(logger async.PanicLogger, name string, fn func()) {
	async.Go(logger, name, func() {
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		fn()
	})
}
