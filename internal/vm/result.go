package vm

// ExecError describes a failed instruction with enough context for
// reflection.
type ExecError struct {
	Message        string         `json:"error_message"`
	Instruction    string         `json:"instruction,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	ProgramCounter int            `json:"program_counter"`
}

func (e *ExecError) Error() string {
	return e.Message
}

// Result is the outcome of running one instruction. On success exactly one
// of OutputVars or TargetSeq may be set; on failure Err carries the
// descriptor.
type Result struct {
	Success    bool
	OutputVars map[string]any
	TargetSeq  *int
	Err        *ExecError
}

func success(outputVars map[string]any) Result {
	return Result{Success: true, OutputVars: outputVars}
}

func jump(targetSeq int) Result {
	return Result{Success: true, TargetSeq: &targetSeq}
}

func failure(err *ExecError) Result {
	return Result{Success: false, Err: err}
}

// StepOutcome is what Engine.Step reports to its caller.
type StepOutcome struct {
	Success    bool
	Error      string
	StepType   string
	SeqNo      int
	Output     map[string]any
	CommitHash string
}
