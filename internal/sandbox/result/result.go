// Package result defines sandbox execution results.
package result

// Status is the typed outcome of one job.
type Status string

const (
	StatusSuccess         Status = "Success"
	StatusCompileError    Status = "CompileError"
	StatusRuntimeError    Status = "RuntimeError"
	StatusTimedOut        Status = "TimedOut"
	StatusMemoryExceeded  Status = "MemoryExceeded"
	StatusOutputTruncated Status = "OutputTruncated"
	StatusInternalError   Status = "InternalError"
)

// Caused reports whether the status is attributable to the executed code.
func (s Status) Caused() bool {
	switch s {
	case StatusCompileError, StatusRuntimeError, StatusTimedOut, StatusMemoryExceeded:
		return true
	}
	return false
}

// Limit names the resource ceiling a step breached.
type Limit string

const (
	LimitNone      Limit = ""
	LimitWallTime  Limit = "wall_time"
	LimitCPUTime   Limit = "cpu_time"
	LimitMemory    Limit = "memory"
	LimitProcesses Limit = "processes"
)

// RunResult captures raw sandbox execution data for one step.
type RunResult struct {
	ExitCode        int
	Exited          bool
	Signal          string
	WallTimeMs      int64
	CPUTimeMs       int64
	PeakMemoryBytes int64
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	LimitExceeded   Limit
	OomKilled       bool
	Cancelled       bool
}

// StepOutput is the captured outcome of the compile step.
type StepOutput struct {
	ExitCode      *int   `json:"exit_code,omitempty"`
	Signal        string `json:"signal,omitempty"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	Truncated     bool   `json:"truncated,omitempty"`
	WallTimeMs    int64  `json:"wall_time_ms"`
	CPUTimeMs     int64  `json:"cpu_time_ms"`
	LimitExceeded Limit  `json:"limit_exceeded,omitempty"`
}

// ExecutionResult is the structured outcome returned for a job.
type ExecutionResult struct {
	Status            Status       `json:"status"`
	Stdout            string       `json:"stdout"`
	Stderr            string       `json:"stderr"`
	Truncated         bool         `json:"truncated"`
	StdoutTruncated   bool         `json:"stdout_truncated,omitempty"`
	StderrTruncated   bool         `json:"stderr_truncated,omitempty"`
	ExitCode          *int         `json:"exit_code"`
	Signal            string       `json:"signal,omitempty"`
	SignalDescription string       `json:"signal_description,omitempty"`
	LimitExceeded     Limit        `json:"limit_exceeded,omitempty"`
	WallTimeMs        int64        `json:"wall_time_ms"`
	CPUTimeMs         int64        `json:"cpu_time_ms"`
	PeakMemoryBytes   int64        `json:"peak_memory_bytes"`
	Compile           *StepOutput  `json:"compile,omitempty"`
	Cases             []CaseResult `json:"cases,omitempty"`
	Message           string       `json:"message,omitempty"`
}

// CaseVerdict grades one test case against its expected output.
type CaseVerdict string

const (
	CasePassed CaseVerdict = "Passed"
	CaseFailed CaseVerdict = "Failed"
	CaseError  CaseVerdict = "Error"
)

// CaseResult is the outcome of running the program against one test case.
type CaseResult struct {
	Srno            int         `json:"srno"`
	Verdict         CaseVerdict `json:"verdict"`
	Status          Status      `json:"status"`
	Stdout          string      `json:"stdout"`
	Stderr          string      `json:"stderr"`
	Truncated       bool        `json:"truncated,omitempty"`
	ExitCode        *int        `json:"exit_code"`
	Signal          string      `json:"signal,omitempty"`
	LimitExceeded   Limit       `json:"limit_exceeded,omitempty"`
	WallTimeMs      int64       `json:"wall_time_ms"`
	CPUTimeMs       int64       `json:"cpu_time_ms"`
	PeakMemoryBytes int64       `json:"peak_memory_bytes"`
}

// Internal builds the generic failure returned for engine-side errors.
func Internal(message string) ExecutionResult {
	if message == "" {
		message = "internal error"
	}
	return ExecutionResult{Status: StatusInternalError, Message: message}
}

// CancelledMessage is reported when a job's context ends before it finishes.
const CancelledMessage = "execution cancelled"

// Cancelled builds the result of a job cancelled before or during execution.
func Cancelled() ExecutionResult {
	return ExecutionResult{Status: StatusInternalError, Message: CancelledMessage}
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
