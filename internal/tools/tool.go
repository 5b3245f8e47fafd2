// Package tools defines the extraction tool abstraction, the registry of
// available tools, and the selector that picks one for each request.
package tools

import (
	"context"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// ProgressFunc reports intermediate progress while a tool runs. Progress is
// the tool's own estimate in [0,1]; the worker scales it into the job's range.
type ProgressFunc func(stage string, progress float64, detail string)

// Request is the input to a tool invocation, derived from a job.
type Request struct {
	JobID      string
	Type       model.JobType
	Target     string
	Parameters map[string]any
}

// Output is what a tool produced. Content is markdown or JSON depending on
// the job type.
type Output struct {
	Content    string
	Title      string
	URL        string
	StatusCode int
	Pages      int
	// Tokens is the upstream's own billing count when it reports one;
	// 0 means the cost calculator estimates from content size.
	Tokens int
}

// Capability describes what a tool can do and roughly what it costs. The
// selector uses these for its default heuristic; discovery surfaces expose
// the example inputs.
type Capability struct {
	RendersJS bool
	Crawls    bool
	Searches  bool
	// CostPerCall is a relative cost, 0 for free local fetches.
	CostPerCall float64
	// ExampleInputs are representative targets a caller can hand the tool.
	ExampleInputs []string
}

// Tool executes one kind of extraction work against a target.
type Tool interface {
	Name() string
	Capability() Capability
	// Supports reports whether the tool can run a job of the given type
	// right now. A tool behind an open circuit breaker reports false.
	Supports(jobType model.JobType) bool
	Execute(ctx context.Context, req Request, report ProgressFunc) (*Output, error)
}

// intParam reads an integer parameter, tolerating the float64 that JSON
// decoding produces.
func intParam(params map[string]any, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}
