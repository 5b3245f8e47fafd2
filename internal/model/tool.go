package model

import "time"

// SelectionStrategy names the dominant signal behind a tool choice.
type SelectionStrategy string

const (
	StrategyPatternReuse     SelectionStrategy = "pattern-reuse"
	StrategyPerformanceBased SelectionStrategy = "performance-based"
	StrategyDefaultHeuristic SelectionStrategy = "default-heuristic"
)

// RankedTool is one entry in a selection ranking.
type RankedTool struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// ToolSelection records which tool was chosen for a session's request and
// why. Write-once.
type ToolSelection struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	PrimaryTool  string            `json:"primary_tool"`
	Alternatives []RankedTool      `json:"alternative_tools,omitempty"`
	Strategy     SelectionStrategy `json:"strategy"`
	Confidence   float64           `json:"confidence"`
	Config       map[string]any    `json:"config,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ToolPerformanceSample records a single tool invocation outcome. Append-only.
type ToolPerformanceSample struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Tool          string        `json:"tool"`
	ExecutionTime time.Duration `json:"execution_time"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Cost          float64       `json:"cost,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ToolPerformance is the aggregate over recent samples for one tool.
type ToolPerformance struct {
	Tool        string        `json:"tool"`
	Executions  int           `json:"executions"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}
