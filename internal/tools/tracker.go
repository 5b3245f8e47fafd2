package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/cost"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

// PerformanceTracker records the outcome of every tool invocation so the
// selector's performance ranking has data to work from. Each sample carries
// an estimated cost for the call.
type PerformanceTracker struct {
	store store.Store
	calc  *cost.Calculator
}

// NewPerformanceTracker creates a PerformanceTracker. A nil calculator
// records all samples at zero cost.
func NewPerformanceTracker(st store.Store, calc *cost.Calculator) *PerformanceTracker {
	if calc == nil {
		calc = cost.NewCalculator(cost.Rates{})
	}
	return &PerformanceTracker{store: st, calc: calc}
}

// Record persists one invocation outcome. Samples are recorded for failures
// as well as successes; a recording failure is logged and dropped.
func (t *PerformanceTracker) Record(ctx context.Context, sessionID, tool string, elapsed time.Duration, out *Output, execErr error) {
	sample := model.ToolPerformanceSample{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Tool:          tool,
		ExecutionTime: elapsed,
		Success:       execErr == nil,
		CreatedAt:     time.Now().UTC(),
	}
	if execErr != nil {
		sample.Error = execErr.Error()
	}
	if out != nil {
		sample.Cost = t.calc.ToolCall(tool, out.Tokens, len(out.Content), out.Pages)
	}

	if err := t.store.CreateToolSample(ctx, sample); err != nil {
		zap.L().Warn("tool sample not recorded",
			zap.String("tool", tool),
			zap.Error(err))
	}
}
