package model

import "time"

// SessionDailyStat is one row of the per-day session analytics view.
type SessionDailyStat struct {
	Day            time.Time `json:"day"`
	Sessions       int       `json:"sessions"`
	AvgMessages    float64   `json:"avg_messages"`
	AvgSuccessRate float64   `json:"avg_success_rate"`
}

// ToolDailyStat is one row of the per-tool-per-day execution analytics view.
type ToolDailyStat struct {
	Day          time.Time `json:"day"`
	Tool         string    `json:"tool"`
	Executions   int       `json:"executions"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	SuccessRatio float64   `json:"success_ratio"`
	TotalCost    float64   `json:"total_cost"`
}
