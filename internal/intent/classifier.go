// Package intent classifies natural-language extraction requests into
// structured intents using a fast local or hosted language model.
package intent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
)

// Completer produces a JSON object answering the classification prompt.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Classifier turns a request message into a structured intent record.
type Classifier struct {
	completer Completer
	cfg       config.IntentConfig
}

// NewClassifier creates a Classifier.
func NewClassifier(completer Completer, cfg config.IntentConfig) *Classifier {
	return &Classifier{completer: completer, cfg: cfg}
}

// classification mirrors the JSON shape the model is asked to produce.
type classification struct {
	PrimaryIntent      string         `json:"primary_intent"`
	Confidence         float64        `json:"confidence"`
	Parameters         map[string]any `json:"parameters"`
	Targets            []string       `json:"targets"`
	NeedsClarification bool           `json:"needs_clarification"`
	Reasoning          string         `json:"reasoning"`
}

// Classify validates and classifies a request message. Validation failures
// return a ValidationError before any model call. Model failures do not fail
// the request: they produce a low-confidence record flagged for
// clarification, so the caller can still route it through the default
// heuristic.
func (c *Classifier) Classify(ctx context.Context, sessionID, messageID, text string) (*model.IntentRecord, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, resilience.NewValidationError("request", "must not be empty")
	}
	if max := c.cfg.MaxRequest; max > 0 && len(trimmed) > max {
		return nil, resilience.NewValidationError("request", "exceeds maximum length")
	}

	rec := &model.IntentRecord{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
	}

	timeout := time.Duration(c.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := c.completer.CompleteJSON(ctx, classifierSystemPrompt, trimmed)
	if err != nil {
		zap.L().Warn("intent classification unavailable",
			zap.String("session_id", sessionID),
			zap.Error(err))
		rec.PrimaryIntent = model.IntentScrapePage
		rec.NeedsClarification = true
		rec.Reasoning = "classifier unavailable"
		return rec, nil
	}

	var result classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		zap.L().Warn("intent response is not valid JSON",
			zap.String("session_id", sessionID),
			zap.String("response", raw),
			zap.Error(err))
		rec.PrimaryIntent = model.IntentScrapePage
		rec.NeedsClarification = true
		rec.Reasoning = "unparseable classifier output"
		return rec, nil
	}

	rec.PrimaryIntent = normalizeIntent(result.PrimaryIntent)
	rec.Confidence = clamp01(result.Confidence)
	rec.Parameters = result.Parameters
	rec.Targets = result.Targets
	rec.NeedsClarification = result.NeedsClarification
	rec.Reasoning = result.Reasoning

	if rec.Confidence < c.cfg.MinConf {
		rec.NeedsClarification = true
	}
	return rec, nil
}

// normalizeIntent maps unknown labels onto scrape_page, the safest default.
func normalizeIntent(label string) string {
	switch label {
	case model.IntentScrapePage, model.IntentCrawlSite, model.IntentSearchWeb,
		model.IntentExtractData, model.IntentMonitorChange:
		return label
	}
	return model.IntentScrapePage
}

// extractJSON strips markdown fences some models wrap around JSON output.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
