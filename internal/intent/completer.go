package intent

import (
	"context"

	"github.com/sells-group/scrape-orchestrator/pkg/anthropic"
	"github.com/sells-group/scrape-orchestrator/pkg/ollama"
)

// classificationSchema constrains local-model output to the shape the
// classifier parses. Hosted models follow the prompt alone.
var classificationSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"primary_intent":      {Type: "string", Description: "one of the known intent labels"},
		"confidence":          {Type: "number", Description: "0.0 to 1.0"},
		"parameters":          {Type: "object"},
		"targets":             {Type: "array"},
		"needs_clarification": {Type: "boolean"},
		"reasoning":           {Type: "string"},
	},
	Required: []string{"primary_intent", "confidence", "needs_clarification"},
}

// OllamaCompleter answers classification prompts with a local Ollama model.
type OllamaCompleter struct {
	client ollama.Client
	model  string
}

// NewOllamaCompleter creates a Completer backed by a local model.
func NewOllamaCompleter(client ollama.Client, model string) *OllamaCompleter {
	return &OllamaCompleter{client: client, model: model}
}

func (o *OllamaCompleter) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	messages := []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	return o.client.Chat(ctx, o.model, messages, classificationSchema)
}

// AnthropicCompleter answers classification prompts with a hosted Claude
// model.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCompleter creates a Completer backed by the Anthropic API.
func NewAnthropicCompleter(client anthropic.Client, model string) *AnthropicCompleter {
	return &AnthropicCompleter{client: client, model: model}
}

func (a *AnthropicCompleter) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: 1024,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(a.model, "intent")
	return resp.Text(), nil
}
