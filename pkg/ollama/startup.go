package ollama

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
)

// EnsureReady checks that Ollama is running and that the required models are
// available, pulling missing ones with progress written to w. After all
// models are present the chat model is warmed so the first classification
// does not pay the cold-load penalty.
func EnsureReady(ctx context.Context, c Client, chatModel, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return eris.New("ollama is not running; start it with: ollama serve")
	}

	for _, model := range []string{chatModel, embedModel} {
		if model == "" {
			continue
		}
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return eris.Wrapf(err, "pull model %s", model)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if chatModel != "" {
		fmt.Fprintf(w, "model %s: warming up...\n", chatModel)
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := c.Chat(warmCtx, chatModel, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed: %v\n", chatModel, err)
		} else {
			fmt.Fprintf(w, "model %s: warm\n", chatModel)
		}
	}
	return nil
}
