package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/scrape-orchestrator/internal/orchestrator"
)

// strategyFixture is the yaml suite consumed by strategy-test.
type strategyFixture struct {
	Requests []strategyRequest `yaml:"requests"`
}

type strategyRequest struct {
	Text       string `yaml:"text"`
	SessionKey string `yaml:"session_key,omitempty"`
}

type strategyResult struct {
	req strategyRequest
	dec *orchestrator.Decision
	err error
}

var strategyTestFile string

var strategyTestCmd = &cobra.Command{
	Use:   "strategy-test",
	Short: "Run canned requests through classify, match, and select without executing tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt, err := initRuntime(ctx, "strategy-test")
		if err != nil {
			return err
		}
		defer rt.Close()

		data, err := os.ReadFile(strategyTestFile)
		if err != nil {
			return eris.Wrapf(err, "read fixture %s", strategyTestFile)
		}
		var fixture strategyFixture
		if err := yaml.Unmarshal(data, &fixture); err != nil {
			return eris.Wrap(err, "parse fixture")
		}
		if len(fixture.Requests) == 0 {
			return eris.New("fixture contains no requests")
		}

		results := make([]strategyResult, len(fixture.Requests))
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, req := range fixture.Requests {
			g.Go(func() error {
				key := req.SessionKey
				if key == "" {
					key = "strategy-test"
				}
				dec, err := rt.orch.Plan(gCtx, orchestrator.Request{
					ExternalKey: key,
					Text:        req.Text,
				})
				results[i] = strategyResult{req: req, dec: dec, err: err}
				return nil
			})
		}
		_ = g.Wait()

		out := cmd.OutOrStdout()
		failed := 0
		for i, res := range results {
			fmt.Fprintf(out, "%2d. %q\n", i+1, res.req.Text)
			if res.err != nil {
				failed++
				fmt.Fprintf(out, "    ERROR: %v\n", res.err)
				continue
			}
			dec := res.dec
			fmt.Fprintf(out, "    intent: %s (%.2f)", dec.Intent.PrimaryIntent, dec.Intent.Confidence)
			if dec.Intent.NeedsClarification {
				fmt.Fprint(out, " needs-clarification")
			}
			fmt.Fprintln(out)
			if dec.Match != nil {
				fmt.Fprintf(out, "    pattern: %s (similarity %.2f, score %.2f)\n",
					dec.Match.Pattern.ID, dec.Match.Similarity, dec.Match.Pattern.SuccessScore)
			}
			fmt.Fprintf(out, "    tool: %s via %s (%.2f)\n",
				dec.Selection.PrimaryTool, dec.Selection.Strategy, dec.Selection.Confidence)
		}

		if failed > 0 {
			return eris.Errorf("%d of %d requests failed", failed, len(results))
		}
		fmt.Fprintf(out, "all %d requests decided\n", len(results))
		return nil
	},
}

func init() {
	strategyTestCmd.Flags().StringVar(&strategyTestFile, "file", "strategy_test.yaml", "yaml fixture of requests")
	rootCmd.AddCommand(strategyTestCmd)
}
