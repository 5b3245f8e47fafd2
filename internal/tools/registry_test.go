package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// stubTool is a configurable Tool for registry and selector tests.
type stubTool struct {
	name     string
	cap      Capability
	types    map[model.JobType]bool
	output   *Output
	err      error
	executed int
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Capability() Capability  { return s.cap }
func (s *stubTool) Supports(jt model.JobType) bool {
	if s.types == nil {
		return true
	}
	return s.types[jt]
}

func (s *stubTool) Execute(_ context.Context, _ Request, _ ProgressFunc) (*Output, error) {
	s.executed++
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tool := &stubTool{name: "alpha"}
	r.Register(tool)

	got, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, tool, got)
	assert.True(t, r.Has("alpha"))
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	assert.Error(t, err)
	assert.False(t, r.Has("nope"))
}

func TestRegistry_InsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "c"})
	r.Register(&stubTool{name: "a"})
	r.Register(&stubTool{name: "b"})

	assert.Equal(t, []string{"c", "a", "b"}, r.AllNames())

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Name())
}

func TestRegistry_ByType(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "fetcher", types: map[model.JobType]bool{model.JobTypeScrape: true}})
	r.Register(&stubTool{name: "crawler", types: map[model.JobType]bool{model.JobTypeCrawl: true, model.JobTypeScrape: true}})

	crawlers := r.ByType(model.JobTypeCrawl)
	require.Len(t, crawlers, 1)
	assert.Equal(t, "crawler", crawlers[0].Name())

	scrapers := r.ByType(model.JobTypeScrape)
	assert.Len(t, scrapers, 2)
}

func TestRegistry_Describe(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name: "fetcher",
		cap: Capability{
			CostPerCall:   0,
			ExampleInputs: []string{"https://example.com/pricing"},
		},
		types: map[model.JobType]bool{model.JobTypeScrape: true, model.JobTypeAnalyze: true},
	})
	r.Register(&stubTool{
		name: "crawler",
		cap: Capability{
			Crawls:        true,
			CostPerCall:   1.0,
			ExampleInputs: []string{"https://example.com/blog"},
		},
		types: map[model.JobType]bool{model.JobTypeCrawl: true},
	})

	descs := r.Describe()
	require.Len(t, descs, 2)

	assert.Equal(t, "fetcher", descs[0].Name)
	assert.Equal(t, []model.JobType{model.JobTypeScrape, model.JobTypeAnalyze}, descs[0].JobTypes)
	assert.Equal(t, []string{"https://example.com/pricing"}, descs[0].ExampleInputs)

	assert.Equal(t, "crawler", descs[1].Name)
	assert.True(t, descs[1].Crawls)
	assert.Equal(t, []model.JobType{model.JobTypeCrawl}, descs[1].JobTypes)
	assert.NotEmpty(t, descs[1].ExampleInputs)
}
