package tools

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// Registry maps tool names to their implementations.
type Registry struct {
	tools map[string]Tool
	order []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry. Tools are registered at startup
// based on configured credentials.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	r.tools[name] = t
	r.order = append(r.order, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, eris.Errorf("tools: unknown tool %q", name)
	}
	return t, nil
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// All returns all tools in registration order.
func (r *Registry) All() []Tool {
	result := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

// AllNames returns all registered tool names in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptor is the discovery view of a registered tool: what it is called,
// what it can do, which job types it serves, and example inputs.
type Descriptor struct {
	Name          string          `json:"name"`
	RendersJS     bool            `json:"renders_js"`
	Crawls        bool            `json:"crawls"`
	Searches      bool            `json:"searches"`
	JobTypes      []model.JobType `json:"job_types"`
	ExampleInputs []string        `json:"example_inputs"`
}

// Describe returns descriptors for all tools in registration order.
func (r *Registry) Describe() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		cap := t.Capability()
		d := Descriptor{
			Name:          name,
			RendersJS:     cap.RendersJS,
			Crawls:        cap.Crawls,
			Searches:      cap.Searches,
			ExampleInputs: cap.ExampleInputs,
		}
		for _, jt := range model.AllJobTypes {
			if t.Supports(jt) {
				d.JobTypes = append(d.JobTypes, jt)
			}
		}
		out = append(out, d)
	}
	return out
}

// ByType returns tools that currently support the given job type, in
// registration order.
func (r *Registry) ByType(jobType model.JobType) []Tool {
	var result []Tool
	for _, name := range r.order {
		if r.tools[name].Supports(jobType) {
			result = append(result, r.tools[name])
		}
	}
	return result
}
