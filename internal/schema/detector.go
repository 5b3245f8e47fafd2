// Package schema detects repeating structural patterns in fetched pages and
// synthesizes extraction rules from them.
package schema

import (
	"bytes"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
)

// repeatGroup is one set of structurally identical siblings found during the
// DOM walk.
type repeatGroup struct {
	parent      *html.Node
	members     []*html.Node
	signature   string
	repeatCount int
	totalKids   int
	consistency float64
	walkIndex   int
}

// Detector finds repeating sibling structures and turns them into schemas
// and extraction rules. Analyze never fails: malformed or structureless
// content produces an empty analysis with a note.
type Detector struct {
	cfg config.DetectorConfig
}

// NewDetector creates a Detector, applying defaults for unset tuning values.
func NewDetector(cfg config.DetectorConfig) *Detector {
	if cfg.ConsistencyThreshold <= 0 {
		cfg.ConsistencyThreshold = 0.7
	}
	if cfg.MinRepeat < 2 {
		cfg.MinRepeat = 2
	}
	if cfg.MaxFallbacks <= 0 {
		cfg.MaxFallbacks = 3
	}
	return &Detector{cfg: cfg}
}

// Analyze runs detection over page content. The returned analysis has no ID
// or timestamp; the caller assigns those before persisting. Output is fully
// determined by the input bytes.
func (d *Detector) Analyze(content []byte, url string) *model.PageAnalysis {
	analysis := &model.PageAnalysis{
		URL:         url,
		ContentType: model.ContentTypeUnknown,
	}

	if len(bytes.TrimSpace(content)) == 0 {
		d.degrade(analysis, url, "empty content")
		return analysis
	}

	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		d.degrade(analysis, url, "unparseable content: "+err.Error())
		return analysis
	}

	groups := d.findRepeatGroups(doc)
	if len(groups) == 0 {
		d.degrade(analysis, url, "no repeating structure found")
		return analysis
	}

	// Strongest group first; document order breaks ties so output is stable.
	sort.SliceStable(groups, func(i, j int) bool {
		si := groups[i].consistency * float64(groups[i].repeatCount)
		sj := groups[j].consistency * float64(groups[j].repeatCount)
		if si != sj {
			return si > sj
		}
		return groups[i].walkIndex < groups[j].walkIndex
	})
	groups = dropNestedGroups(groups)

	for _, g := range groups {
		if g.consistency > analysis.Confidence {
			analysis.Confidence = g.consistency
		}
	}

	for _, g := range groups {
		pattern := d.buildPattern(g, url)
		analysis.Patterns = append(analysis.Patterns, pattern)

		class := classifyGroup(g)
		schema := model.DetectedSchema{
			ID:          shortHash(url, g.signature, "schema"),
			Type:        class.contentType,
			Confidence:  pattern.Confidence * class.strength,
			Selector:    pattern.Selector,
			AltSelector: firstOrEmpty(pattern.AltSelectors),
			MatchCount:  g.repeatCount,
		}

		fields := inferFields(g)
		for _, f := range fields {
			schema.Fields = append(schema.Fields, f.name)
			analysis.Rules = append(analysis.Rules, d.buildRule(g, pattern, schema, f, url))
		}
		analysis.Schemas = append(analysis.Schemas, schema)
	}

	// The page takes the type of its strongest schema.
	if len(analysis.Schemas) > 0 {
		analysis.ContentType = analysis.Schemas[0].Type
	}
	analysis.SchemaCount = len(analysis.Schemas)
	analysis.PatternCount = len(analysis.Patterns)
	analysis.RuleCount = len(analysis.Rules)
	return analysis
}

// degrade records a failed detection as an empty analysis. The error is
// logged for diagnosis but never propagated.
func (d *Detector) degrade(analysis *model.PageAnalysis, url, reason string) {
	detErr := &resilience.SchemaDetectionError{URL: url, Err: eris.New(reason)}
	zap.L().Debug("schema detection degraded", zap.Error(detErr))
	analysis.Note = reason
}

// findRepeatGroups walks the DOM and collects every parent whose element
// children share a dominant structural signature, subject to the minimum
// repeat count and consistency threshold.
func (d *Detector) findRepeatGroups(doc *html.Node) []repeatGroup {
	var groups []repeatGroup
	walkIndex := 0

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode || n.Type == html.DocumentNode {
			walkIndex++
			if g, ok := d.groupAt(n, walkIndex); ok {
				groups = append(groups, g)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return groups
}

// groupAt checks one parent node for a qualifying repeat group among its
// element children.
func (d *Detector) groupAt(parent *html.Node, walkIndex int) (repeatGroup, bool) {
	var kids []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			kids = append(kids, c)
		}
	}
	if len(kids) < d.cfg.MinRepeat {
		return repeatGroup{}, false
	}

	counts := make(map[string]int, len(kids))
	for _, k := range kids {
		counts[signature(k, sigDepth)]++
	}

	// Dominant signature; lexical order breaks count ties deterministically.
	var dominant string
	for sig, n := range counts {
		if n > counts[dominant] || (n == counts[dominant] && (dominant == "" || sig < dominant)) {
			dominant = sig
		}
	}

	repeat := counts[dominant]
	consistency := float64(repeat) / float64(len(kids))
	if repeat < d.cfg.MinRepeat || consistency < d.cfg.ConsistencyThreshold {
		return repeatGroup{}, false
	}

	var members []*html.Node
	for _, k := range kids {
		if signature(k, sigDepth) == dominant {
			members = append(members, k)
		}
	}

	return repeatGroup{
		parent:      parent,
		members:     members,
		signature:   dominant,
		repeatCount: repeat,
		totalKids:   len(kids),
		consistency: consistency,
		walkIndex:   walkIndex,
	}, true
}

// dropNestedGroups removes groups whose parent sits inside a member of an
// already accepted, stronger group. The strongest group owning a region of
// the page speaks for it.
func dropNestedGroups(groups []repeatGroup) []repeatGroup {
	var kept []repeatGroup
	for _, g := range groups {
		nested := false
		for _, k := range kept {
			for _, m := range k.members {
				if containsNode(m, g.parent) {
					nested = true
					break
				}
			}
			if nested {
				break
			}
		}
		if !nested {
			kept = append(kept, g)
		}
	}
	return kept
}

func containsNode(root, target *html.Node) bool {
	for n := target; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}

func (d *Detector) buildPattern(g repeatGroup, url string) model.ContentPattern {
	member := g.members[0]
	selector := selectorPath([]*html.Node{g.parent, member}, 2)

	// Progressively less specific alternates.
	var alts []string
	if tagOnly := g.parent.Data + " > " + member.Data; tagOnly != selector {
		alts = append(alts, tagOnly)
	}
	alts = append(alts, member.Data)
	if len(alts) > d.cfg.MaxFallbacks {
		alts = alts[:d.cfg.MaxFallbacks]
	}

	return model.ContentPattern{
		ID:               shortHash(url, g.signature, "pattern"),
		Type:             "repeating-sibling",
		Confidence:       g.consistency,
		RepeatCount:      g.repeatCount,
		ConsistencyScore: g.consistency,
		Selector:         selector,
		AltSelectors:     alts,
		Signature:        g.signature,
	}
}

func (d *Detector) buildRule(g repeatGroup, pattern model.ContentPattern, schema model.DetectedSchema, f field, url string) model.ExtractionRule {
	primary := pattern.Selector + " " + f.selector

	fallbacks := make([]string, 0, d.cfg.MaxFallbacks)
	if tagPath := g.members[0].Data + " " + f.tag; tagPath != primary {
		fallbacks = append(fallbacks, tagPath)
	}
	if f.tag != f.selector {
		fallbacks = append(fallbacks, f.tag)
	}
	if len(fallbacks) > d.cfg.MaxFallbacks {
		fallbacks = fallbacks[:d.cfg.MaxFallbacks]
	}

	return model.ExtractionRule{
		ID:                shortHash(url, g.signature, "rule", f.name),
		Field:             f.name,
		Selector:          primary,
		DataType:          f.dataType,
		Method:            f.method,
		Confidence:        schema.Confidence * f.presence,
		ValidationRules:   validationRulesFor(f.dataType),
		TransformRules:    transformRulesFor(f.dataType),
		FallbackSelectors: fallbacks,
	}
}

func firstOrEmpty(ss []string) string {
	if len(ss) > 0 {
		return ss[0]
	}
	return ""
}
