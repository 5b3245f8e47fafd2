package schema

import (
	"regexp"

	"golang.org/x/net/html"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// field is one extractable value inferred from a repeat group's members.
type field struct {
	name     string
	tag      string
	selector string
	method   string // "text", "attr:href", "attr:src"
	dataType model.DataType
	// presence is the fraction of members containing the field.
	presence float64
}

var (
	currencyRe = regexp.MustCompile(`^[\s]*[$€£¥]\s?\d[\d,]*(\.\d+)?`)
	numberRe   = regexp.MustCompile(`^[\s]*-?\d[\d,]*(\.\d+)?[\s]*$`)
	dateRe     = regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4})\b`)
)

// fieldHint describes where one kind of field lives inside a member.
type fieldHint struct {
	name   string
	tags   []string
	method string
	typed  func(text string) model.DataType
}

// fieldHints is the ordered fingerprint table for field inference. Order is
// fixed so repeated runs emit fields, and therefore rules, identically.
var fieldHints = []fieldHint{
	{name: "title", tags: []string{"h1", "h2", "h3", "h4", "h5", "h6"}, method: "text",
		typed: func(string) model.DataType { return model.DataTypeText }},
	{name: "url", tags: []string{"a"}, method: "attr:href",
		typed: func(string) model.DataType { return model.DataTypeURL }},
	{name: "image", tags: []string{"img"}, method: "attr:src",
		typed: func(string) model.DataType { return model.DataTypeImage }},
	{name: "price", tags: []string{"span", "div", "td", "p", "strong", "b"}, method: "text",
		typed: func(text string) model.DataType {
			if currencyRe.MatchString(text) {
				return model.DataTypeCurrency
			}
			return ""
		}},
	{name: "date", tags: []string{"time", "span", "td", "p"}, method: "text",
		typed: func(text string) model.DataType {
			if dateRe.MatchString(text) {
				return model.DataTypeDate
			}
			return ""
		}},
	{name: "text", tags: []string{"p", "td", "li", "span"}, method: "text",
		typed: func(text string) model.DataType {
			if numberRe.MatchString(text) {
				return model.DataTypeNumber
			}
			if len(text) > 0 {
				return model.DataTypeText
			}
			return ""
		}},
}

// inferFields scans every member for each field kind and keeps fields
// present in a majority of members. One field per hint, one rule per field.
func inferFields(g repeatGroup) []field {
	var fields []field
	claimed := make(map[*html.Node]bool)

	for _, hint := range fieldHints {
		var found []*html.Node
		for _, m := range g.members {
			if n := findHint(m, hint, claimed); n != nil {
				found = append(found, n)
			}
		}
		if len(found) == 0 || len(found)*2 < len(g.members) {
			continue
		}
		sample := found[0]

		dataType := hint.typed(innerText(sample))
		if dataType == "" {
			continue
		}
		for _, n := range found {
			claimed[n] = true
		}
		fields = append(fields, field{
			name:     hint.name,
			tag:      sample.Data,
			selector: nodeSelector(sample),
			method:   hint.method,
			dataType: dataType,
			presence: float64(len(found)) / float64(len(g.members)),
		})
	}
	return fields
}

// findHint locates the first unclaimed descendant matching a hint whose
// text satisfies the hint's type check.
func findHint(member *html.Node, hint fieldHint, claimed map[*html.Node]bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && !claimed[n] && tagIn(n.Data, hint.tags) {
			text := innerText(n)
			if hint.method != "text" || hint.typed(text) != "" {
				if hint.method == "attr:href" && attrVal(n, "href") == "" {
					// keep looking
				} else if hint.method == "attr:src" && attrVal(n, "src") == "" {
					// keep looking
				} else {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := member.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return found
}

func tagIn(tag string, tags []string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// validationRulesFor returns the ordered validation steps implied by a data
// type.
func validationRulesFor(dt model.DataType) []string {
	switch dt {
	case model.DataTypeCurrency:
		return []string{"matches-currency"}
	case model.DataTypeNumber:
		return []string{"matches-number"}
	case model.DataTypeDate:
		return []string{"parseable-date"}
	case model.DataTypeURL:
		return []string{"valid-url"}
	case model.DataTypeImage:
		return []string{"valid-url"}
	}
	return []string{"non-empty"}
}

// transformRulesFor returns the ordered transformation steps implied by a
// data type.
func transformRulesFor(dt model.DataType) []string {
	switch dt {
	case model.DataTypeCurrency:
		return []string{"strip-currency-symbol", "parse-decimal"}
	case model.DataTypeNumber:
		return []string{"strip-grouping", "parse-decimal"}
	case model.DataTypeDate:
		return []string{"normalize-date"}
	case model.DataTypeURL, model.DataTypeImage:
		return []string{"resolve-relative-url"}
	}
	return []string{"trim-whitespace"}
}
