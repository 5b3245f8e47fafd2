package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// sigDepth bounds how deep the structural signature descends. Two levels of
// child shape are enough to tell list items apart without making the
// signature sensitive to deeply nested noise.
const sigDepth = 3

// signature computes the structural shape of a node: tag plus sorted class
// names plus the shapes of its element children, ignoring all text. Nodes
// with the same signature are structurally interchangeable.
func signature(n *html.Node, depth int) string {
	if n.Type != html.ElementNode {
		return ""
	}

	var b strings.Builder
	b.WriteString(n.Data)
	if classes := classList(n); len(classes) > 0 {
		b.WriteByte('.')
		b.WriteString(strings.Join(classes, "."))
	}

	if depth > 1 {
		var childSigs []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			childSigs = append(childSigs, signature(c, depth-1))
		}
		if len(childSigs) > 0 {
			b.WriteByte('{')
			b.WriteString(strings.Join(childSigs, ","))
			b.WriteByte('}')
		}
	}
	return b.String()
}

// classList returns the node's class names, sorted so attribute order does
// not change the signature.
func classList(n *html.Node) []string {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		classes := strings.Fields(a.Val)
		sort.Strings(classes)
		return classes
	}
	return nil
}

// attrVal returns the value of the named attribute, or "".
func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeSelector renders one CSS step for a node: tag plus its first class.
func nodeSelector(n *html.Node) string {
	if classes := classList(n); len(classes) > 0 {
		return n.Data + "." + classes[0]
	}
	return n.Data
}

// selectorPath renders a child selector with up to maxSteps ancestor steps,
// most specific form first.
func selectorPath(ancestry []*html.Node, maxSteps int) string {
	if len(ancestry) > maxSteps {
		ancestry = ancestry[len(ancestry)-maxSteps:]
	}
	steps := make([]string, 0, len(ancestry))
	for _, n := range ancestry {
		steps = append(steps, nodeSelector(n))
	}
	return strings.Join(steps, " > ")
}

// shortHash derives a stable identifier from its inputs. Detection output
// must not vary between runs on the same content, so IDs are derived from
// the content itself rather than generated.
func shortHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])[:16]
}

// innerText returns the concatenated visible text of a subtree, trimmed.
func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// countTags counts descendant element occurrences by tag name.
func countTags(n *html.Node, counts map[string]int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			counts[c.Data]++
			countTags(c, counts)
		}
	}
}
