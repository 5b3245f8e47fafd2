package schema

import (
	"golang.org/x/net/html"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// classification pairs a content type with how strongly the group's shape
// matched that type's fingerprint.
type classification struct {
	contentType model.ContentType
	strength    float64
}

// classifyGroup matches a repeat group against known schema fingerprints.
// Fingerprints are checked most specific first; the fallback is a generic
// listing at reduced strength.
func classifyGroup(g repeatGroup) classification {
	member := g.members[0]

	// Table rows.
	if member.Data == "tr" || g.parent.Data == "table" || g.parent.Data == "tbody" {
		return classification{model.ContentTypeTable, 0.95}
	}

	counts := make(map[string]int)
	countTags(member, counts)
	links := counts["a"]
	headings := counts["h1"] + counts["h2"] + counts["h3"] + counts["h4"] + counts["h5"] + counts["h6"]
	paragraphs := counts["p"]
	images := counts["img"]

	// Link-only list items under a list or nav container.
	if (member.Data == "li" || insideNav(g.parent)) && links > 0 && headings == 0 && paragraphs == 0 && images == 0 {
		return classification{model.ContentTypeNavList, 0.85}
	}

	// Rich repeated cards: heading or image plus body content.
	if headings > 0 || images > 0 || (links > 0 && paragraphs > 0) {
		return classification{model.ContentTypeListing, 0.85}
	}

	// Repeated paragraphs under a prose container read as an article body.
	if member.Data == "p" && (g.parent.Data == "article" || g.parent.Data == "main" || g.parent.Data == "section") {
		return classification{model.ContentTypeArticle, 0.75}
	}

	return classification{model.ContentTypeListing, 0.6}
}

func insideNav(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && n.Data == "nav" {
			return true
		}
	}
	return false
}
