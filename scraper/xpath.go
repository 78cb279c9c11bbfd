package scraper

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xmlquery"
	"golang.org/x/net/html"
)

// xnode abstracts over the XML and HTML document models so the path
// extraction logic is written once. A query error (bad XPath) yields
// no nodes, matching how a missing element yields no nodes.
type xnode interface {
	query(path string) []xnode
	text() string
	attr(name string) string
}

type xmlNode struct{ n *xmlquery.Node }

func (x xmlNode) query(path string) []xnode {
	nodes, err := xmlquery.QueryAll(x.n, path)
	if err != nil {
		return nil
	}
	out := make([]xnode, len(nodes))
	for i, n := range nodes {
		out[i] = xmlNode{n}
	}
	return out
}

func (x xmlNode) text() string {
	return x.n.InnerText()
}

func (x xmlNode) attr(name string) string {
	return x.n.SelectAttr(name)
}

type htmlNode struct{ n *html.Node }

func (h htmlNode) query(path string) []xnode {
	nodes, err := htmlquery.QueryAll(h.n, path)
	if err != nil {
		return nil
	}
	out := make([]xnode, len(nodes))
	for i, n := range nodes {
		out[i] = htmlNode{n}
	}
	return out
}

func (h htmlNode) text() string {
	return htmlquery.InnerText(h.n)
}

func (h htmlNode) attr(name string) string {
	return htmlquery.SelectAttr(h.n, name)
}

// textValue evaluates path and returns the first result's text.
func textValue(n xnode, path string) string {
	nodes := n.query(path)
	if len(nodes) == 0 {
		return ""
	}
	return nodes[0].text()
}

// textExcluding returns the text content of item minus the subtrees
// matched by the given paths. Used to scrape an HTML result summary:
// the item text without its title link and without script tags.
func textExcluding(item xnode, paths ...string) string {
	excluded := make(map[xnode]struct{})
	for _, path := range paths {
		for _, n := range item.query(path) {
			excluded[n] = struct{}{}
		}
	}
	if h, ok := item.(htmlNode); ok {
		skip := make(map[*html.Node]struct{}, len(excluded))
		for n := range excluded {
			skip[n.(htmlNode).n] = struct{}{}
		}
		var b strings.Builder
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if _, drop := skip[n]; drop {
				return
			}
			if n.Type == html.TextNode {
				b.WriteString(n.Data)
				return
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(h.n)
		return b.String()
	}
	return item.text()
}
