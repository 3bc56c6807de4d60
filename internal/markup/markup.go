// Package markup exposes the read-only document tree the classifier and
// field extractors query. The tree is built by a Parser; the default Parser
// is backed by golang.org/x/net/html.
package markup

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Node is an element (or the document root) of a parsed email body.
type Node interface {
	// Tag returns the lowercase tag name, or "" for the document root.
	Tag() string
	// Attr returns the value of the named attribute.
	Attr(key string) (string, bool)
	// Text returns the concatenation of all descendant text nodes.
	Text() string
	// Children returns the element children in document order.
	Children() []Node
	// NextSiblings returns the element siblings that follow this node, in
	// document order. Text between elements is skipped.
	NextSiblings() []Node
	// FindAll returns every descendant element with the given tag, in
	// document order.
	FindAll(tag string) []Node
	// Find returns the first descendant element with the given tag.
	Find(tag string) (Node, bool)
}

// Parser builds a document tree from canonical email text.
type Parser interface {
	Parse(text string) (Node, error)
}

// HTMLParser parses with the HTML5 tokenizer and tree builder from x/net/html.
type HTMLParser struct{}

// Parse builds the tree for text. Header lines and other non-markup content
// end up as text nodes of the body.
func (HTMLParser) Parse(text string) (Node, error) {
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}
	return &htmlNode{n: doc}, nil
}

// Parse builds a tree with the default HTMLParser.
func Parse(text string) (Node, error) {
	return HTMLParser{}.Parse(text)
}

type htmlNode struct {
	n *html.Node
}

func (h *htmlNode) Tag() string {
	if h.n.Type != html.ElementNode {
		return ""
	}
	return h.n.Data
}

func (h *htmlNode) Attr(key string) (string, bool) {
	for _, a := range h.n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func (h *htmlNode) Text() string {
	var b strings.Builder
	collectText(h.n, &b)
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func (h *htmlNode) Children() []Node {
	var out []Node
	for c := h.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, &htmlNode{n: c})
		}
	}
	return out
}

func (h *htmlNode) NextSiblings() []Node {
	var out []Node
	for s := h.n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			out = append(out, &htmlNode{n: s})
		}
	}
	return out
}

func (h *htmlNode) FindAll(tag string) []Node {
	var out []Node
	walk(h.n, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, &htmlNode{n: n})
		}
		return true
	})
	return out
}

func (h *htmlNode) Find(tag string) (Node, bool) {
	var found *html.Node
	walk(h.n, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return &htmlNode{n: found}, true
}

// walk visits the descendants of root depth-first in document order until
// visit returns false.
func walk(root *html.Node, visit func(*html.Node) bool) bool {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if !visit(c) {
			return false
		}
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

// FindFirst returns the first descendant of root with one of the given tags
// for which match returns true. Candidates are visited in document order.
func FindFirst(root Node, tags []string, match func(Node) bool) (Node, bool) {
	for _, n := range FindAllOf(root, tags...) {
		if match(n) {
			return n, true
		}
	}
	return nil, false
}

// FindAllOf returns every descendant of root whose tag is one of tags, in
// document order.
func FindAllOf(root Node, tags ...string) []Node {
	var out []Node
	for _, c := range root.Children() {
		for _, t := range tags {
			if c.Tag() == t {
				out = append(out, c)
				break
			}
		}
		out = append(out, FindAllOf(c, tags...)...)
	}
	return out
}

// StyleHas reports whether the inline style attribute of n declares
// property:value. Whitespace and case are ignored.
func StyleHas(n Node, property, value string) bool {
	style, ok := n.Attr("style")
	if !ok {
		return false
	}
	norm := strings.ToLower(strings.Join(strings.Fields(style), ""))
	return strings.Contains(norm, property+":"+value)
}
