package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Surface is a parsed HTML fragment, typically a detail-surface snapshot.
type Surface struct {
	doc *goquery.Document
}

func ParseSurface(html string) (*Surface, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse surface: %w", err)
	}
	return &Surface{doc: doc}, nil
}

// Text is the whitespace-collapsed visible text of the whole surface. Text
// nodes are joined by a space so adjacent elements never run together.
func (s *Surface) Text() string {
	return visibleText(s.doc.Find("body"))
}

// Elements returns every element under body in document order.
func (s *Surface) Elements() []Node {
	return wrap(s.doc.Find("body *"))
}

func (s *Surface) Find(selector string) []Node {
	return wrap(s.doc.Find(selector))
}

type domNode struct {
	sel *goquery.Selection
}

func wrap(sel *goquery.Selection) []Node {
	nodes := make([]Node, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, domNode{sel: s})
	})
	return nodes
}

func (n domNode) Text() string {
	return visibleText(n.sel)
}

func (n domNode) OwnText() string {
	var b strings.Builder
	n.sel.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
			b.WriteByte(' ')
		}
	})
	return collapse(b.String())
}

func (n domNode) Attr(name string) (string, bool) {
	return n.sel.Attr(name)
}

func (n domNode) Exists(selector string) bool {
	return n.sel.Find(selector).Length() > 0
}

func (n domNode) Find(selector string) []Node {
	return wrap(n.sel.Find(selector))
}

func (n domNode) Next() (Node, bool) {
	next := n.sel.Next()
	if next.Length() == 0 {
		return nil, false
	}
	return domNode{sel: next}, true
}

func visibleText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "#text":
				b.WriteString(c.Text())
				b.WriteByte(' ')
			case "#comment", "script", "style", "noscript", "template":
			default:
				walk(c)
			}
		})
	}
	walk(sel)
	return collapse(b.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
