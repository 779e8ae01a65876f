package aoc

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var dayHeading = regexp.MustCompile(`^---\s*Day\s+\d+:\s*(.*?)\s*---$`)

// parsePuzzleTitle returns the puzzle name from the first
// <article class="day-desc"><h2>--- Day N: Name ---</h2> on the page.
// A page without that heading yields an empty name.
func parsePuzzleTitle(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse puzzle page: %w", err)
	}
	article := findNode(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Article && hasClass(n, "day-desc")
	})
	if article == nil {
		return "", nil
	}
	h2 := findNode(article, func(n *html.Node) bool { return n.DataAtom == atom.H2 })
	if h2 == nil {
		return "", nil
	}
	heading := strings.TrimSpace(textContent(h2))
	if m := dayHeading.FindStringSubmatch(heading); m != nil {
		return m[1], nil
	}
	return heading, nil
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
