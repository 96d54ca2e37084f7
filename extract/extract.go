// Package extract produces the cleaned HTML snapshot shipped to the recipe
// API: static-rule tree walking that drops executable and invisible content,
// followed by gzip compression of the result.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// droppedElements are removed with their whole subtree.
var droppedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"iframe":   {},
	"object":   {},
	"embed":    {},
	"template": {},
	"link":     {},
	"svg":      {},
}

// Clean parses the document and returns a serialized copy with scripts,
// styles, comments, hidden nodes, and inline event handlers removed.
func Clean(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	cleanNode(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

func cleanNode(n *html.Node) {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if shouldDrop(child) {
			n.RemoveChild(child)
		} else {
			cleanNode(child)
		}
		child = next
	}
	if n.Type == html.ElementNode {
		n.Attr = cleanAttrs(n.Attr)
	}
}

func shouldDrop(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
		if _, ok := droppedElements[n.Data]; ok {
			return true
		}
		return isHidden(n.Attr)
	default:
		return false
	}
}

func isHidden(attrs []html.Attribute) bool {
	for _, a := range attrs {
		switch a.Key {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "style":
			v := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			if strings.Contains(v, "display:none") || strings.Contains(v, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

func cleanAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		// Inline event handlers and javascript: URLs never survive.
		if strings.HasPrefix(strings.ToLower(a.Key), "on") {
			continue
		}
		if (a.Key == "href" || a.Key == "src") &&
			strings.HasPrefix(strings.TrimSpace(strings.ToLower(a.Val)), "javascript:") {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}
