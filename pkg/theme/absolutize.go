package theme

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Matched textually over <style> contents; the CSS itself is not parsed.
var importStylesheetPattern = regexp.MustCompile(`(?i)(@import\s+url\(\s*)(["'])(.+?)(["']\s*\))`)

// ToAbsolute rewrites a relative reference as prefix + "/" + ref, stripping
// a leading "./". References starting with "/" or containing "://" are
// returned unchanged.
func ToAbsolute(ref, prefix string) string {
	if prefix == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "://") {
		return ref
	}
	return prefix + "/" + strings.TrimPrefix(ref, "./")
}

// Absolutize rewrites relative image, script and stylesheet-link references
// and @import URLs in inline style blocks of doc. An empty prefix is a no-op.
func Absolutize(doc *html.Node, prefix string) {
	if doc == nil || prefix == "" {
		return
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Img, atom.Script:
				rewriteAttr(n, "src", prefix)
			case atom.Link:
				rewriteAttr(n, "href", prefix)
			case atom.Style:
				rewriteImports(n, prefix)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}

func rewriteAttr(n *html.Node, key, prefix string) {
	for i := range n.Attr {
		a := &n.Attr[i]
		if a.Namespace == "" && a.Key == key && a.Val != "" {
			a.Val = ToAbsolute(a.Val, prefix)
		}
	}
}

func rewriteImports(style *html.Node, prefix string) {
	for c := style.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		c.Data = importStylesheetPattern.ReplaceAllStringFunc(c.Data, func(m string) string {
			parts := importStylesheetPattern.FindStringSubmatch(m)
			return parts[1] + parts[2] + ToAbsolute(parts[3], prefix) + parts[4]
		})
	}
}
