package collector

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Preprocessor rewrites a parsed page in place before it is packed.
type Preprocessor func(doc *html.Node)

// PreprocessorsFor returns the cleanups for a target, generic ones first.
func PreprocessorsFor(target string) []Preprocessor {
	pre := []Preprocessor{RemoveTags("iframe", "object", "embed")}

	u, err := url.Parse(target)
	if err != nil {
		return pre
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org"):
		pre = append(pre, RemoveByClass("mw-editsection", "navbox", "noprint", "mw-jump-link"))
	}
	return pre
}

// RemoveTags drops every element with one of the given tag names.
func RemoveTags(tags ...string) Preprocessor {
	set := map[string]bool{}
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	return func(doc *html.Node) {
		removeWhere(doc, func(n *html.Node) bool {
			return n.Type == html.ElementNode && set[n.Data]
		})
	}
}

// RemoveByClass drops every element carrying one of the given classes.
func RemoveByClass(classes ...string) Preprocessor {
	return func(doc *html.Node) {
		removeWhere(doc, func(n *html.Node) bool {
			if n.Type != html.ElementNode {
				return false
			}
			have := strings.Fields(attr(n, "class"))
			for _, c := range classes {
				for _, h := range have {
					if h == c {
						return true
					}
				}
			}
			return false
		})
	}
}

// StripScripts removes <script> elements and inline on* event handlers.
func StripScripts(doc *html.Node) {
	removeWhere(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Script
	})
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if strings.HasPrefix(strings.ToLower(a.Key), "on") {
				continue
			}
			if a.Key == "href" && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	})
}

// ExtractMain reduces <body> to the page's main content: the first <article>,
// <main> or role="main" element. Pages without one are left as they are.
func ExtractMain(doc *html.Node) {
	body := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Body
	})
	if body == nil {
		return
	}
	content := find(body, func(n *html.Node) bool {
		if n == body || n.Type != html.ElementNode {
			return false
		}
		return n.DataAtom == atom.Article || n.DataAtom == atom.Main || attr(n, "role") == "main"
	})
	if content == nil {
		return
	}
	content.Parent.RemoveChild(content)
	for c := body.FirstChild; c != nil; c = body.FirstChild {
		body.RemoveChild(c)
	}
	body.AppendChild(content)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func removeWhere(n *html.Node, match func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if match(c) {
			n.RemoveChild(c)
		} else {
			removeWhere(c, match)
		}
		c = next
	}
}
