package merge

import "golang.org/x/net/html"

func cloneTree(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		c.Attr = make([]html.Attribute, len(n.Attr))
		copy(c.Attr, n.Attr)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(cloneTree(child))
	}
	return c
}

func cloneAll(nodes []*html.Node) []*html.Node {
	out := make([]*html.Node, len(nodes))
	for i, n := range nodes {
		out[i] = cloneTree(n)
	}
	return out
}

func children(n *html.Node) []*html.Node {
	if n == nil {
		return nil
	}
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// attached reports whether n is still reachable from root.
func attached(n, root *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

func detachAll(nodes []*html.Node) {
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
}

func appendAll(parent *html.Node, nodes []*html.Node) {
	for _, n := range nodes {
		parent.AppendChild(n)
	}
}

func prependAll(parent *html.Node, nodes []*html.Node) {
	first := parent.FirstChild
	for _, n := range nodes {
		parent.InsertBefore(n, first)
	}
}

func insertBefore(target *html.Node, nodes []*html.Node) {
	for _, n := range nodes {
		target.Parent.InsertBefore(n, target)
	}
}

func insertAfter(target *html.Node, nodes []*html.Node) {
	next := target.NextSibling
	for _, n := range nodes {
		target.Parent.InsertBefore(n, next)
	}
}
