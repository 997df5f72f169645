package platform

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// strippedTags are removed wholesale before conversion.
var strippedTags = map[string]bool{
	"script": true, "style": true, "nav": true,
	"footer": true, "aside": true, "iframe": true,
}

// findFirst walks the tree depth-first and returns the first node the
// predicate accepts.
func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, pred); found != nil {
			return found
		}
	}
	return nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, token := range strings.Fields(attrVal(n, "class")) {
		if token == class {
			return true
		}
	}
	return false
}

// contentRoot selects the article body: the first of article, main,
// [role=main], .article-body, .post-content, body.
func contentRoot(doc *html.Node) *html.Node {
	preds := []func(*html.Node) bool{
		func(n *html.Node) bool { return n.Data == "article" },
		func(n *html.Node) bool { return n.Data == "main" },
		func(n *html.Node) bool { return attrVal(n, "role") == "main" },
		func(n *html.Node) bool { return hasClass(n, "article-body") },
		func(n *html.Node) bool { return hasClass(n, "post-content") },
		func(n *html.Node) bool { return n.Data == "body" },
	}
	for _, pred := range preds {
		if n := findFirst(doc, pred); n != nil {
			return n
		}
	}
	return doc
}

// pageTitle prefers og:title over the document title.
func pageTitle(doc *html.Node) string {
	if meta := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "meta" && attrVal(n, "property") == "og:title"
	}); meta != nil {
		if v := strings.TrimSpace(attrVal(meta, "content")); v != "" {
			return v
		}
	}
	if title := findFirst(doc, func(n *html.Node) bool { return n.Data == "title" }); title != nil {
		return strings.TrimSpace(nodeText(title))
	}
	return ""
}

// publishedAt pulls the article timestamp from the usual places.
func publishedAt(doc *html.Node) string {
	if meta := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "meta" && attrVal(n, "property") == "article:published_time"
	}); meta != nil {
		return strings.TrimSpace(attrVal(meta, "content"))
	}
	if t := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "time" && attrVal(n, "datetime") != ""
	}); t != nil {
		return strings.TrimSpace(attrVal(t, "datetime"))
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// renderMarkdown converts the subtree to Markdown. The mapping is pragmatic:
// headings, paragraphs, lists, links, emphasis, quotes, and code survive;
// everything else contributes its text.
func renderMarkdown(root *html.Node) string {
	r := &mdRenderer{}
	r.walk(root)
	return tidyMarkdown(r.b.String())
}

type mdRenderer struct {
	b strings.Builder
}

func (r *mdRenderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.b.WriteString(collapseSpace(n.Data))
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		if strippedTags[n.Data] {
			return
		}
	}

	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		r.blockBreak()
		r.b.WriteString(strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		r.children(n)
		r.blockBreak()
	case "p", "div", "section", "figure", "figcaption", "table", "tr":
		r.blockBreak()
		r.children(n)
		r.blockBreak()
	case "br":
		r.b.WriteString("\n")
	case "hr":
		r.blockBreak()
		r.b.WriteString("---")
		r.blockBreak()
	case "a":
		href := attrVal(n, "href")
		if href == "" || strings.HasPrefix(href, "#") {
			r.children(n)
			return
		}
		r.b.WriteString("[")
		r.children(n)
		r.b.WriteString("](" + href + ")")
	case "img":
		if src := attrVal(n, "src"); src != "" {
			r.b.WriteString("![" + attrVal(n, "alt") + "](" + src + ")")
		}
	case "strong", "b":
		r.b.WriteString("**")
		r.children(n)
		r.b.WriteString("**")
	case "em", "i":
		r.b.WriteString("*")
		r.children(n)
		r.b.WriteString("*")
	case "ul", "ol":
		r.children(n)
		r.blockBreak()
	case "li":
		r.lineBreak()
		r.b.WriteString("- ")
		r.children(n)
	case "blockquote":
		r.blockBreak()
		r.b.WriteString("> ")
		r.children(n)
		r.blockBreak()
	case "pre":
		r.blockBreak()
		r.b.WriteString("```\n" + strings.TrimRight(nodeText(n), "\n") + "\n```")
		r.blockBreak()
	case "code":
		// Inline only; pre already captured block code.
		if n.Parent != nil && n.Parent.Data == "pre" {
			return
		}
		r.b.WriteString("`" + nodeText(n) + "`")
	default:
		r.children(n)
	}
}

func (r *mdRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

// blockBreak guarantees an empty line before the next block.
func (r *mdRenderer) blockBreak() {
	s := r.b.String()
	switch {
	case s == "" || strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		r.b.WriteString("\n")
	default:
		r.b.WriteString("\n\n")
	}
}

func (r *mdRenderer) lineBreak() {
	if s := r.b.String(); s != "" && !strings.HasSuffix(s, "\n") {
		r.b.WriteString("\n")
	}
}

// collapseSpace squeezes runs of whitespace to one space, preserving a
// single leading/trailing separator so inline siblings stay apart.
func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if first, _ := utf8.DecodeRuneInString(s); unicode.IsSpace(first) {
		out = " " + out
	}
	if last, _ := utf8.DecodeLastRuneInString(s); unicode.IsSpace(last) {
		out += " "
	}
	return out
}

// tidyMarkdown trims trailing spaces and squeezes runs of blank lines.
func tidyMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}
