package export

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"hyperdraft/api/internal/blocks"
)

// BlocksToHTML renders a block tree as an HTML fragment. Children of a block
// whose childrenType is "ol" or "ul" become list items; other children are
// rendered in a nested group.
func BlocksToHTML(tree []blocks.BlockNode) string {
	var b strings.Builder
	for _, node := range tree {
		renderNode(&b, node)
	}
	return b.String()
}

func renderNode(b *strings.Builder, node blocks.BlockNode) {
	blk := node.Block
	text := renderText(blk.Text, blk.Annotations)

	switch blk.Type {
	case "heading":
		level := 2
		if raw, ok := blk.Attributes["level"]; ok {
			if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= 6 {
				level = n
			}
		}
		fmt.Fprintf(b, "<h%d id=\"%s\">%s</h%d>\n", level, html.EscapeString(blk.ID), text, level)
	case "code":
		fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", html.EscapeString(blk.Text))
	case "math":
		fmt.Fprintf(b, "<pre class=\"math\">%s</pre>\n", html.EscapeString(blk.Text))
	case "quote":
		fmt.Fprintf(b, "<blockquote>%s</blockquote>\n", text)
	case "image":
		fmt.Fprintf(b, "<figure><img src=\"%s\" alt=\"%s\"></figure>\n", html.EscapeString(blk.Ref), html.EscapeString(blk.Text))
	case "embed", "web-embed", "video", "file":
		fmt.Fprintf(b, "<p><a href=\"%s\">%s</a></p>\n", html.EscapeString(blk.Ref), html.EscapeString(firstNonEmpty(blk.Text, blk.Ref)))
	default:
		if text != "" {
			fmt.Fprintf(b, "<p>%s</p>\n", text)
		}
	}

	if len(node.Children) == 0 {
		return
	}
	switch listType := blk.Attributes[blocks.ChildrenTypeProp]; listType {
	case blocks.ListOrdered, blocks.ListUnordered:
		tag := listType
		if start := blk.Attributes[blocks.StartProp]; tag == blocks.ListOrdered && start != "" && start != "1" {
			fmt.Fprintf(b, "<ol start=\"%s\">\n", html.EscapeString(start))
		} else {
			fmt.Fprintf(b, "<%s>\n", tag)
		}
		for _, child := range node.Children {
			b.WriteString("<li>")
			renderNode(b, child)
			b.WriteString("</li>\n")
		}
		fmt.Fprintf(b, "</%s>\n", tag)
	default:
		b.WriteString("<div class=\"group\">\n")
		for _, child := range node.Children {
			renderNode(b, child)
		}
		b.WriteString("</div>\n")
	}
}

var markTags = map[string][2]string{
	"bold":      {"<strong>", "</strong>"},
	"strong":    {"<strong>", "</strong>"},
	"italic":    {"<em>", "</em>"},
	"emphasis":  {"<em>", "</em>"},
	"code":      {"<code>", "</code>"},
	"underline": {"<u>", "</u>"},
	"strike":    {"<s>", "</s>"},
}

// renderText escapes text and wraps annotated spans. Offsets are in code
// points; ranges outside the text are clamped.
func renderText(text string, annotations []blocks.Annotation) string {
	if text == "" {
		return ""
	}
	if len(annotations) == 0 {
		return html.EscapeString(text)
	}

	runes := []rune(text)
	type span struct {
		ann        blocks.Annotation
		start, end int
	}
	var spans []span
	cuts := map[int]struct{}{0: {}, len(runes): {}}
	for _, ann := range annotations {
		for i := range ann.Starts {
			if i >= len(ann.Ends) {
				break
			}
			start, end := clamp(int(ann.Starts[i]), len(runes)), clamp(int(ann.Ends[i]), len(runes))
			if start >= end {
				continue
			}
			spans = append(spans, span{ann: ann, start: start, end: end})
			cuts[start] = struct{}{}
			cuts[end] = struct{}{}
		}
	}

	bounds := make([]int, 0, len(cuts))
	for c := range cuts {
		bounds = append(bounds, c)
	}
	sort.Ints(bounds)

	var b strings.Builder
	for i := 0; i+1 < len(bounds); i++ {
		from, to := bounds[i], bounds[i+1]
		segment := html.EscapeString(string(runes[from:to]))
		for j := len(spans) - 1; j >= 0; j-- {
			sp := spans[j]
			if sp.start > from || sp.end < to {
				continue
			}
			if sp.ann.Type == "link" {
				segment = fmt.Sprintf("<a href=\"%s\">%s</a>", html.EscapeString(sp.ann.Ref), segment)
				continue
			}
			if tags, ok := markTags[sp.ann.Type]; ok {
				segment = tags[0] + segment + tags[1]
			}
		}
		b.WriteString(segment)
	}
	return b.String()
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
