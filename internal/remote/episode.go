package remote

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"novelsync/internal/domain"
)

// EpisodeURL builds the page address of one episode.
func (c *Client) EpisodeURL(code string, number int, restricted bool) string {
	host := c.host
	if restricted {
		host = c.restrictedHost
	}
	return fmt.Sprintf("%s/%s/%d/", host, strings.TrimSpace(code), number)
}

// FetchEpisode downloads and extracts one episode. A page without a title or
// without body text yields nil, false; so does a page that could not be fetched.
func (c *Client) FetchEpisode(ctx context.Context, code string, number int, restricted bool) (*domain.Episode, bool) {
	doc, ok := c.FetchWithRetry(ctx, c.EpisodeURL(code, number, restricted))
	if !ok {
		return nil, false
	}
	title, body := parseEpisode(doc)
	if title == "" || body == "" {
		return nil, false
	}
	return &domain.Episode{
		Code:      strings.TrimSpace(code),
		No:        fmt.Sprintf("%d", number),
		Title:     title,
		Body:      body,
		FetchedAt: c.now(),
	}, true
}

// parseEpisode pulls the heading text and the re-wrapped body paragraphs out
// of an episode page. Both current and legacy page layouts are recognised.
func parseEpisode(doc *html.Node) (string, string) {
	title := ""
	if n := findFirst(doc, func(n *html.Node) bool {
		return hasClass(n, "p-novel__title") || hasClass(n, "novel_subtitle")
	}); n != nil {
		title = strings.TrimSpace(textContent(n))
	}

	container := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && hasClass(n, "js-novel-text") &&
			!hasClass(n, "p-novel__text--preface") && !hasClass(n, "p-novel__text--afterword")
	})
	if container == nil {
		container = findFirst(doc, func(n *html.Node) bool {
			return n.DataAtom == atom.Div && attr(n, "id") == "novel_honbun"
		})
	}
	if container == nil {
		return title, ""
	}

	var paragraphs []string
	for _, p := range findAll(container, func(n *html.Node) bool { return n.DataAtom == atom.P }) {
		paragraphs = append(paragraphs, "<p>"+innerHTML(p)+"</p>")
	}
	body := strings.Join(paragraphs, "\n")
	if strings.TrimSpace(textContent(container)) == "" && !strings.Contains(body, "<img") {
		body = ""
	}
	return title, body
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirst(child, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child)
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

func innerHTML(n *html.Node) string {
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&sb, child); err != nil {
			continue
		}
	}
	return sb.String()
}
