package telegram

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"feedbot/internal/feed"
)

const (
	maxMessageLength = 4096
	maxTitleLength   = 300
	maxHeaderLength  = 1024
	bullet           = "• "
)

func htmlLink(title, link string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(link), html.EscapeString(title))
}

func truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-1]) + "…"
}

// renderLine links the title when the result fits in budget bytes and falls
// back to the plain title otherwise.
func renderLine(line feed.Line, budget int) string {
	title := strings.TrimSpace(line.Title)
	if title == "" {
		title = line.URL
	}
	title = truncate(title, maxTitleLength)

	if line.URL != "" {
		if linked := bullet + htmlLink(title, line.URL); len(linked) <= budget {
			return linked
		}
	}
	return bullet + html.EscapeString(title)
}

func renderHeader(n feed.Notification) string {
	title := truncate(n.Title, maxTitleLength)
	if n.URL != "" {
		if linked := "<b>" + htmlLink(title, n.URL) + "</b>"; len(linked) <= maxHeaderLength {
			return linked
		}
	}
	return "<b>" + html.EscapeString(title) + "</b>"
}

// renderNotification renders n as one or more HTML messages, each starting
// with the header and within the Telegram message length.
func renderNotification(n feed.Notification) []string {
	header := renderHeader(n)

	var messages []string
	budget := maxMessageLength - len(header) - 1
	current := header
	for _, line := range n.Lines {
		rendered := renderLine(line, budget)
		if current != header && len(current)+1+len(rendered) > maxMessageLength {
			messages = append(messages, current)
			current = header
		}
		current += "\n" + rendered
	}
	return append(messages, current)
}
