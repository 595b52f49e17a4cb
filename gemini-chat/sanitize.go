package main

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxRoomNameLen = 64

var (
	// room names are plain text
	roomNamePolicy = bluemonday.StrictPolicy()

	// messages may carry simple formatting
	messagePolicy = bluemonday.UGCPolicy()
)

func init() {
	messagePolicy = bluemonday.UGCPolicy().
		AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "pre", "br").
		AllowURLSchemes("http", "https", "mailto").
		RequireNoFollowOnLinks(true)
}

// sanitizeRoomName strips all markup from a chatroom name, trims it and
// limits it to maxRoomNameLen runes. The result may be empty.
func sanitizeRoomName(name string) string {
	decoded := html.UnescapeString(name)
	clean := html.UnescapeString(roomNamePolicy.Sanitize(decoded))
	clean = strings.TrimSpace(clean)
	if utf8.RuneCountInString(clean) > maxRoomNameLen {
		clean = strings.TrimSpace(string([]rune(clean)[:maxRoomNameLen]))
	}
	return clean
}

// sanitizeMessage removes unsafe markup from message text, keeping basic
// formatting. The result is stored as typed text: entities the policy
// introduces are decoded again and escaping is left to the renderer.
func sanitizeMessage(text string) string {
	if text == "" {
		return ""
	}
	decoded := html.UnescapeString(text)
	return strings.TrimSpace(html.UnescapeString(messagePolicy.Sanitize(decoded)))
}
