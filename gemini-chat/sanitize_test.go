package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeRoomName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Team", "Team"},
		{"trimmed", "  Team  ", "Team"},
		{"markup stripped", "<b>Team</b>", "Team"},
		{"script dropped", "<script>alert(1)</script>Ops", "Ops"},
		{"entities decoded", "Tom &amp; Jerry", "Tom & Jerry"},
		{"only markup", "<i></i>", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeRoomName(tc.in))
		})
	}
}

func TestSanitizeRoomNameTruncates(t *testing.T) {
	got := sanitizeRoomName(strings.Repeat("가", maxRoomNameLen+10))
	assert.Equal(t, maxRoomNameLen, utf8.RuneCountInString(got))
}

func TestSanitizeMessage(t *testing.T) {
	assert.Equal(t, "", sanitizeMessage(""))
	assert.Equal(t, "hello there", sanitizeMessage("  hello there "))
	assert.Equal(t, "hi <b>world</b>", sanitizeMessage("hi <script>alert(1)</script><b>world</b>"))

	assert.Equal(t, "Tom & Jerry", sanitizeMessage("Tom & Jerry"))
	assert.Equal(t, "a < b & c", sanitizeMessage("a < b & c"))
	assert.Equal(t, "5 > 3", sanitizeMessage("5 > 3"))
	assert.Equal(t, `say "hi"`, sanitizeMessage(`say "hi"`))

	got := sanitizeMessage(`<a href="javascript:alert(1)">x</a>`)
	assert.NotContains(t, got, "javascript")
}
