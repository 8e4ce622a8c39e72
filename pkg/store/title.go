package store

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// titleMaxWidth is measured in display cells, not runes, so CJK text (two
// cells per character) truncates at roughly half the character count.
const titleMaxWidth = 50

// DeriveTitle builds a session title from the first line of the first user
// message, truncated by display width.
func DeriveTitle(content string) string {
	line := content
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if runewidth.StringWidth(line) <= titleMaxWidth {
		return line
	}
	return runewidth.Truncate(line, titleMaxWidth, "…")
}
