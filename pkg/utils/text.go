// Package utils holds small helpers shared by the commands: logger setup and text shortening.
package utils

import "strings"

// Truncate shortens s to at most maxLen runes, appending "..." when cut.
// A cut inside a word backs up to the preceding space so tag strings stay whole.
// maxLen <= 0 returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	cut := string(runes[:maxLen])
	if runes[maxLen] != ' ' {
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimRight(cut, " ") + "..."
}
