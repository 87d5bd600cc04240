package marketplace

import (
	"regexp"
	"strconv"
	"strings"
)

var firstIntRe = regexp.MustCompile(`\d+`)

// Keyword dictionaries covering both the upstream's native locale (Russian)
// and English, since the cooldown string's language is whatever the seller's
// account locale happens to be.
var secondWords = []string{"sec", "секунд"}
var minuteWords = []string{"min", "минут"}
var hourWords = []string{"hour", "час"}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// parseWaitTime implements §4.A's parse_wait_time table. It is shared by the
// raise scheduler (for RaiseError.WaitTime) and tested directly here since
// the upstream's human-readable cooldown strings are locale-sensitive and
// easy to get subtly wrong.
func parseWaitTime(text string) int {
	lower := strings.ToLower(text)

	match := firstIntRe.FindString(lower)
	n := 0
	if match != "" {
		n, _ = strconv.Atoi(match)
	}

	switch {
	case containsAny(lower, secondWords):
		if match == "" {
			return 2
		}
		return n
	case containsAny(lower, minuteWords):
		if match == "" {
			return 60
		}
		return (n - 1) * 60
	case containsAny(lower, hourWords):
		if match == "" {
			return 3600
		}
		return int((float64(n) - 0.5) * 3600)
	default:
		return 10
	}
}
