package marketplace

import "testing"

func TestParseWaitTime(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"Подождите 3 минуты", 120},
		{"please wait 5 seconds", 5},
		{"wait 2 hours", 5400},
		{"no recognizable unit here", 10},
		{"wait a minute", 60},
	}

	for _, c := range cases {
		got := ParseWaitTime(c.text)
		if got != c.want {
			t.Errorf("ParseWaitTime(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}
