// Package expand implements the variable-expansion grammar applied to every
// outgoing text (§6.4): token substitution, embedded control tokens
// ($photo=, $sleep=, $new), and the chunk-splitting rule.
package expand

import (
	"strconv"
	"strings"
	"time"
)

// Vars is the substitution context for one expansion. Zero-value fields are
// substituted as the empty string.
type Vars struct {
	Product           string
	Username          string
	ChatID            string
	ChatName          string
	MessageText       string
	OrderID           string
	OrderLink         string
	OrderTitle        string
	OrderParams       string
	OrderDesc         string
	Game              string
	Category          string
	CategoryFullname  string
	Now               time.Time
}

// Part is one split segment of an expanded template: either plain text, an
// image reference ($photo=), or a pause ($sleep=) before continuing.
type Part struct {
	Text        string
	ImageID     string // non-empty => this part is an image message
	SleepBefore time.Duration
}

var monthsRU = []string{"", "января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря"}

func (v Vars) substitute(s string) string {
	now := v.Now
	if now.IsZero() {
		now = time.Now()
	}
	dateText := strconv.Itoa(now.Day()) + " " + monthsRU[int(now.Month())]

	// strings.NewReplacer prefers the earlier pair when two tokens match at
	// the same position, so each longer token is listed before its prefix.
	replacer := strings.NewReplacer(
		"$product", v.Product,
		"$username", v.Username,
		"$chat_id", v.ChatID,
		"$chat_name", v.ChatName,
		"$message_text", v.MessageText,
		"$date_text", dateText,
		"$date", now.Format("2006-01-02"),
		"$time", now.Format("15:04"),
		"$full_time", now.Format("15:04:05"),
		"$full_date_text", dateText+" "+strconv.Itoa(now.Year())+" года",
		"$order_id", v.OrderID,
		"$order_link", v.OrderLink,
		"$order_title", v.OrderTitle,
		"$order_params", v.OrderParams,
		"$order_desc_and_params", strings.TrimSpace(v.OrderDesc+" "+v.OrderParams),
		"$order_desc_or_params", firstNonEmpty(v.OrderDesc, v.OrderParams),
		"$order_desc", v.OrderDesc,
		"$game", v.Game,
		"$category_fullname", v.CategoryFullname,
		"$category", v.Category,
	)
	return replacer.Replace(s)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

const maxChunkLines = 20

// Expand substitutes vars into template, walks $photo=/$sleep=/$new control
// tokens, and splits the remaining plain-text runs into chunks of at most 20
// lines, dropping chunks that are empty or the literal "[a][/a]" once
// trimmed.
func Expand(template string, vars Vars) []Part {
	substituted := vars.substitute(template)

	var parts []Part
	var pendingSleep time.Duration
	cursor := 0
	for cursor < len(substituted) {
		idx, tokLen, kind, arg := nextControlToken(substituted[cursor:])
		if idx < 0 {
			parts = append(parts, splitChunks(substituted[cursor:], pendingSleep)...)
			pendingSleep = 0
			break
		}

		segment := substituted[cursor : cursor+idx]
		parts = append(parts, splitChunks(segment, pendingSleep)...)
		pendingSleep = 0

		switch kind {
		case "photo":
			parts = append(parts, Part{ImageID: arg})
		case "sleep":
			secs, _ := strconv.Atoi(arg)
			pendingSleep = time.Duration(secs) * time.Second
		case "new":
			// forced paragraph break: handled by splitChunks treating the
			// boundary as chunk-ending; nothing to emit itself.
		}
		cursor += idx + tokLen
	}

	return parts
}

func nextControlToken(s string) (idx, tokLen int, kind, arg string) {
	candidates := []struct {
		prefix string
		kind   string
	}{
		{"$photo=", "photo"},
		{"$sleep=", "sleep"},
		{"$new", "new"},
		{"[a][/a]", "new"},
	}

	best := -1
	var bestKind, bestArg string
	var bestLen int

	for _, c := range candidates {
		i := strings.Index(s, c.prefix)
		if i < 0 {
			continue
		}
		if best != -1 && i >= best {
			continue
		}
		length := len(c.prefix)
		value := ""
		if c.kind == "photo" || c.kind == "sleep" {
			end := i + length
			for end < len(s) && s[end] != ' ' && s[end] != '\n' {
				end++
			}
			value = s[i+length : end]
			length = end - i
		}
		best = i
		bestKind = c.kind
		bestArg = value
		bestLen = length
	}
	if best == -1 {
		return -1, 0, "", ""
	}
	return best, bestLen, bestKind, bestArg
}

func splitChunks(text string, sleepBefore time.Duration) []Part {
	lines := strings.Split(text, "\n")
	var parts []Part
	for i := 0; i < len(lines); i += maxChunkLines {
		end := i + maxChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunk := strings.Join(lines[i:end], "\n")
		trimmed := strings.TrimSpace(chunk)
		if trimmed == "" || trimmed == "[a][/a]" {
			continue
		}
		p := Part{Text: chunk}
		if i == 0 {
			p.SleepBefore = sleepBefore
		}
		parts = append(parts, p)
	}
	return parts
}
