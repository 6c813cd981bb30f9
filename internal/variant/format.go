package variant

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	blankLine   = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd = regexp.MustCompile(`[.!?…]+["')\]]*\s+`)
)

// SplitBubbles splits text into at most max display bubbles. Paragraphs are
// preferred; a single paragraph is split at sentence ends. Surplus pieces are
// merged into the last bubble.
func SplitBubbles(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 1 {
		return []string{text}
	}

	pieces, sep := nonEmpty(blankLine.Split(text, -1)), "\n\n"
	if len(pieces) == 1 {
		pieces, sep = splitSentences(text), " "
	}
	if len(pieces) <= max {
		return pieces
	}
	out := append([]string(nil), pieces[:max-1]...)
	return append(out, strings.Join(pieces[max-1:], sep))
}

// Truncate shortens text to at most maxChars runes, cutting at the last word
// boundary and marking the cut with an ellipsis. maxChars <= 0 disables it.
func Truncate(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	cut := string(runes[:maxChars-1])
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n\t,;:") + "…"
}

func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, strings.TrimSpace(text[last:loc[1]]))
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, strings.TrimSpace(text[last:]))
	}
	return nonEmpty(out)
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FormatCallTime renders an elapsed call duration as HH:MM:SS.
func FormatCallTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// FormatAudioTime renders a playback position as MM:SS.
func FormatAudioTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
