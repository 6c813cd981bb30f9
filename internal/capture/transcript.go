package capture

import "strings"

// TranscriptBuffer holds the interim and final results of the utterance in progress
type TranscriptBuffer struct {
	Interim string `json:"interim"`
	Final   string `json:"final"`
}

// Apply folds one recognition result into the buffer. Final segments are
// appended to Final and clear Interim; interim results replace Interim.
func (b *TranscriptBuffer) Apply(text string, isFinal bool) {
	if !isFinal {
		b.Interim = text
		return
	}
	b.Interim = ""
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if b.Final != "" && !strings.HasSuffix(b.Final, " ") {
		b.Final += " "
	}
	b.Final += text
}

// Reset empties the buffer
func (b *TranscriptBuffer) Reset() {
	b.Interim = ""
	b.Final = ""
}

// Text returns the final text followed by the current interim hypothesis.
func (b TranscriptBuffer) Text() string {
	interim := strings.TrimSpace(b.Interim)
	switch {
	case b.Final == "":
		return interim
	case interim == "":
		return b.Final
	default:
		return b.Final + " " + interim
	}
}
