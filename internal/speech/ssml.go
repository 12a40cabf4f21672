package speech

import (
	"fmt"
	"html"
	"strings"
)

// BuildSSML wraps utterance text in the synthesis markup envelope:
// voice name, optional speaker-profile embedding, and an optional
// trailing silence directive. The raw text is escaped for markup.
func BuildSSML(text, voice, speakerProfileID string, trailingSilenceMs int) string {
	var body strings.Builder
	body.WriteString("<mstts:leadingsilence-exact value='0'/>")
	body.WriteString(html.EscapeString(text))
	if trailingSilenceMs > 0 {
		fmt.Fprintf(&body, "<break time='%dms'/>", trailingSilenceMs)
	}

	inner := body.String()
	if speakerProfileID != "" {
		inner = fmt.Sprintf("<mstts:ttsembedding speakerProfileId='%s'>%s</mstts:ttsembedding>", speakerProfileID, inner)
	}

	return fmt.Sprintf(
		"<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xmlns:mstts='http://www.w3.org/2001/mstts' xml:lang='en-US'><voice name='%s'>%s</voice></speak>",
		voice, inner)
}
