package story

import (
	"strconv"
	"strings"
)

// ExportText renders a story as a plain-text document. The creation time is
// formatted with dateLayout in the time's own location.
func ExportText(s Story, dateLayout string) string {
	var b strings.Builder
	b.WriteString("Title: " + s.Title)
	b.WriteString("\nDate: " + s.CreatedAt.Format(dateLayout))
	b.WriteString("\nMode: " + string(s.Mode))
	if s.Prompt != "" {
		b.WriteString("\nPrompt: " + s.Prompt)
	}
	b.WriteString("\nDuration: " + strconv.Itoa(s.DurationSec) + "s")
	b.WriteString("\n\n")
	b.WriteString(s.Transcript)
	return b.String()
}

// ExportFilename derives the download name from a title. Every character
// outside [A-Za-z0-9] becomes an underscore.
func ExportFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteString(".txt")
	return b.String()
}
