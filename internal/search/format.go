package search

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OutputFormat specifies the output format for retrieval results.
type OutputFormat string

const (
	FormatDefault OutputFormat = "default"
	FormatJSON    OutputFormat = "json"
	FormatCompact OutputFormat = "compact"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", FormatDefault:
		return FormatDefault, nil
	case FormatJSON, FormatCompact:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q (want default, json or compact)", s)
}

// FormatResult renders a retrieval result in the given format.
func FormatResult(r RetrievalResult, format OutputFormat) string {
	switch format {
	case FormatJSON:
		return formatJSON(r)
	case FormatCompact:
		return formatCompact(r)
	default:
		return formatDefault(r)
	}
}

func formatDefault(r RetrievalResult) string {
	if r.Empty() {
		return "No relevant passages found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Confidence: %.2f\n\n", r.Confidence))

	for i, src := range r.Sources {
		sb.WriteString(fmt.Sprintf("=== Result %d (score: %.2f) ===\n", i+1, src.Score))
		sb.WriteString(fmt.Sprintf("Source: %s | Chunk: %s\n\n", src.SourceName, src.ChunkID))

		for _, line := range strings.Split(wrap(r.Contexts[i], 96), "\n") {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatJSON(r RetrievalResult) string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// formatCompact prints one "source\tchunk\tscore" line per passage.
func formatCompact(r RetrievalResult) string {
	if r.Empty() {
		return ""
	}
	var sb strings.Builder
	for _, src := range r.Sources {
		sb.WriteString(fmt.Sprintf("%s\t%s\t%.4f\n", src.SourceName, src.ChunkID, src.Score))
	}
	return sb.String()
}

// wrap breaks text on word boundaries so no line exceeds width runes,
// except single words longer than width.
func wrap(text string, width int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var sb strings.Builder
	lineLen := 0
	for i, w := range words {
		n := len([]rune(w))
		switch {
		case i == 0:
		case lineLen+1+n > width:
			sb.WriteByte('\n')
			lineLen = 0
		default:
			sb.WriteByte(' ')
			lineLen++
		}
		sb.WriteString(w)
		lineLen += n
	}
	return sb.String()
}
