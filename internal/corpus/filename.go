package corpus

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Format is a supported document type, named by its extension.
type Format string

const (
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatDocx     Format = "docx"
	FormatPDF      Format = "pdf"
	FormatDoc      Format = "doc"
)

var allowedFormats = map[Format]bool{
	FormatText:     true,
	FormatMarkdown: true,
	FormatDocx:     true,
	FormatPDF:      true,
	FormatDoc:      true,
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

var windowsDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true,
}

// FormatOf returns the lowercased extension of name without the dot.
func FormatOf(name string) Format {
	return Format(strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."))
}

// ValidateFilename reports whether name has an allowed extension.
func ValidateFilename(name string) error {
	f := FormatOf(name)
	if !allowedFormats[f] {
		if f == "" {
			return fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, name)
		}
		return fmt.Errorf("%w: .%s", ErrUnsupportedFormat, f)
	}
	return nil
}

// IsSupported reports whether name can be stored in the corpus.
func IsSupported(name string) bool {
	return ValidateFilename(name) == nil
}

// SecureFilename reduces name to a flat ASCII filename safe to join onto a
// directory. Path separators become spaces, runs of whitespace become a
// single underscore, and leading or trailing dots and underscores are
// dropped. The result may be empty.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range name {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	name = b.String()

	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")

	if base := strings.ToUpper(strings.SplitN(name, ".", 2)[0]); windowsDeviceNames[base] {
		name = "_" + name
	}
	return name
}
