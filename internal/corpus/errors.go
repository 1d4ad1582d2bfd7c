package corpus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document id or origin is unknown.
	ErrNotFound = errors.New("document not found")
	// ErrUnsupportedFormat is returned for file types that cannot be stored
	// or have no text extractor.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrExtraction is returned when a supported file cannot be turned into text.
	ErrExtraction = errors.New("text extraction failed")
	// ErrInvalidFilename is returned when nothing usable remains of a filename.
	ErrInvalidFilename = errors.New("invalid filename")
)

// ExtractError describes a failed extraction for one document.
type ExtractError struct {
	DocID  string
	Format string
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.DocID, e.Format, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}
