package nlp

import "errors"

var (
	// ErrEmptyText is returned when a document has no text to process.
	ErrEmptyText = errors.New("document text must not be empty")
	// ErrNoDocuments is returned when a bulk request contains no documents.
	ErrNoDocuments = errors.New("at least one document is required")
	// ErrModelNotConfigured is returned when no concept database path is set.
	ErrModelNotConfigured = errors.New("concept database path is not configured")
)
