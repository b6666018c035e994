package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrParse marks a notification URL that does not match the grammar.
	ErrParse = errors.New("malformed notification url")
	// ErrUnsupportedScheme marks a URL whose scheme has no registered service.
	ErrUnsupportedScheme = errors.New("unsupported scheme")

	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrAttachmentTooLarge = errors.New("attachment too large")
	ErrAttachmentFetch    = errors.New("attachment fetch failed")
)
