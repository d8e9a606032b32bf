package models

import "errors"

// Application-wide standard errors
var (
	// Lookup errors
	ErrNotFound       = errors.New("resource not found")
	ErrChoiceNotFound = errors.New("choice not found on node")

	// Access & state errors
	ErrForbidden      = errors.New("forbidden")
	ErrStoryNotActive = errors.New("story is not active")
	ErrStoryNotEnded  = errors.New("story has not ended yet")
	ErrInvalidInput   = errors.New("invalid input data")

	// Generation errors
	ErrInvalidContent   = errors.New("generated content failed validation")
	ErrGenerationFailed = errors.New("content generation failed")

	// Storage errors
	ErrStorage            = errors.New("storage error")
	ErrInvariantViolation = errors.New("data invariant violation")

	// Messaging
	ErrAsyncDisabled = errors.New("asynchronous generation is disabled")
)
