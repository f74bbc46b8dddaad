package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnsupportedFile indicates a document type that cannot be ingested
	ErrUnsupportedFile = errors.New("unsupported file type")
	// ErrFileTooLarge indicates a document above the upload limit
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyMessage is returned when a message is blank after trimming
	ErrEmptyMessage = errors.New("message is empty")
	// ErrExchangeInFlight is returned when a send is attempted while another
	// exchange of the same session has not finished
	ErrExchangeInFlight = errors.New("an exchange is already in flight")
	// ErrStreamInterrupted is returned when the channel drops before the
	// final frame of an exchange arrives
	ErrStreamInterrupted = errors.New("stream interrupted before final frame")
)
