package common

import (
	"errors"
	"fmt"
)

var (
	// ErrWindowClosed is returned when navigating a closed window.
	ErrWindowClosed = errors.New("window is closed")

	// ErrClientClosed is returned when using a closed web client.
	ErrClientClosed = errors.New("web client is closed")

	// ErrNoRequest is returned when loading a response that does not
	// carry the request it answers.
	ErrNoRequest = errors.New("response has no request")
)

// FetchError is a transport failure while fetching a resource.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %q: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusCodeError is returned for responses with a failing status code
// when the client is configured to treat them as errors. The page is
// loaded into its window regardless.
type StatusCodeError struct {
	URL           string
	StatusCode    int
	StatusMessage string
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("%d %s for %q", e.StatusCode, e.StatusMessage, e.URL)
}
