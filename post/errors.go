package post

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that a post's source file does not exist.
	ErrNotFound = errors.New("post not found")
	// ErrCorruptImage signals an unusable persisted cache image.
	ErrCorruptImage = errors.New("cache image corrupt")
	// ErrStaleImage signals a persisted cache image written by an
	// incompatible format version or with different render options.
	ErrStaleImage = errors.New("cache image stale")
)

// FrontMatterError reports a post whose front matter could not be parsed or
// failed validation. It is surfaced to the caller and never cached, so a
// corrected file re-renders on the next request.
type FrontMatterError struct {
	Name   string
	Reason string
}

func (e *FrontMatterError) Error() string {
	return fmt.Sprintf("post %q: invalid front matter: %s", e.Name, e.Reason)
}

// RenderError reports an unexpected failure in the markdown/highlighting
// pipeline. Fatal to the request, never to the process.
type RenderError struct {
	Name string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("post %q: render failed: %v", e.Name, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
