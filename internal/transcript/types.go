// Package transcript captures a channel's message history at closure and
// archives it as a rendered document.
package transcript

import (
	"errors"
	"time"
)

// Format is the archive output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ErrPDFDependencyMissing means no headless Chromium binary is available.
var ErrPDFDependencyMissing = errors.New("transcript: pdf renderer unavailable")

// Entry is one captured message, in chronological order.
type Entry struct {
	AuthorID    string
	AuthorName  string
	SentAt      time.Time
	Body        string
	Attachments []string
}

// Result describes a finished archive. Incomplete is true when capture
// stopped early; whatever was read up to that point is still archived.
type Result struct {
	ObjectKey    string
	MessageCount int
	Incomplete   bool
	Body         string
}
