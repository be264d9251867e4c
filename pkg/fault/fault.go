package fault

import (
	"errors"
	"fmt"
)

const (
	NotAGroup         = "not_a_group"
	NotAuthorized     = "not_authorized"
	EmptyRoster       = "empty_roster"
	RosterUnavailable = "roster_unavailable"
	NoMediaFound      = "no_media_found"
	OversizeInput     = "oversize_input"
	DownloadFailed    = "download_failed"
	TranscodeFailed   = "transcode_failed"
	TranscodeTimeout  = "transcode_timeout"
	SendFailed        = "send_failed"
	Internal          = "internal"
)

// Error is a categorized command failure that can be answered in chat.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Is matches another *Error by category, so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}

	return e.Category == other.Category && other.Detail == "" && other.Err == nil
}

// New creates a categorized error without a cause.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap attaches a category to a lower-level cause. A nil cause yields nil.
func Wrap(category string, err error, detail string) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Detail: detail, Err: err}
}

// Sentinel returns a bare category value usable as an errors.Is target.
func Sentinel(category string) error {
	return &Error{Category: category}
}

// CategoryOf returns the category of the outermost categorized error, or Internal.
func CategoryOf(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return Internal
}

// Expected reports whether err belongs to the known taxonomy rather than being a programming error.
func Expected(err error) bool {
	category := CategoryOf(err)
	return category != "" && category != Internal
}
