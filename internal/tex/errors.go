package tex

import (
	"errors"

	"texbot/internal/typeset"
)

var (
	// ErrTypesetting means the formula could not be laid out or rendered.
	// Nothing was uploaded.
	ErrTypesetting = errors.New("typesetting failed")
	// ErrUpload means a media upload failed. Nothing was sent.
	ErrUpload = errors.New("media upload failed")
	// ErrDispatch means the final message could not be sent. Uploaded media
	// is left orphaned.
	ErrDispatch = errors.New("message dispatch failed")
)

// UserMessage returns the text shown in the room for a failed invocation.
func UserMessage(err error) string {
	var formulaErr *typeset.FormulaError
	switch {
	case errors.As(err, &formulaErr):
		if formulaErr.Detail == "" {
			return "Failed to render LaTeX: the formula is malformed."
		}
		return "Failed to render LaTeX: " + formulaErr.Detail
	case errors.Is(err, ErrTypesetting):
		return "Failed to render LaTeX."
	case errors.Is(err, ErrUpload):
		return "Failed to upload the rendered formula."
	case errors.Is(err, ErrDispatch):
		return "Failed to send the rendered formula."
	default:
		return "Something went wrong while rendering the formula."
	}
}
