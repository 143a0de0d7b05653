package domain

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAuthenticity = errors.New("webhook authenticity check failed")
	ErrSendTimeout  = errors.New("timed out waiting for first delivery attempt")

	ErrLinkInvalid   = errors.New("delivery link is invalid")
	ErrLinkExpired   = errors.New("delivery link has expired")
	ErrLinkExhausted = errors.New("delivery link download limit reached")
)
