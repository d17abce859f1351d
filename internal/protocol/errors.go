package protocol

import "errors"

var (
	ErrEmptyOperatorID   = errors.New("protocol: empty operator id")
	ErrInvalidOperatorID = errors.New("protocol: operator id must be decimal digits")
	ErrEmptyFrame        = errors.New("protocol: empty frame")
)
