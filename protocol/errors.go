package protocol

import "errors"

var (
	// ErrMalformed marks an envelope or payload that cannot be decoded or
	// lacks required fields. Subscribers drop such messages.
	ErrMalformed = errors.New("malformed message")

	// ErrInvalidInsight is returned by Insight.Validate.
	ErrInvalidInsight = errors.New("invalid insight")

	// ErrInvalidRules is returned by Rules.Validate.
	ErrInvalidRules = errors.New("invalid consensus rules")
)
