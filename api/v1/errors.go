package v1

import "errors"

var (
	ErrCreateCtx   = errors.New("create request missing in context")
	ErrSourceType  = errors.New("sourceType is required")
	ErrContentType = errors.New("Content-Type must be application/json")
)
