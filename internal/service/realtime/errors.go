package realtime

import "errors"

var (
	ErrUserRequired       = errors.New("user id is required")
	ErrSinkRequired       = errors.New("transport sink is required")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotInSession       = errors.New("connection has not joined this session")
	ErrRateLimited        = errors.New("message rate limit exceeded")
	ErrMessageEmpty       = errors.New("message text is required")
)
