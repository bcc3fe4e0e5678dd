package config

import "errors"

// ErrInvalid is the sentinel wrapped by every validation failure returned
// from Validate, so callers can classify configuration errors with
// errors.Is(err, config.ErrInvalid).
var ErrInvalid = errors.New("config invalid")
