package checkpoint

import "errors"

// ErrParse indicates the commit log file is malformed.
var ErrParse = errors.New("checkpoint: malformed commit log")
