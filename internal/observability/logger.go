package observability

import "github.com/atekin/mprt/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("metrics")
