// CLAUDE:SUMMARY Sentinel errors for the aggregator service: invalid input, unknown source.
package aggregator

import "errors"

// ErrInvalidInput is returned when configuration or a query fails validation.
var ErrInvalidInput = errors.New("aggregator: invalid input")

// ErrUnknownSource is returned when a source name is not configured.
var ErrUnknownSource = errors.New("aggregator: unknown source")
