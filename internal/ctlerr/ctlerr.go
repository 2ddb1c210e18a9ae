// Package ctlerr defines the error kinds shared across the controller so
// callers can branch with errors.Is instead of matching strings.
package ctlerr

import "errors"

var (
	// ErrTransportTimeout is returned when a wallbox command exhausted all retries without a reply.
	ErrTransportTimeout = errors.New("wallbox: transport timeout")
	// ErrTransportClosed is returned for requests made against a closed UDP channel.
	ErrTransportClosed = errors.New("wallbox: transport closed")
	// ErrParse is returned when a wallbox reply could not be decoded in any known shape.
	ErrParse = errors.New("wallbox: parse error")
	// ErrValidationRejected is returned when a reply did not match the expected report/command shape.
	ErrValidationRejected = errors.New("wallbox: reply validation rejected")
	// ErrModbus is returned for inverter Modbus read/connect failures.
	ErrModbus = errors.New("inverter: modbus error")
	// ErrCLI is returned when the inverter CLI tool exits non-zero.
	ErrCLI = errors.New("inverter: cli error")
	// ErrRateLimited is returned when a CLI invocation is rejected by the rate limiter.
	ErrRateLimited = errors.New("inverter: cli rate limited")
	// ErrInvalidInput is returned for malformed HTTP payloads.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotConfigured is returned when a required address/integration is missing or disabled.
	ErrNotConfigured = errors.New("not configured")
	// ErrConflict is returned when an action is refused because another subsystem holds authority.
	ErrConflict = errors.New("conflict")
)
