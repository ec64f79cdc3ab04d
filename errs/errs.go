// Package errs provides structured error types and helpers for the Tidemark engine.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies the failure category per the engine's error taxonomy.
type Code string

const (
	// CodeNetwork indicates a transport fault: dial failures, socket errors, abrupt closes.
	CodeNetwork Code = "network"
	// CodeAuth indicates an authentication handshake failure on the private connection.
	CodeAuth Code = "auth"
	// CodeProtocol indicates a protocol fault: malformed frame, unknown topic, delta without snapshot.
	CodeProtocol Code = "protocol"
	// CodeData indicates a data fault: missing or unparsable numeric fields on a payload.
	CodeData Code = "data"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeUnavailable indicates a component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNotFound indicates the requested record does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a versioned write lost its compare-and-swap race.
	CodeConflict Code = "conflict"
)

// E captures structured error information produced across the engine.
type E struct {
	// Conn names the connection the error originated from ("public", "private"),
	// empty for errors not tied to a connection.
	Conn    string
	Code    Code
	Topic   string
	Symbol  string
	Attempt int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the connection kind and error code.
func New(conn string, code Code, opts ...Option) *E {
	e := &E{
		Conn:    strings.TrimSpace(conn),
		Code:    code,
		Topic:   "",
		Symbol:  "",
		Attempt: 0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithTopic records the topic the offending frame was routed under.
func WithTopic(topic string) Option {
	trimmed := strings.TrimSpace(topic)
	return func(e *E) {
		e.Topic = trimmed
	}
}

// WithSymbol records the symbol whose state the failure concerned.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithAttempt records the reconnect attempt count at the time of failure.
func WithAttempt(attempt int) Option {
	return func(e *E) {
		e.Attempt = attempt
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	conn := strings.TrimSpace(e.Conn)
	if conn == "" {
		conn = "engine"
	}
	parts = append(parts, "conn="+conn)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Topic != "" {
		parts = append(parts, "topic="+e.Topic)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Attempt > 0 {
		parts = append(parts, "attempt="+strconv.Itoa(e.Attempt))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E carrying the same code.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// IsCode reports whether err is an *E with the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
