package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies failures for retry decisions
type Kind int

const (
	// Transient failures are retried a bounded number of times
	Transient Kind = iota
	// Throttled failures are retried after backing off
	Throttled
	// Permanent failures are not retried within the run
	Permanent
	// Configuration failures abort the run before any crawl
	Configuration
)

func (k Kind) String() string {
	switch k {
	case Throttled:
		return "throttled"
	case Permanent:
		return "permanent"
	case Configuration:
		return "configuration"
	default:
		return "transient"
	}
}

// Error carries a Kind and an optional server-requested wait
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewThrottled wraps err as a throttling signal
func NewThrottled(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: Throttled, Op: op, RetryAfter: retryAfter, Err: err}
}

// NewTransient wraps err as a retryable failure
func NewTransient(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewPermanent wraps err as a non-retryable failure
func NewPermanent(op string, err error) error {
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// NewConfiguration wraps err as a startup configuration failure
func NewConfiguration(op string, err error) error {
	return &Error{Kind: Configuration, Op: op, Err: err}
}

// KindOf classifies any error. Unclassified errors are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// RetryAfterOf returns the server-requested wait carried by err, if any
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
