package mef

import (
	"errors"
	"fmt"
)

// Kind classifies transport failures.
type Kind int

const (
	// KindTransient failures may succeed on retry (network, timeout, 5xx, 429).
	KindTransient Kind = iota + 1
	// KindPermanent failures will not succeed on retry (4xx, Client SOAP faults).
	KindPermanent
	// KindDisabled means the kill switch blocked a send.
	KindDisabled
	// KindNotApproved means production access is not approved for the profile.
	KindNotApproved
	// KindConfig means the client cannot build a request from the current settings.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDisabled:
		return "disabled"
	case KindNotApproved:
		return "not_approved"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

var (
	// ErrTransmissionsDisabled is wrapped by errors raised while the kill switch is active.
	ErrTransmissionsDisabled = errors.New("transmissions disabled: kill switch active")
	// ErrNotApproved is wrapped by production calls from an unapproved profile.
	ErrNotApproved = errors.New("production access not approved")
)

// Error is returned by every Client operation.
type Error struct {
	Op         string
	Kind       Kind
	Message    string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return "mef: " + msg
	}
	return fmt.Sprintf("mef %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a transport error, or zero when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Reason returns the human readable message without the operation prefix.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func transientf(op string, err error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

func permanentf(op string, err error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindPermanent, Message: fmt.Sprintf(format, args...), Err: err}
}
