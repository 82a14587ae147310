// Package efile holds the e-file transmission records shared by the
// orchestrator, the reconciler and storage.
package efile

import (
	"strings"
	"time"
)

// Method identifies who drives the filing.
type Method string

const (
	MethodDIY Method = "DIY"
	MethodERO Method = "ERO"
)

// ParseMethod normalises a method name; empty defaults to ERO.
func ParseMethod(raw string) (Method, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "ERO":
		return MethodERO, true
	case "DIY":
		return MethodDIY, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a transmission.
type Status string

const (
	StatusCreated      Status = "created"
	StatusTransmitting Status = "transmitting"
	StatusPending      Status = "pending"
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusError        Status = "error"
	StatusCompleted    Status = "completed"
)

// Terminal reports whether no further transition is expected from the
// orchestrator or the reconciler.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusError, StatusCompleted:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:      {StatusTransmitting, StatusError, StatusAccepted},
	StatusTransmitting: {StatusPending, StatusError, StatusAccepted, StatusRejected},
	StatusPending:      {StatusAccepted, StatusRejected},
	StatusAccepted:     {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal state change.
// created -> accepted is only used by test-mode transmissions; a verdict may
// reach a transmission still marked transmitting.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Environment tags where a transmission was sent.
const (
	EnvironmentATS        = "ATS"
	EnvironmentProduction = "PRODUCTION"
	EnvironmentTest       = "TEST"
)

// Acknowledgment codes recorded on reconciled transmissions.
const (
	AckCodeAccepted = "A0000"
	AckCodeRejected = "R0000"
)

// Transmission is one filing's trip through MeF.
type Transmission struct {
	ID         string
	ReturnID   string
	ClientID   string
	PreparerID string
	Method     Method
	Status     Status

	ReturnType string
	TaxYear    int

	// Assigned by the remote service. Never cleared once set.
	SubmissionID string
	AckCode      string
	AckMessage   string
	DCN          string

	// Captured at transmission time. Immutable once set.
	EFIN        string
	ETIN        string
	Environment string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MergeWriteOnce returns next with any write-once field that next would
// clear restored from prev. Routing identity keeps prev's value when
// already set.
func MergeWriteOnce(prev, next Transmission) Transmission {
	keep := func(prior, candidate string) string {
		if strings.TrimSpace(candidate) == "" {
			return prior
		}
		return candidate
	}
	pin := func(prior, candidate string) string {
		if prior != "" {
			return prior
		}
		return candidate
	}
	next.SubmissionID = pin(prev.SubmissionID, next.SubmissionID)
	next.AckCode = keep(prev.AckCode, next.AckCode)
	next.AckMessage = keep(prev.AckMessage, next.AckMessage)
	next.DCN = keep(prev.DCN, next.DCN)
	next.EFIN = pin(prev.EFIN, next.EFIN)
	next.ETIN = pin(prev.ETIN, next.ETIN)
	next.Environment = pin(prev.Environment, next.Environment)
	return next
}

// Issue is a structured validation or transmission problem.
type Issue struct {
	Code    string
	Message string
	Field   string
}

// ListFilter narrows ListTransmissions.
type ListFilter struct {
	Status        Status
	ReturnID      string
	ClientID      string
	UpdatedBefore time.Time
	Limit         int
}

// Matches reports whether t satisfies the filter.
func (f ListFilter) Matches(t Transmission) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ReturnID != "" && t.ReturnID != f.ReturnID {
		return false
	}
	if f.ClientID != "" && t.ClientID != f.ClientID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// AckRecord is an audit entry for an acknowledgment applied to a transmission.
type AckRecord struct {
	ID             string
	TransmissionID string
	SubmissionID   string
	Status         string
	DCN            string
	Errors         []AckError
	ReceivedAt     time.Time
}

// AckError is one rejection reason reported by the IRS.
type AckError struct {
	Code     string
	Message  string
	Severity string
	XPath    string
}
