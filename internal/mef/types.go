package mef

import (
	"strings"
	"time"
)

// Status is the remote processing state of a submission.
type Status string

const (
	StatusReceived   Status = "Received"
	StatusProcessing Status = "Processing"
	StatusAccepted   Status = "Accepted"
	StatusRejected   Status = "Rejected"
)

// ParseStatus maps the remote status text onto a Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "received":
		return StatusReceived, true
	case "processing", "ready for pickup", "ready for pick-up":
		return StatusProcessing, true
	case "accepted", "accepted with errors":
		return StatusAccepted, true
	case "rejected", "denied by irs":
		return StatusRejected, true
	default:
		return "", false
	}
}

// Final reports whether the status carries a verdict.
func (s Status) Final() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Submission is returned by a successful send.
type Submission struct {
	ID          string    `json:"submission_id"`
	Status      Status    `json:"status"`
	ReturnType  string    `json:"return_type,omitempty"`
	TaxYear     int       `json:"tax_year,omitempty"`
	Environment string    `json:"environment"`
	EFIN        string    `json:"efin,omitempty"`
	ETIN        string    `json:"etin,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// AckError is one business rule failure reported by the remote.
type AckError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
	XPath    string `json:"xpath,omitempty"`
}

// Acknowledgment is the verdict for a submission.
type Acknowledgment struct {
	SubmissionID string     `json:"submission_id"`
	Status       Status     `json:"status"`
	DCN          string     `json:"dcn,omitempty"`
	Errors       []AckError `json:"errors,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Info describes the client's effective configuration.
type Info struct {
	Environment          string  `json:"environment"`
	Endpoint             string  `json:"endpoint"`
	Transport            string  `json:"transport"`
	Profile              string  `json:"profile,omitempty"`
	EFIN                 string  `json:"efin,omitempty"`
	ETIN                 string  `json:"etin,omitempty"`
	ProductionApproved   bool    `json:"production_approved"`
	TransmissionsEnabled bool    `json:"transmissions_enabled"`
	AllowTestMode        bool    `json:"allow_test_mode"`
	MaxAttempts          int     `json:"max_attempts"`
	Multiplier           float64 `json:"multiplier"`
	Error                string  `json:"error,omitempty"`
}

// MaskEFIN keeps the last two digits.
func MaskEFIN(efin string) string {
	if len(efin) <= 2 {
		return efin
	}
	return strings.Repeat("*", len(efin)-2) + efin[len(efin)-2:]
}
