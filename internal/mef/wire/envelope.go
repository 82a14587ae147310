// Package wire defines the SOAP envelope and MIME packaging exchanged with
// the MeF A2A services.
package wire

import (
	"encoding/xml"
)

// Namespaces used on the wire.
const (
	NamespaceSOAP   = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceHeader = "http://www.irs.gov/a2a/mef/MeFHeader.xsd"
)

// Service names; each is also the last path segment of its endpoint.
const (
	ServiceSendSubmissions     = "SendSubmissions"
	ServiceGetSubmissionStatus = "GetSubmissionStatus"
	ServiceGetAck              = "GetAck"
	ServiceGetAcks             = "GetAcks"
	ServiceGetNewAcks          = "GetNewAcks"
)

// Test indicator values carried in the header.
const (
	TestIndicatorATS        = "T"
	TestIndicatorProduction = "P"
)

// Envelope is a SOAP 1.1 envelope.
type Envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Header  *Header  `xml:"Header,omitempty"`
	Body    Body     `xml:"Body"`
}

// Header wraps the MeF routing header.
type Header struct {
	MeF *MeFHeader `xml:"http://www.irs.gov/a2a/mef/MeFHeader.xsd MeFHeader"`
}

// MeFHeader identifies the transmitter and message.
type MeFHeader struct {
	MessageID     string `xml:"MessageID"`
	RelatesTo     string `xml:"RelatesTo,omitempty"`
	Action        string `xml:"Action"`
	MessageTs     string `xml:"MessageTs"`
	ETIN          string `xml:"ETIN"`
	EFIN          string `xml:"EFIN,omitempty"`
	TestIndicator string `xml:"TestCd"`
	SoftwareID    string `xml:"SoftwareId,omitempty"`
	AppSysID      string `xml:"AppSysID,omitempty"`
}

// Body carries exactly one request, response or fault.
type Body struct {
	Fault *Fault `xml:"Fault,omitempty"`

	SendSubmissionsRequest      *SendSubmissionsRequest      `xml:"SendSubmissionsRequest,omitempty"`
	SendSubmissionsResponse     *SendSubmissionsResponse     `xml:"SendSubmissionsResponse,omitempty"`
	GetSubmissionStatusRequest  *SubmissionRef               `xml:"GetSubmissionStatusRequest,omitempty"`
	GetSubmissionStatusResponse *GetSubmissionStatusResponse `xml:"GetSubmissionStatusResponse,omitempty"`
	GetAckRequest               *SubmissionRef               `xml:"GetAckRequest,omitempty"`
	GetAckResponse              *GetAckResponse              `xml:"GetAckResponse,omitempty"`
	GetAcksRequest              *GetAcksRequest              `xml:"GetAcksRequest,omitempty"`
	GetAcksResponse             *AckList                     `xml:"GetAcksResponse,omitempty"`
	GetNewAcksRequest           *GetNewAcksRequest           `xml:"GetNewAcksRequest,omitempty"`
	GetNewAcksResponse          *AckList                     `xml:"GetNewAcksResponse,omitempty"`
}

// Fault is a SOAP 1.1 fault. Codes ending in "Client" are caller errors.
type Fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail,omitempty"`
}

// SendSubmissionsRequest lists submissions whose documents travel as MIME
// attachments referenced by content id.
type SendSubmissionsRequest struct {
	Count       int              `xml:"SubmissionDataList>Cnt"`
	Submissions []SubmissionData `xml:"SubmissionDataList>SubmissionData"`
}

// SubmissionData describes one attached return.
type SubmissionData struct {
	SubmissionID         string `xml:"SubmissionId"`
	ElectronicPostmarkTs string `xml:"ElectronicPostmarkTs"`
	ReturnType           string `xml:"ReturnTypeCd"`
	TaxYear              int    `xml:"TaxYr"`
	AttachmentRef        string `xml:"AttachmentRef"`
	SHA256               string `xml:"Sha256HashTxt"`
}

// SendSubmissionsResponse acknowledges receipt of each submission.
type SendSubmissionsResponse struct {
	Receipts []SubmissionReceipt `xml:"SubmissionReceiptList>SubmissionReceiptGrp"`
}

// SubmissionReceipt is the remote service's receipt for one submission.
type SubmissionReceipt struct {
	SubmissionID string `xml:"SubmissionId"`
	Status       string `xml:"SubmissionStatusTxt"`
	ReceivedTs   string `xml:"SubmissionReceivedTs"`
}

// SubmissionRef names a single submission.
type SubmissionRef struct {
	SubmissionID string `xml:"SubmissionId"`
}

// GetSubmissionStatusResponse reports the current status.
type GetSubmissionStatusResponse struct {
	SubmissionID string `xml:"StatusRecordGrp>SubmissionId"`
	Status       string `xml:"StatusRecordGrp>SubmissionStatusTxt"`
	StatusDate   string `xml:"StatusRecordGrp>SubmsnStatusDt"`
}

// GetAckResponse carries at most one acknowledgement.
type GetAckResponse struct {
	Ack *Acknowledgement `xml:"Acknowledgement,omitempty"`
}

// GetAcksRequest asks for acknowledgements by submission id.
type GetAcksRequest struct {
	SubmissionIDs []string `xml:"SubmissionIdList>SubmissionId"`
}

// GetNewAcksRequest drains undelivered acknowledgements.
type GetNewAcksRequest struct {
	MaxResults int `xml:"MaxResultCnt"`
}

// AckList is the payload of GetAcks and GetNewAcks responses.
type AckList struct {
	Acks          []Acknowledgement `xml:"AcknowledgementList>Acknowledgement"`
	MoreAvailable bool              `xml:"MoreAvailableInd"`
}

// Acknowledgement is the IRS verdict for one submission.
type Acknowledgement struct {
	SubmissionID string            `xml:"SubmissionId"`
	Status       string            `xml:"AcceptanceStatusTxt"`
	DCN          string            `xml:"DocumentControlNum,omitempty"`
	StatusTs     string            `xml:"StatusTs,omitempty"`
	Errors       []ValidationError `xml:"ValidationErrorList>ValidationErrorGrp,omitempty"`
}

// ValidationError is one business rule failure reported in an acknowledgement.
type ValidationError struct {
	RuleNum  string `xml:"RuleNum"`
	Severity string `xml:"SeverityCd,omitempty"`
	Message  string `xml:"ErrorMessageTxt"`
	XPath    string `xml:"FieldValueTxt,omitempty"`
}
