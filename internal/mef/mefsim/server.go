// Package mefsim is an in-process stand-in for the MeF A2A services. It
// speaks the same SOAP-over-MIME wire format as the real endpoints and lets
// callers inject faults and decide verdicts.
package mefsim

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/mef/wire"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// Remote status texts.
const (
	StatusReceived   = "Received"
	StatusProcessing = "Processing"
	StatusAccepted   = "Accepted"
	StatusRejected   = "Rejected"
)

const maxRequestBytes = 32 << 20

var submissionIDPattern = regexp.MustCompile(`^[0-9]{13}[a-z0-9]{7}$`)

// Verdict decides the outcome of a submission.
type Verdict struct {
	Accepted bool
	DCN      string
	Errors   []wire.ValidationError
}

// Accept returns an accepting verdict. An empty dcn is generated.
func Accept(dcn string) Verdict {
	return Verdict{Accepted: true, DCN: dcn}
}

// Reject returns a rejecting verdict with the given rule failures.
func Reject(errs ...wire.ValidationError) Verdict {
	return Verdict{Errors: errs}
}

// Policy resolves a submission on receipt. Returning false leaves it
// Received until Resolve is called.
type Policy func(sub Submission) (Verdict, bool)

// AcceptAll accepts every submission immediately.
func AcceptAll() Policy {
	return func(Submission) (Verdict, bool) { return Accept(""), true }
}

// Submission is the simulator's record of a received return.
type Submission struct {
	ID            string
	ReturnType    string
	TaxYear       int
	EFIN          string
	ETIN          string
	TestIndicator string
	Document      []byte
	Status        string
	DCN           string
	Errors        []wire.ValidationError
	ReceivedAt    time.Time
	StatusAt      time.Time
	Delivered     bool
}

// Server is an http.Handler serving the five MeF operations.
type Server struct {
	mu          sync.Mutex
	submissions map[string]*Submission
	order       []string
	calls       map[string]int
	failures    map[string][]failure
	policy      Policy
	dcnSeq      int64
	now         func() time.Time
	log         *logger.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithPolicy installs an auto-resolution policy.
func WithPolicy(p Policy) Option {
	return func(s *Server) { s.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates an empty simulator.
func New(opts ...Option) *Server {
	s := &Server{
		submissions: make(map[string]*Submission),
		calls:       make(map[string]int),
		failures:    make(map[string][]failure),
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.NewDefault("mefsim"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// failure is an injected response. A non-empty faultCode answers with a
// SOAP fault on HTTP 500 instead of a bare status.
type failure struct {
	status    int
	faultCode string
	message   string
}

// FailNext makes the next n calls to service answer with statusCode before
// any processing.
func (s *Server) FailNext(service string, n, statusCode int) {
	s.inject(service, n, failure{status: statusCode})
}

// FaultNext makes the next n calls to service answer with a SOAP fault,
// e.g. "soap:Server" while the remote is unavailable.
func (s *Server) FaultNext(service string, n int, faultCode, message string) {
	s.inject(service, n, failure{status: http.StatusInternalServerError, faultCode: faultCode, message: message})
}

func (s *Server) inject(service string, n int, f failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[service] = append(s.failures[service], f)
	}
}

// Calls returns how many requests service has received, injected failures
// included.
func (s *Server) Calls(service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[service]
}

// Resolve records a verdict. A resolved submission becomes deliverable again.
func (s *Server) Resolve(id string, v Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s not found", id)
	}
	s.applyLocked(sub, v)
	return nil
}

// MarkProcessing moves a received submission to Processing.
func (s *Server) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s not found", id)
	}
	if sub.Status == StatusReceived {
		sub.Status = StatusProcessing
		sub.StatusAt = s.now()
	}
	return nil
}

// Submission returns a copy of the stored submission.
func (s *Server) Submission(id string) (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return Submission{}, false
	}
	return copySubmission(sub), true
}

// Submissions returns every submission in arrival order.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copySubmission(s.submissions[id]))
	}
	return out
}

// HTTPClient returns a client whose requests are served in-process.
func (s *Server) HTTPClient() *http.Client {
	return &http.Client{Transport: roundTripper{handler: s}}
}

type roundTripper struct {
	handler http.Handler
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	rec := httptest.NewRecorder()
	rt.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// ServeHTTP dispatches on the last path segment.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	service := path.Base(r.URL.Path)

	s.mu.Lock()
	s.calls[service]++
	if queue := s.failures[service]; len(queue) > 0 {
		f := queue[0]
		s.failures[service] = queue[1:]
		s.mu.Unlock()
		s.log.WithField("service", service).WithField("status", f.status).Debug("injected failure")
		if f.faultCode != "" {
			writeFault(w, f.faultCode, f.message)
			return
		}
		http.Error(w, http.StatusText(f.status), f.status)
		return
	}
	s.mu.Unlock()

	env, attachments, err := wire.DecodeMultipart(r.Header.Get("Content-Type"), r.Body, maxRequestBytes)
	if err != nil {
		writeFault(w, "soap:Client", "malformed request: "+err.Error())
		return
	}
	if env.Header == nil || env.Header.MeF == nil || strings.TrimSpace(env.Header.MeF.ETIN) == "" {
		writeFault(w, "soap:Client", "MeFHeader with ETIN is required")
		return
	}
	hdr := env.Header.MeF

	var body wire.Body
	switch service {
	case wire.ServiceSendSubmissions:
		body, err = s.sendSubmissions(hdr, env.Body.SendSubmissionsRequest, attachments)
	case wire.ServiceGetSubmissionStatus:
		body, err = s.getStatus(env.Body.GetSubmissionStatusRequest)
	case wire.ServiceGetAck:
		body, err = s.getAck(env.Body.GetAckRequest)
	case wire.ServiceGetAcks:
		body, err = s.getAcks(env.Body.GetAcksRequest)
	case wire.ServiceGetNewAcks:
		body, err = s.getNewAcks(env.Body.GetNewAcksRequest)
	default:
		http.Error(w, "unknown service "+service, http.StatusNotFound)
		return
	}
	if err != nil {
		writeFault(w, "soap:Client", err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, wire.Envelope{
		Header: &wire.Header{MeF: &wire.MeFHeader{
			MessageID:     fmt.Sprintf("sim-%d", s.now().UnixNano()),
			RelatesTo:     hdr.MessageID,
			Action:        service,
			MessageTs:     s.now().Format(time.RFC3339),
			ETIN:          hdr.ETIN,
			TestIndicator: hdr.TestIndicator,
		}},
		Body: body,
	})
}

func (s *Server) sendSubmissions(hdr *wire.MeFHeader, req *wire.SendSubmissionsRequest, attachments []wire.Attachment) (wire.Body, error) {
	if req == nil || len(req.Submissions) == 0 {
		return wire.Body{}, fmt.Errorf("SendSubmissionsRequest without submissions")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &wire.SendSubmissionsResponse{}
	for _, data := range req.Submissions {
		if !submissionIDPattern.MatchString(data.SubmissionID) {
			return wire.Body{}, fmt.Errorf("submission id %q is not well formed", data.SubmissionID)
		}
		if existing, ok := s.submissions[data.SubmissionID]; ok {
			resp.Receipts = append(resp.Receipts, receipt(existing))
			continue
		}
		part, ok := wire.Find(attachments, data.AttachmentRef)
		if !ok {
			return wire.Body{}, fmt.Errorf("attachment %s not found", data.AttachmentRef)
		}
		if data.SHA256 != "" {
			sum := sha256.Sum256(part.Data)
			if !strings.EqualFold(hex.EncodeToString(sum[:]), data.SHA256) {
				return wire.Body{}, fmt.Errorf("attachment %s checksum mismatch", data.AttachmentRef)
			}
		}

		now := s.now()
		sub := &Submission{
			ID:            data.SubmissionID,
			ReturnType:    data.ReturnType,
			TaxYear:       data.TaxYear,
			EFIN:          hdr.EFIN,
			ETIN:          hdr.ETIN,
			TestIndicator: hdr.TestIndicator,
			Document:      append([]byte(nil), part.Data...),
			Status:        StatusReceived,
			ReceivedAt:    now,
			StatusAt:      now,
		}
		s.submissions[sub.ID] = sub
		s.order = append(s.order, sub.ID)
		if s.policy != nil {
			if v, ok := s.policy(copySubmission(sub)); ok {
				s.applyLocked(sub, v)
			}
		}
		resp.Receipts = append(resp.Receipts, receipt(sub))
	}
	return wire.Body{SendSubmissionsResponse: resp}, nil
}

func (s *Server) getStatus(req *wire.SubmissionRef) (wire.Body, error) {
	if req == nil {
		return wire.Body{}, fmt.Errorf("GetSubmissionStatusRequest is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[req.SubmissionID]
	if !ok {
		return wire.Body{}, fmt.Errorf("submission %s not found", req.SubmissionID)
	}
	return wire.Body{GetSubmissionStatusResponse: &wire.GetSubmissionStatusResponse{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		StatusDate:   sub.StatusAt.Format(time.RFC3339),
	}}, nil
}

func (s *Server) getAck(req *wire.SubmissionRef) (wire.Body, error) {
	if req == nil {
		return wire.Body{}, fmt.Errorf("GetAckRequest is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[req.SubmissionID]
	if !ok {
		return wire.Body{}, fmt.Errorf("submission %s not found", req.SubmissionID)
	}
	resp := &wire.GetAckResponse{}
	if final(sub.Status) {
		ack := acknowledgement(sub)
		resp.Ack = &ack
		sub.Delivered = true
	}
	return wire.Body{GetAckResponse: resp}, nil
}

func (s *Server) getAcks(req *wire.GetAcksRequest) (wire.Body, error) {
	if req == nil {
		return wire.Body{}, fmt.Errorf("GetAcksRequest is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &wire.AckList{}
	for _, id := range req.SubmissionIDs {
		sub, ok := s.submissions[id]
		if !ok || !final(sub.Status) {
			continue
		}
		resp.Acks = append(resp.Acks, acknowledgement(sub))
		sub.Delivered = true
	}
	return wire.Body{GetAcksResponse: resp}, nil
}

func (s *Server) getNewAcks(req *wire.GetNewAcksRequest) (wire.Body, error) {
	limit := 100
	if req != nil && req.MaxResults > 0 {
		limit = req.MaxResults
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &wire.AckList{}
	for _, id := range s.order {
		sub := s.submissions[id]
		if sub.Delivered || !final(sub.Status) {
			continue
		}
		if len(resp.Acks) == limit {
			resp.MoreAvailable = true
			break
		}
		resp.Acks = append(resp.Acks, acknowledgement(sub))
		sub.Delivered = true
	}
	return wire.Body{GetNewAcksResponse: resp}, nil
}

func (s *Server) applyLocked(sub *Submission, v Verdict) {
	if v.Accepted {
		sub.Status = StatusAccepted
		sub.Errors = nil
		sub.DCN = v.DCN
		if sub.DCN == "" {
			s.dcnSeq++
			sub.DCN = fmt.Sprintf("00%012d", s.dcnSeq)
		}
	} else {
		sub.Status = StatusRejected
		sub.DCN = v.DCN
		sub.Errors = append([]wire.ValidationError(nil), v.Errors...)
	}
	sub.StatusAt = s.now()
	sub.Delivered = false
}

func final(status string) bool {
	return status == StatusAccepted || status == StatusRejected
}

func receipt(sub *Submission) wire.SubmissionReceipt {
	return wire.SubmissionReceipt{
		SubmissionID: sub.ID,
		Status:       StatusReceived,
		ReceivedTs:   sub.ReceivedAt.Format(time.RFC3339),
	}
}

func acknowledgement(sub *Submission) wire.Acknowledgement {
	return wire.Acknowledgement{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		DCN:          sub.DCN,
		StatusTs:     sub.StatusAt.Format(time.RFC3339),
		Errors:       append([]wire.ValidationError(nil), sub.Errors...),
	}
}

func copySubmission(sub *Submission) Submission {
	out := *sub
	out.Document = append([]byte(nil), sub.Document...)
	out.Errors = append([]wire.ValidationError(nil), sub.Errors...)
	return out
}

func writeFault(w http.ResponseWriter, code, message string) {
	writeEnvelope(w, http.StatusInternalServerError, wire.Envelope{
		Body: wire.Body{Fault: &wire.Fault{Code: code, String: message}},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env wire.Envelope) {
	data, err := wire.Marshal(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
