// Package mef is the transport client for the IRS Modernized e-File A2A
// services. Every operation re-reads settings, applies the kill switch and the
// production approval gate, and retries transient failures.
package mef

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/RossTaxPrep/efile_layer/internal/app/metrics"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/mef/wire"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

const (
	maxResponseBytes = 16 << 20
	newAcksPageSize  = 100
	maxNewAckPages   = 20
)

// Client talks to the MeF services for the environment it was built for.
type Client struct {
	settings    config.Provider
	environment config.Environment
	httpClient  *http.Client
	limiter     *rate.Limiter
	log         *logger.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
	rand        func() float64
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the TLS-configured HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleeper overrides how the client waits between attempts.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithRateLimiter replaces the limiter built from settings. Nil disables it.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// New builds a client pinned to the environment the provider reports now.
func New(settings config.Provider, opts ...Option) (*Client, error) {
	if settings == nil {
		return nil, &Error{Kind: KindConfig, Message: "settings provider is required"}
	}
	cfg, err := settings.MeF(context.Background())
	if err != nil {
		return nil, &Error{Kind: KindConfig, Message: "load settings: " + err.Error(), Err: err}
	}
	env, err := config.ParseEnvironment(string(cfg.Environment))
	if err != nil {
		return nil, &Error{Kind: KindConfig, Message: err.Error(), Err: err}
	}

	c := &Client{
		settings:    settings,
		environment: env,
		log:         logger.NewDefault("mef"),
		now:         time.Now,
		sleep:       sleepContext,
		rand:        rand.Float64,
	}
	if cfg.RateLimit.PerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		hc, err := newHTTPClient(cfg)
		if err != nil {
			return nil, &Error{Kind: KindConfig, Message: err.Error(), Err: err}
		}
		c.httpClient = hc
	}
	return c, nil
}

// Environment returns the pinned environment.
func (c *Client) Environment() config.Environment {
	return c.environment
}

type callContext struct {
	cfg     config.MeFConfig
	profile config.Profile
	etin    string
}

// preflight checks, in order: pinned environment, kill switch (sends only),
// production approval, then EFIN and ETIN presence.
func (c *Client) preflight(ctx context.Context, op string, send bool) (callContext, error) {
	cfg, err := c.settings.MeF(ctx)
	if err != nil {
		return callContext{}, &Error{Op: op, Kind: KindConfig, Message: "load settings: " + err.Error(), Err: err}
	}
	env, err := config.ParseEnvironment(string(cfg.Environment))
	if err != nil {
		return callContext{}, &Error{Op: op, Kind: KindConfig, Message: err.Error(), Err: err}
	}
	if env != c.environment {
		return callContext{}, &Error{
			Op:      op,
			Kind:    KindConfig,
			Message: fmt.Sprintf("environment changed from %s to %s; restart required", c.environment, env),
		}
	}
	cfg.Environment = env

	if send && !cfg.TransmissionsEnabled {
		return callContext{}, &Error{Op: op, Kind: KindDisabled, Message: ErrTransmissionsDisabled.Error(), Err: ErrTransmissionsDisabled}
	}

	profile, ok := cfg.Profile()
	if env == config.EnvironmentProduction {
		if reason := approvalGap(profile, ok); reason != "" {
			return callContext{}, &Error{
				Op:      op,
				Kind:    KindNotApproved,
				Message: fmt.Sprintf("%s: %s", ErrNotApproved, reason),
				Err:     ErrNotApproved,
			}
		}
	}
	if !ok {
		return callContext{}, &Error{Op: op, Kind: KindConfig, Message: "no active EFIN profile configured"}
	}
	if strings.TrimSpace(profile.EFIN) == "" {
		return callContext{}, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("profile %q has no EFIN", profile.Name)}
	}
	etin := strings.TrimSpace(profile.ETIN(env))
	if etin == "" {
		return callContext{}, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("profile %q has no %s ETIN", profile.Name, env)}
	}
	if strings.TrimSpace(cfg.BaseURL()) == "" {
		return callContext{}, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("no endpoint configured for %s", env)}
	}
	return callContext{cfg: cfg, profile: profile, etin: etin}, nil
}

func approvalGap(profile config.Profile, ok bool) string {
	switch {
	case !ok:
		return "no active EFIN profile"
	case !strings.EqualFold(strings.TrimSpace(profile.Role), config.RoleSoftwareDeveloper):
		return fmt.Sprintf("profile %q role is %q, need %q", profile.Name, profile.Role, config.RoleSoftwareDeveloper)
	case !profile.SoftwareDeveloperApproved:
		return fmt.Sprintf("profile %q has no Software Developer approval on file", profile.Name)
	}
	return ""
}

// SendOption adjusts a single SendSubmission call.
type SendOption func(*sendOptions)

type sendOptions struct {
	submissionID string
}

// WithSubmissionID sends under an id obtained from ReserveSubmission, so the
// caller can record it before anything reaches the remote.
func WithSubmissionID(id string) SendOption {
	return func(o *sendOptions) { o.submissionID = id }
}

// ReserveSubmission runs the send checks (kill switch, production approval,
// profile) and allocates a submission id for the active profile without
// contacting the remote.
func (c *Client) ReserveSubmission(ctx context.Context) (Submission, error) {
	cc, err := c.preflight(ctx, wire.ServiceSendSubmissions, true)
	if err != nil {
		return Submission{}, err
	}
	return Submission{
		ID:          NewSubmissionID(cc.profile.EFIN, c.now()),
		Environment: string(c.environment),
		EFIN:        cc.profile.EFIN,
		ETIN:        cc.etin,
	}, nil
}

// SendSubmission transmits one return document.
func (c *Client) SendSubmission(ctx context.Context, doc []byte, returnType string, taxYear int, opts ...SendOption) (Submission, error) {
	const op = wire.ServiceSendSubmissions
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}
	cc, err := c.preflight(ctx, op, true)
	if err != nil {
		return Submission{}, err
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return Submission{}, permanentf(op, nil, "return document is empty")
	}
	if so.submissionID != "" && !ValidSubmissionID(so.submissionID) {
		return Submission{}, permanentf(op, nil, "invalid submission id %q", so.submissionID)
	}

	now := c.now().UTC()
	id := so.submissionID
	if id == "" {
		id = NewSubmissionID(cc.profile.EFIN, now)
	}
	sum := sha256.Sum256(doc)
	body := wire.Body{SendSubmissionsRequest: &wire.SendSubmissionsRequest{
		Count:       1,
		Submissions: []wire.SubmissionData{{
			SubmissionID:         id,
			ElectronicPostmarkTs: now.Format(time.RFC3339),
			ReturnType:           returnType,
			TaxYear:              taxYear,
			AttachmentRef:        "cid:" + id,
			SHA256:               hex.EncodeToString(sum[:]),
		}},
	}}
	attachment := wire.Attachment{ContentID: id, ContentType: "application/xml", Data: doc}

	out, err := c.call(ctx, op, cc, body, attachment)
	if err != nil {
		c.log.WithField("submission_id", id).WithField("return_type", returnType).WithError(err).Warn("send submission failed")
		return Submission{}, err
	}
	resp := out.SendSubmissionsResponse
	if resp == nil || len(resp.Receipts) == 0 {
		return Submission{}, permanentf(op, nil, "response carried no submission receipt")
	}
	receipt := resp.Receipts[0]
	for _, r := range resp.Receipts {
		if r.SubmissionID == id {
			receipt = r
		}
	}
	if receipt.SubmissionID == "" {
		receipt.SubmissionID = id
	}
	status, ok := ParseStatus(receipt.Status)
	if !ok {
		status = StatusReceived
	}

	sub := Submission{
		ID:          receipt.SubmissionID,
		Status:      status,
		ReturnType:  returnType,
		TaxYear:     taxYear,
		Environment: string(c.environment),
		EFIN:        cc.profile.EFIN,
		ETIN:        cc.etin,
		ReceivedAt:  parseTimestamp(receipt.ReceivedTs, now),
	}
	c.log.WithField("submission_id", sub.ID).
		WithField("return_type", returnType).
		WithField("tax_year", taxYear).
		WithField("environment", sub.Environment).
		Info("submission sent")
	return sub, nil
}

// GetSubmissionStatus polls the remote state of a submission.
func (c *Client) GetSubmissionStatus(ctx context.Context, submissionID string) (Status, error) {
	const op = wire.ServiceGetSubmissionStatus
	cc, err := c.preflight(ctx, op, false)
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, op, cc, wire.Body{GetSubmissionStatusRequest: &wire.SubmissionRef{SubmissionID: submissionID}})
	if err != nil {
		return "", err
	}
	resp := out.GetSubmissionStatusResponse
	if resp == nil {
		return "", permanentf(op, nil, "response carried no status record")
	}
	status, ok := ParseStatus(resp.Status)
	if !ok {
		return "", permanentf(op, nil, "unknown submission status %q", resp.Status)
	}
	return status, nil
}

// GetAcknowledgment fetches the acknowledgment for one submission. A nil
// result without error means none is available yet.
func (c *Client) GetAcknowledgment(ctx context.Context, submissionID string) (*Acknowledgment, error) {
	const op = wire.ServiceGetAck
	cc, err := c.preflight(ctx, op, false)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, op, cc, wire.Body{GetAckRequest: &wire.SubmissionRef{SubmissionID: submissionID}})
	if err != nil {
		return nil, err
	}
	if out.GetAckResponse == nil || out.GetAckResponse.Ack == nil {
		return nil, nil
	}
	ack, err := convertAck(*out.GetAckResponse.Ack, c.now())
	if err != nil {
		return nil, permanentf(op, err, "%v", err)
	}
	return &ack, nil
}

// GetAcknowledgments fetches acknowledgments for the given submissions.
// Submissions without a verdict are omitted.
func (c *Client) GetAcknowledgments(ctx context.Context, submissionIDs []string) ([]Acknowledgment, error) {
	const op = wire.ServiceGetAcks
	if len(submissionIDs) == 0 {
		return nil, nil
	}
	cc, err := c.preflight(ctx, op, false)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, op, cc, wire.Body{GetAcksRequest: &wire.GetAcksRequest{SubmissionIDs: submissionIDs}})
	if err != nil {
		return nil, err
	}
	if out.GetAcksResponse == nil {
		return nil, nil
	}
	return c.convertAcks(op, out.GetAcksResponse.Acks), nil
}

// GetNewAcknowledgments drains acknowledgments not delivered before.
func (c *Client) GetNewAcknowledgments(ctx context.Context) ([]Acknowledgment, error) {
	const op = wire.ServiceGetNewAcks
	cc, err := c.preflight(ctx, op, false)
	if err != nil {
		return nil, err
	}

	var acks []Acknowledgment
	for page := 0; page < maxNewAckPages; page++ {
		out, err := c.call(ctx, op, cc, wire.Body{GetNewAcksRequest: &wire.GetNewAcksRequest{MaxResults: newAcksPageSize}})
		if err != nil {
			if len(acks) > 0 {
				c.log.WithField("delivered", len(acks)).WithError(err).Warn("new acknowledgment drain interrupted")
			}
			return acks, err
		}
		resp := out.GetNewAcksResponse
		if resp == nil {
			break
		}
		acks = append(acks, c.convertAcks(op, resp.Acks)...)
		if !resp.MoreAvailable {
			break
		}
	}
	return acks, nil
}

// Info summarises the effective settings. It never fails; problems are
// reported in Info.Error.
func (c *Client) Info(ctx context.Context) Info {
	info := Info{Environment: string(c.environment)}
	cfg, err := c.settings.MeF(ctx)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Endpoint = cfg.BaseURL()
	info.Transport = cfg.Transport
	info.TransmissionsEnabled = cfg.TransmissionsEnabled
	info.AllowTestMode = cfg.AllowTestMode
	info.MaxAttempts = cfg.Retry.MaxAttempts
	info.Multiplier = cfg.Retry.Multiplier
	if profile, ok := cfg.Profile(); ok {
		info.Profile = profile.Name
		info.EFIN = MaskEFIN(profile.EFIN)
		info.ETIN = profile.ETIN(c.environment)
		info.ProductionApproved = profile.ProductionApproved()
	}
	if env, err := config.ParseEnvironment(string(cfg.Environment)); err == nil && env != c.environment {
		info.Error = fmt.Sprintf("environment changed from %s to %s; restart required", c.environment, env)
	}
	return info
}

func (c *Client) call(ctx context.Context, op string, cc callContext, body wire.Body, attachments ...wire.Attachment) (wire.Body, error) {
	endpoint := strings.TrimRight(cc.cfg.BaseURL(), "/") + "/" + strings.Trim(cc.cfg.Transport, "/") + "/" + op

	var result wire.Body
	err := c.withRetry(ctx, op, cc.cfg.Retry, func(ctx context.Context) error {
		start := time.Now()
		out, err := c.attempt(ctx, op, endpoint, cc, body, attachments)
		metrics.RecordMeFCall(op, outcome(err), time.Since(start))
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}

func (c *Client) attempt(ctx context.Context, op, endpoint string, cc callContext, body wire.Body, attachments []wire.Attachment) (wire.Body, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return wire.Body{}, transientf(op, err, "rate limiter: %v", err)
		}
	}

	env := wire.Envelope{Header: &wire.Header{MeF: c.header(op, cc)}, Body: body}
	payload, contentType, err := wire.EncodeMultipart(env, attachments...)
	if err != nil {
		return wire.Body{}, permanentf(op, err, "encode request: %v", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cc.cfg.Timeouts.Connect+cc.cfg.Timeouts.Read)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return wire.Body{}, &Error{Op: op, Kind: KindConfig, Message: "build request: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("MIME-Version", "1.0")
	req.Header.Set("SOAPAction", op)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return wire.Body{}, transientf(op, ctx.Err(), "request cancelled: %v", ctx.Err())
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			return wire.Body{}, transientf(op, err, "timeout after %s", cc.cfg.Timeouts.Connect+cc.cfg.Timeouts.Read)
		default:
			return wire.Body{}, transientf(op, err, "network error: %v", err)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return wire.Body{}, transientf(op, err, "read response: %v", err)
	}
	return classify(op, resp.StatusCode, resp.Header.Get("Content-Type"), data)
}

func (c *Client) header(op string, cc callContext) *wire.MeFHeader {
	indicator := wire.TestIndicatorATS
	if c.environment == config.EnvironmentProduction {
		indicator = wire.TestIndicatorProduction
	}
	return &wire.MeFHeader{
		MessageID:     uuid.NewString(),
		Action:        op,
		MessageTs:     c.now().UTC().Format(time.RFC3339),
		ETIN:          cc.etin,
		EFIN:          cc.profile.EFIN,
		TestIndicator: indicator,
		SoftwareID:    cc.cfg.SoftwareID,
		AppSysID:      cc.etin,
	}
}

// classify turns an HTTP exchange into a response body or a typed error.
func classify(op string, status int, contentType string, data []byte) (wire.Body, error) {
	env, decodeErr := decodeResponse(contentType, data)
	if decodeErr == nil && env.Body.Fault != nil {
		f := env.Body.Fault
		kind := KindPermanent
		// SOAP 1.1 sends every fault on HTTP 500; only Server faults are the remote's problem.
		if isServerFault(f.Code) && (status >= 500 || status == http.StatusTooManyRequests) {
			kind = KindTransient
		}
		return wire.Body{}, &Error{
			Op:         op,
			Kind:       kind,
			Message:    fmt.Sprintf("soap fault %s: %s", f.Code, f.String),
			StatusCode: status,
		}
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return wire.Body{}, &Error{Op: op, Kind: KindTransient, Message: fmt.Sprintf("remote returned HTTP %d", status), StatusCode: status}
	case status >= 400:
		return wire.Body{}, &Error{Op: op, Kind: KindPermanent, Message: fmt.Sprintf("remote returned HTTP %d", status), StatusCode: status}
	}
	if decodeErr != nil {
		return wire.Body{}, &Error{Op: op, Kind: KindPermanent, Message: "malformed response: " + decodeErr.Error(), StatusCode: status, Err: decodeErr}
	}
	return env.Body, nil
}

// isServerFault reports whether a faultcode names the Server side, with or
// without a namespace prefix.
func isServerFault(code string) bool {
	code = strings.TrimSpace(code)
	if i := strings.LastIndexByte(code, ':'); i >= 0 {
		code = code[i+1:]
	}
	return strings.EqualFold(code, "Server") || strings.HasPrefix(strings.ToLower(code), "server.")
}

func decodeResponse(contentType string, data []byte) (wire.Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return wire.Envelope{}, errors.New("empty response body")
	}
	if contentType == "" {
		return wire.Unmarshal(data)
	}
	env, _, err := wire.DecodeMultipart(contentType, bytes.NewReader(data), maxResponseBytes)
	return env, err
}

func (c *Client) convertAcks(op string, in []wire.Acknowledgement) []Acknowledgment {
	out := make([]Acknowledgment, 0, len(in))
	for _, raw := range in {
		ack, err := convertAck(raw, c.now())
		if err != nil {
			c.log.WithField("op", op).WithField("submission_id", raw.SubmissionID).WithError(err).Warn("skipping unreadable acknowledgment")
			continue
		}
		out = append(out, ack)
	}
	return out
}

func convertAck(raw wire.Acknowledgement, now time.Time) (Acknowledgment, error) {
	if strings.TrimSpace(raw.SubmissionID) == "" {
		return Acknowledgment{}, errors.New("acknowledgment without submission id")
	}
	status, ok := ParseStatus(raw.Status)
	if !ok {
		return Acknowledgment{}, fmt.Errorf("acknowledgment %s has unknown status %q", raw.SubmissionID, raw.Status)
	}
	ack := Acknowledgment{
		SubmissionID: raw.SubmissionID,
		Status:       status,
		DCN:          raw.DCN,
		Timestamp:    parseTimestamp(raw.StatusTs, now),
	}
	for _, e := range raw.Errors {
		ack.Errors = append(ack.Errors, AckError{Code: e.RuleNum, Message: e.Message, Severity: e.Severity, XPath: e.XPath})
	}
	return ack, nil
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
		return t.UTC()
	}
	return fallback.UTC()
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}
