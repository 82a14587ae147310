package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/RossTaxPrep/efile_layer/internal/app"
	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/metrics"
	efilesvc "github.com/RossTaxPrep/efile_layer/internal/app/services/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/middleware"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// maxDocumentBytes bounds request bodies; MeF rejects larger returns anyway.
const maxDocumentBytes = 16 << 20

// Options configures the HTTP surface around the application.
type Options struct {
	JWTSecret         string
	Issuer            string
	RequestsPerSecond float64
	Burst             int
	AuditPath         string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditTrail
	log   *logger.Logger
}

// NewHandler returns the e-file REST API wrapped in request tracing,
// authentication, rate limiting and metrics.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) (http.Handler, error) {
	if application == nil {
		return nil, errors.New("application is required")
	}
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := openAuditFile(opts.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	h := &handler{app: application, audit: newAuditTrail(defaultAuditCapacity, sink, log), log: log}
	router := h.routes()

	var handler http.Handler = router
	if opts.RequestsPerSecond > 0 {
		handler = middleware.NewRateLimiter(opts.RequestsPerSecond, opts.Burst, log).Handler(handler)
	}
	handler = middleware.NewAuthMiddleware(opts.JWTSecret, opts.Issuer, log, []string{"/healthz", "/metrics"}).Handler(handler)
	handler = middleware.NewTracingMiddleware(log).Handler(handler)
	return metrics.InstrumentHandler(handler), nil
}

func (h *handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	ef := r.PathPrefix("/efile").Subrouter()
	ef.HandleFunc("/transmissions", h.createTransmission).Methods(http.MethodPost)
	ef.HandleFunc("/transmissions", h.listTransmissions).Methods(http.MethodGet)
	ef.HandleFunc("/transmissions/{id}", h.getTransmission).Methods(http.MethodGet)
	ef.HandleFunc("/transmissions/{id}/transmit", h.transmit).Methods(http.MethodPost)
	ef.HandleFunc("/transmissions/{id}/reconcile", h.reconcileTransmission).Methods(http.MethodPost)
	ef.HandleFunc("/transmissions/{id}/complete", h.completeTransmission).Methods(http.MethodPost)
	ef.HandleFunc("/acknowledgments/reconcile", h.reconcileAcknowledgments).Methods(http.MethodPost)
	ef.HandleFunc("/validate", h.validate).Methods(http.MethodPost)
	ef.HandleFunc("/info", h.info).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin/efile").Subrouter()
	admin.Use(middleware.RequireRole(middleware.RoleAdmin))
	admin.HandleFunc("/kill-switch", h.killSwitch).Methods(http.MethodPut)
	admin.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": h.app.MeF.Environment(),
		"time":        time.Now().UTC(),
	})
}

type transmissionView struct {
	ID           string    `json:"id"`
	ReturnID     string    `json:"return_id"`
	ClientID     string    `json:"client_id"`
	PreparerID   string    `json:"preparer_id,omitempty"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	ReturnType   string    `json:"return_type,omitempty"`
	TaxYear      int       `json:"tax_year,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	AckCode      string    `json:"ack_code,omitempty"`
	AckMessage   string    `json:"ack_message,omitempty"`
	DCN          string    `json:"dcn,omitempty"`
	EFIN         string    `json:"efin,omitempty"`
	ETIN         string    `json:"etin,omitempty"`
	Environment  string    `json:"environment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func viewOf(t efile.Transmission) transmissionView {
	return transmissionView{
		ID:           t.ID,
		ReturnID:     t.ReturnID,
		ClientID:     t.ClientID,
		PreparerID:   t.PreparerID,
		Method:       string(t.Method),
		Status:       string(t.Status),
		ReturnType:   t.ReturnType,
		TaxYear:      t.TaxYear,
		SubmissionID: t.SubmissionID,
		AckCode:      t.AckCode,
		AckMessage:   t.AckMessage,
		DCN:          t.DCN,
		EFIN:         mef.MaskEFIN(t.EFIN),
		ETIN:         t.ETIN,
		Environment:  t.Environment,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type issueView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type transmitResponse struct {
	Success      bool             `json:"success"`
	TestMode     bool             `json:"test_mode,omitempty"`
	Code         string           `json:"code,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Transmission transmissionView `json:"transmission"`
	Submission   *mef.Submission  `json:"submission,omitempty"`
	Errors       []issueView      `json:"errors,omitempty"`
	Warnings     []issueView      `json:"warnings,omitempty"`
}

func issueViews(in []efile.Issue) []issueView {
	if len(in) == 0 {
		return nil
	}
	out := make([]issueView, 0, len(in))
	for _, i := range in {
		out = append(out, issueView{Code: i.Code, Message: i.Message, Field: i.Field})
	}
	return out
}

func writeTransmitResult(w http.ResponseWriter, status int, res efilesvc.TransmitResult) {
	writeJSON(w, status, transmitResponse{
		Success:      res.Success,
		TestMode:     res.TestMode,
		Code:         res.Code,
		Reason:       res.Reason,
		Transmission: viewOf(res.Transmission),
		Submission:   res.Submission,
		Errors:       issueViews(res.Errors),
		Warnings:     issueViews(res.Warnings),
	})
}

func transmitStatus(res efilesvc.TransmitResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case efilesvc.CodeNotFound:
		return http.StatusNotFound
	case efilesvc.CodeInvalidState, efilesvc.CodeConcurrentTransmission:
		return http.StatusConflict
	case efilesvc.CodeDocumentRequired, efilesvc.CodeUnsupportedReturnType, efilesvc.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case efilesvc.CodeTransmissionsDisabled:
		return http.StatusServiceUnavailable
	case efilesvc.CodeProductionNotApproved:
		return http.StatusForbidden
	case efilesvc.CodeTransportError, efilesvc.CodeRemoteRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type documentPayload struct {
	Document   string `json:"document"`
	ReturnType string `json:"return_type"`
	TaxYear    int    `json:"tax_year"`
}

func (h *handler) createTransmission(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ReturnID   string `json:"return_id"`
		ClientID   string `json:"client_id"`
		PreparerID string `json:"preparer_id"`
		Method     string `json:"method"`
		documentPayload
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	preparer := payload.PreparerID
	if preparer == "" {
		preparer = middleware.GetUserID(r.Context())
	}

	rec, err := h.app.Transmissions.Create(r.Context(), efilesvc.CreateRequest{
		ReturnID:   payload.ReturnID,
		ClientID:   payload.ClientID,
		PreparerID: preparer,
		Method:     payload.Method,
		ReturnType: payload.ReturnType,
		TaxYear:    payload.TaxYear,
	})
	if err != nil {
		writeError(w, statusForStoreError(err, http.StatusBadRequest), err)
		return
	}

	res := h.app.Transmissions.Transmit(r.Context(), efilesvc.TransmitRequest{
		TransmissionID: rec.ID,
		Document:       []byte(payload.Document),
		ReturnType:     payload.ReturnType,
		TaxYear:        payload.TaxYear,
	})
	status := transmitStatus(res)
	if res.Success {
		status = http.StatusCreated
	}
	writeTransmitResult(w, status, res)
}

func (h *handler) listTransmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := efile.ListFilter{
		Status:   efile.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		ReturnID: q.Get("return_id"),
		ClientID: q.Get("client_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	recs, err := h.app.Transmissions.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]transmissionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getTransmission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Transmissions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForStoreError(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (h *handler) transmit(w http.ResponseWriter, r *http.Request) {
	var payload documentPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := h.app.Transmissions.Transmit(r.Context(), efilesvc.TransmitRequest{
		TransmissionID: mux.Vars(r)["id"],
		Document:       []byte(payload.Document),
		ReturnType:     payload.ReturnType,
		TaxYear:        payload.TaxYear,
	})
	writeTransmitResult(w, transmitStatus(res), res)
}

func (h *handler) reconcileTransmission(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Transmissions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForStoreError(err, http.StatusInternalServerError), err)
		return
	}
	if rec.SubmissionID == "" || rec.Environment == efile.EnvironmentTest {
		writeError(w, http.StatusConflict, fmt.Errorf("transmission %s has no remote submission to reconcile", rec.ID))
		return
	}

	status, err := h.app.Reconciler.ReconcileOne(r.Context(), rec.SubmissionID)
	if err != nil {
		writeError(w, statusForTransportError(err), err)
		return
	}
	if rec, err = h.app.Transmissions.Get(r.Context(), rec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"remote_status": status,
		"transmission":  viewOf(rec),
	})
}

func (h *handler) completeTransmission(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	rec, err := h.app.Transmissions.Complete(r.Context(), mux.Vars(r)["id"], payload.Note)
	if err != nil {
		if errors.Is(err, efilesvc.ErrInvalidState) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, statusForStoreError(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (h *handler) reconcileAcknowledgments(w http.ResponseWriter, r *http.Request) {
	applied, err := h.app.Reconciler.ReconcileNew(r.Context())
	resp := map[string]any{
		"applied":         len(applied),
		"acknowledgments": applied,
		"deferred":        h.app.Reconciler.Deferred(),
	}
	if err != nil {
		resp["error"] = err.Error()
		if len(applied) == 0 {
			writeJSON(w, statusForTransportError(err), resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) validate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		documentPayload
		Environment string `json:"environment"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	env := payload.Environment
	if env == "" {
		env = string(h.app.MeF.Environment())
	}
	res, err := h.app.Validator.Validate([]byte(payload.Document), payload.ReturnType, schema.Context{
		TaxYear:     payload.TaxYear,
		Environment: env,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.Valid,
		"tax_year": res.TaxYear,
		"errors":   schemaIssues(res.Errors),
		"warnings": schemaIssues(res.Warnings),
	})
}

func schemaIssues(in []schema.Issue) []issueView {
	out := make([]issueView, 0, len(in))
	for _, i := range in {
		out = append(out, issueView{Code: i.Code, Message: i.Message, Field: i.Field})
	}
	return out
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mef":                    h.app.MeF.Info(r.Context()),
		"supported_return_types": schema.SupportedReturnTypes(),
	})
}

func (h *handler) killSwitch(w http.ResponseWriter, r *http.Request) {
	if h.app.KillSwitch == nil {
		writeError(w, http.StatusNotImplemented, errors.New("kill switch is not configurable in this deployment"))
		return
	}
	var payload struct {
		Enabled *bool  `json:"transmissions_enabled"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("transmissions_enabled is required"))
		return
	}

	enabled := *payload.Enabled
	if err := h.app.KillSwitch.SetTransmissionsEnabled(r.Context(), enabled); err != nil {
		h.log.WithError(err).Error("set kill switch")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.SetTransmissionsEnabled(enabled)

	action := "transmissions.enable"
	if !enabled {
		action = "transmissions.disable"
	}
	entry := newAuditEntry(r, action, payload.Reason)
	entry.Enabled = &enabled
	h.audit.record(entry)
	h.log.WithField("user", middleware.GetUserID(r.Context())).
		WithField("transmissions_enabled", enabled).
		WithField("reason", payload.Reason).
		Warn("MeF kill switch changed")

	writeJSON(w, http.StatusOK, map[string]any{"transmissions_enabled": enabled})
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.recent(limit))
}

func statusForStoreError(err error, fallback int) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return fallback
	}
}

func statusForTransportError(err error) int {
	switch mef.KindOf(err) {
	case mef.KindDisabled:
		return http.StatusServiceUnavailable
	case mef.KindNotApproved:
		return http.StatusForbidden
	case mef.KindConfig:
		return http.StatusInternalServerError
	case mef.KindTransient, mef.KindPermanent:
		return http.StatusBadGateway
	}
	return statusForStoreError(err, http.StatusInternalServerError)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxDocumentBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
