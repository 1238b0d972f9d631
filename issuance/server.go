package issuance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coupon-issuance/issuance/application"
	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"go.uber.org/zap"
)

// Server liga as rotas HTTP aos casos de uso. Campos nil desligam as rotas
// correspondentes (respondem 404 do mux).
type Server struct {
	Issuer       *application.Issuer
	Intake       *application.Intake
	Status       *application.StatusReader
	Reservations *application.Reservations

	// MetricsHandler atende GET /metrics (promhttp).
	MetricsHandler http.Handler
	// BusyRetryAfter vai no Retry-After de respostas RESOURCE_BUSY.
	BusyRetryAfter time.Duration
	Logger         *zap.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	if s.Issuer != nil {
		mux.HandleFunc("POST /v1/issue", s.issueSync)
	}
	if s.Intake != nil {
		mux.HandleFunc("POST /v1/issue/async", s.issueAsync)
		mux.HandleFunc("GET /v1/requests/{id}", s.pollRequest)
	}
	if s.Status != nil {
		mux.HandleFunc("GET /v1/queues/{type}", s.queueStatus)
		mux.HandleFunc("GET /v1/queues/{type}/top", s.queueTop)
	}
	if s.Reservations != nil {
		mux.HandleFunc("POST /v1/reservations", s.openReservation)
		mux.HandleFunc("GET /v1/reservations/{id}", s.getReservation)
		mux.HandleFunc("POST /v1/reservations/{id}/confirm", s.confirmReservation)
		mux.HandleFunc("POST /v1/reservations/{id}/fail", s.failReservation)
	}
	if s.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.MetricsHandler)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type issueBody struct {
	ResourceType string `json:"resourceType"`
}

type grantView struct {
	GrantID      string     `json:"grantId"`
	RequesterID  string     `json:"requesterId"`
	ResourceType string     `json:"resourceType"`
	IssuedAt     time.Time  `json:"issuedAt"`
	Used         bool       `json:"used"`
	UsedAt       *time.Time `json:"usedAt,omitempty"`
}

type requestView struct {
	RequestID         string     `json:"requestId"`
	RequesterID       string     `json:"requesterId"`
	ResourceType      string     `json:"resourceType"`
	Status            string     `json:"status"`
	SubmittedAt       time.Time  `json:"submittedAt"`
	GrantedResourceID string     `json:"grantedResourceId,omitempty"`
	ErrorReason       string     `json:"errorReason,omitempty"`
	DecidedAt         *time.Time `json:"decidedAt,omitempty"`
}

type rankedView struct {
	RequesterID string `json:"requesterId"`
	Rank        int64  `json:"rank"`
}

type openReservationBody struct {
	GrantID string                `json:"grantId"`
	Items   []domain.ReservedItem `json:"items"`
}

type failReservationBody struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

type reservationView struct {
	ReservationID string                `json:"reservationId"`
	RequesterID   string                `json:"requesterId"`
	GrantID       string                `json:"grantId"`
	Items         []domain.ReservedItem `json:"items"`
	State         string                `json:"state"`
	CreatedAt     time.Time             `json:"createdAt"`
	ExpiresAt     time.Time             `json:"expiresAt"`
	Failures      int                   `json:"failures"`
	LastFailure   string                `json:"lastFailure,omitempty"`
}

func toGrantView(g domain.GrantedResource) grantView {
	return grantView{
		GrantID:      g.ID,
		RequesterID:  g.RequesterID,
		ResourceType: g.ResourceType,
		IssuedAt:     g.IssuedAt,
		Used:         g.Used,
		UsedAt:       g.UsedAt,
	}
}

func toRequestView(r domain.IssuanceRequest) requestView {
	v := requestView{
		RequestID:         r.RequestID,
		RequesterID:       r.RequesterID,
		ResourceType:      r.ResourceType,
		Status:            string(r.Status),
		SubmittedAt:       r.SubmittedAt,
		GrantedResourceID: r.GrantedResourceID,
		ErrorReason:       r.ErrorReason,
	}
	if !r.DecidedAt.IsZero() {
		at := r.DecidedAt
		v.DecidedAt = &at
	}
	return v
}

func toReservationView(r domain.Reservation) reservationView {
	return reservationView{
		ReservationID: r.ID,
		RequesterID:   r.RequesterID,
		GrantID:       r.GrantID,
		Items:         r.Items,
		State:         string(r.State),
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		Failures:      r.Failures,
		LastFailure:   r.LastFailure,
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusServiceUnavailable {
		d := s.BusyRetryAfter
		if d <= 0 {
			d = time.Second
		}
		secs := int(d.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", formatInt(secs))
	}
	if status >= http.StatusInternalServerError {
		obs.OrNop(s.Logger).Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func requesterOf(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(RequesterHeader))
	if id == "" {
		return "", fmt.Errorf("%w: missing %s header", errBadRequest, RequesterHeader)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) issueTarget(w http.ResponseWriter, r *http.Request) (string, string, error) {
	requesterID, err := requesterOf(r)
	if err != nil {
		return "", "", err
	}
	var body issueBody
	if err := decodeBody(w, r, &body); err != nil {
		return "", "", err
	}
	if body.ResourceType == "" {
		return "", "", fmt.Errorf("%w: resourceType is required", errBadRequest)
	}
	return requesterID, body.ResourceType, nil
}

func (s *Server) issueSync(w http.ResponseWriter, r *http.Request) {
	requesterID, resourceType, err := s.issueTarget(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	grant, err := s.Issuer.IssueSync(r.Context(), requesterID, resourceType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantView(grant))
}

func (s *Server) issueAsync(w http.ResponseWriter, r *http.Request) {
	requesterID, resourceType, err := s.issueTarget(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	requestID, err := s.Intake.Submit(r.Context(), requesterID, resourceType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/requests/"+requestID)
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": requestID})
}

func (s *Server) pollRequest(w http.ResponseWriter, r *http.Request) {
	req, found, err := s.Intake.Poll(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		s.fail(w, r, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req))
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status.QueueStatus(r.Context(), r.PathValue("type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueTop(w http.ResponseWriter, r *http.Request) {
	n := int64(10)
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.fail(w, r, fmt.Errorf("%w: n must be a non-negative integer", errBadRequest))
			return
		}
		n = v
	}
	top, err := s.Status.Top(r.Context(), r.PathValue("type"), n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]rankedView, 0, len(top))
	for _, t := range top {
		out = append(out, rankedView{RequesterID: t.RequesterID, Rank: t.Rank})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) openReservation(w http.ResponseWriter, r *http.Request) {
	requesterID, err := requesterOf(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body openReservationBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.GrantID == "" || len(body.Items) == 0 {
		s.fail(w, r, fmt.Errorf("%w: grantId and items are required", errBadRequest))
		return
	}
	for _, it := range body.Items {
		if it.Quantity <= 0 {
			s.fail(w, r, fmt.Errorf("%w: quantity must be > 0", errBadRequest))
			return
		}
	}
	res, err := s.Reservations.Open(r.Context(), application.OpenReservation{
		RequesterID: requesterID,
		GrantID:     body.GrantID,
		Items:       body.Items,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationView(res))
}

func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) {
	res, ok := s.Reservations.Get(r.Context(), r.PathValue("id"))
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, toReservationView(res))
}

func (s *Server) confirmReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.Reservations.Confirm(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationView(res))
}

func (s *Server) failReservation(w http.ResponseWriter, r *http.Request) {
	var body failReservationBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	reason := domain.FailureReason(body.Reason)
	if reason != domain.FailureTimeout && reason != domain.FailureRejected {
		s.fail(w, r, fmt.Errorf("%w: reason must be %q or %q", errBadRequest, domain.FailureTimeout, domain.FailureRejected))
		return
	}
	res, err := s.Reservations.Fail(r.Context(), r.PathValue("id"), reason, body.Detail)
	if err != nil && !errors.Is(err, domain.ErrAlreadyCompensated) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationView(res))
}
