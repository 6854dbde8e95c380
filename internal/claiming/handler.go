package claiming

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/patient-claiming/pkg/logging"
)

// Handler exposes the claim flow over HTTP/JSON.
type Handler struct {
	service *Service
	limiter *SearchLimiter
	logger  *logging.Logger
}

// NewHandler creates a new claiming handler. The limiter is optional.
func NewHandler(service *Service, limiter *SearchLimiter, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Routes mounts the claim endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/search", h.Search)
	r.Post("/select", h.SelectCandidate)
	r.Post("/{token}/otp", h.SendOTP)
	r.Post("/{token}/verify", h.VerifyOTP)
	r.Post("/{token}/link", h.LinkAccount)
	return r
}

type searchRequest struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone"`
}

type candidateResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LastVisit string `json:"last_visit,omitempty"`
}

type searchResponse struct {
	Found        bool                `json:"found"`
	Matches      string              `json:"matches"`
	SessionToken string              `json:"session_token,omitempty"`
	QueryToken   string              `json:"query_token,omitempty"`
	Candidates   []candidateResponse `json:"candidates,omitempty"`
}

// Search handles POST /claims/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(r.Context(), clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	result, err := h.service.Search(r.Context(), SearchRequest{
		FullName:    req.FullName,
		DateOfBirth: req.DateOfBirth,
		Phone:       req.Phone,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := searchResponse{Found: true}
	if result.Matches == 1 {
		resp.Matches = "one"
		resp.SessionToken = result.SessionToken
	} else {
		resp.Matches = "many"
		resp.QueryToken = result.QueryToken
		for _, c := range result.Candidates {
			cr := candidateResponse{ID: c.ID, Name: c.Name}
			if c.LastVisit != nil {
				cr.LastVisit = c.LastVisit.Format(time.DateOnly)
			}
			resp.Candidates = append(resp.Candidates, cr)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type selectRequest struct {
	QueryToken  string `json:"query_token"`
	CandidateID string `json:"candidate_id"`
}

// SelectCandidate handles POST /claims/select.
func (h *Handler) SelectCandidate(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	result, err := h.service.SelectCandidate(r.Context(), req.QueryToken, req.CandidateID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Found: true, Matches: "one", SessionToken: result.SessionToken})
}

type otpResponse struct {
	MaskedPhone string `json:"masked_phone"`
}

// SendOTP handles POST /claims/{token}/otp (initial send and resend).
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	masked, err := h.service.SendOTP(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, otpResponse{MaskedPhone: masked})
}

type verifyRequest struct {
	Code string `json:"code"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// VerifyOTP handles POST /claims/{token}/verify.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	if err := h.service.VerifyOTP(r.Context(), token, req.Code); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Verified: true})
}

type linkRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

type linkResponse struct {
	Account   *UserAccount `json:"account"`
	AuthToken string       `json:"auth_token"`
}

// LinkAccount handles POST /claims/{token}/link.
func (h *Handler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}
	result, err := h.service.LinkAccount(r.Context(), token, LinkRequest{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, linkResponse{Account: result.Account, AuthToken: result.AuthToken})
}

// writeServiceError maps the claim error taxonomy onto HTTP statuses with
// stable machine codes. Anything outside the taxonomy becomes a generic 500
// with no implementation detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidSelection):
		writeError(w, http.StatusBadRequest, "invalid_selection", err.Error())
	case errors.Is(err, ErrResendCooldown):
		writeError(w, http.StatusTooManyRequests, "resend_cooldown", err.Error())
	case errors.Is(err, ErrResendLimitExceeded):
		writeError(w, http.StatusTooManyRequests, "resend_limit_exceeded", err.Error())
	case errors.Is(err, ErrOTPExpired):
		writeError(w, http.StatusGone, "otp_expired", err.Error())
	case errors.Is(err, ErrOTPInvalidCode):
		writeError(w, http.StatusBadRequest, "otp_invalid_code", err.Error())
	case errors.Is(err, ErrOTPAttemptsExceeded):
		writeError(w, http.StatusGone, "otp_attempts_exceeded", err.Error())
	case errors.Is(err, ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired", err.Error())
	case errors.Is(err, ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrInvalidUsername):
		writeError(w, http.StatusBadRequest, "invalid_username", err.Error())
	case errors.Is(err, ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username_taken", err.Error())
	case errors.Is(err, ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "weak_password", err.Error())
	case errors.Is(err, ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "already_linked", err.Error())
	default:
		h.logger.Error("claim operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "temporarily unavailable, try again")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from X-Forwarded-For with
	// a bare IP; direct connections keep the ip:port form, and the port must
	// not leak into the limiter key.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
