package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hamgam/exportd/pkg/gateway"
	"github.com/hamgam/exportd/pkg/orchestrator"
	"github.com/hamgam/exportd/pkg/signing"
)

const maxBodyBytes = 1 << 20 // 1 MB request body cap

// Server wires the orchestrator, the signer, and the download gateway into an
// HTTP surface.
type Server struct {
	orch        *orchestrator.Orchestrator
	signer      *signing.Signer
	gateway     *gateway.Gateway
	downloadTTL time.Duration
	logger      *slog.Logger
}

// NewServer assembles the HTTP surface. downloadTTL bounds the lifetime of
// tokens issued by the links endpoint.
func NewServer(orch *orchestrator.Orchestrator, signer *signing.Signer, gw *gateway.Gateway, downloadTTL time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if downloadTTL <= 0 {
		downloadTTL = 15 * time.Minute
	}
	return &Server{
		orch:        orch,
		signer:      signer,
		gateway:     gw,
		downloadTTL: downloadTTL,
		logger:      logger,
	}
}

// Routes registers all endpoints on a fresh mux and wraps it with the shared
// middleware chain.
func (s *Server) Routes(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/exports", s.handleExports)
	mux.HandleFunc("/exports/", s.handleExportByID)
	mux.Handle("/download/", s.gateway)
	mux.HandleFunc("/healthz", s.handleHealth)

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestIDMiddleware(h)
}

// submitRequest is the POST /exports body.
type submitRequest struct {
	Filters        map[string]string `json:"filters"`
	Options        map[string]string `json:"options"`
	IdempotencyKey string            `json:"idempotency_key"`
	Namespace      string            `json:"namespace"`
}

// handleExports accepts new export jobs.
func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, orchestrator.CodeValidation, "Request body is not valid JSON")
		return
	}

	// The header form takes precedence over the body field.
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		body.IdempotencyKey = hdr
	}

	req := orchestrator.Request{
		Filters:        body.Filters,
		Options:        body.Options,
		IdempotencyKey: body.IdempotencyKey,
		Namespace:      body.Namespace,
		CorrelationID:  GetRequestID(r.Context()),
	}

	job, err := s.orch.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, job)
	case errors.Is(err, orchestrator.ErrDuplicate):
		WriteError(w, http.StatusConflict, orchestrator.CodeDuplicate, "An export with this idempotency key is already owned by another instance")
	case errors.Is(err, orchestrator.ErrQueueFull):
		WriteTooManyRequests(w, orchestrator.CodeQueueFull, 30)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Server is shutting down")
	default:
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			WriteBadRequest(w, orchestrator.CodeValidation, verr.Detail)
			return
		}
		WriteInternal(w, err)
	}
}

// handleExportByID serves GET /exports/{id} and POST /exports/{id}/links.
func (s *Server) handleExportByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/exports/")
	if rest == "" {
		WriteNotFound(w, "Export job not found")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/links"); ok {
		s.handleLinks(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	job, err := s.orch.GetJob(rest)
	if err != nil {
		WriteNotFound(w, "Export job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// downloadLink describes one signed artifact URL.
type downloadLink struct {
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type linksResponse struct {
	JobID string         `json:"job_id"`
	Links []downloadLink `json:"links"`
}

// handleLinks issues signed download tokens for every artifact of a
// successfully completed job.
func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	job, err := s.orch.GetJob(id)
	if err != nil {
		WriteNotFound(w, "Export job not found")
		return
	}
	if job.Status != orchestrator.StatusSuccess || job.Manifest == nil {
		WriteError(w, http.StatusConflict, orchestrator.CodeValidation, "Export job has not completed successfully")
		return
	}

	resp := linksResponse{JobID: job.ID, Links: make([]downloadLink, 0, len(job.Manifest.Files))}
	expiry := time.Now().Add(s.downloadTTL)
	for _, f := range job.Manifest.Files {
		token, err := gateway.IssueToken(s.signer, job.Namespace, f, s.downloadTTL)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		resp.Links = append(resp.Links, downloadLink{
			Name:      f.Name,
			Token:     token,
			URL:       "/download/" + token,
			ExpiresAt: expiry,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
