package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/reconciler"
)

// ServiceName reported on the health endpoint.
const ServiceName = "shepherd"

// StatusSource exposes the reconciler state to the health surface.
type StatusSource interface {
	Status() reconciler.Status
	State() reconciler.State
}

// Server is the HTTP surface: health, echo checks, metrics, and the OpenAPI
// document. It runs beside the reconciler and never blocks it.
type Server struct {
	status      StatusSource
	version     string
	apiVersion  string
	openapiPath string
	mux         *http.ServeMux
	http        *http.Server
	logger      zerolog.Logger
}

// NewServer creates the HTTP surface. openapiPath may be empty.
func NewServer(status StatusSource, version, apiVersion, openapiPath string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		status:      status,
		version:     version,
		apiVersion:  apiVersion,
		openapiPath: openapiPath,
		mux:         mux,
		logger:      log.WithComponent("api"),
	}

	mux.HandleFunc("GET /v0/", s.healthHandler)
	mux.HandleFunc("POST /v0/check/{action}", s.checkHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	if openapiPath != "" {
		mux.HandleFunc("GET /v0/openapi.yaml", s.openapiHandler)
	}

	return s
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// envelope is the response wrapper: exactly one of data or error is set.
type envelope struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

// healthBody is the payload of GET /v0/.
type healthBody struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	APIVersion string `json:"api_version"`
	LastError  string `json:"last_error,omitempty"`
}

// healthHandler implements GET /v0/
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v0/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	state := s.status.State()
	writeData(w, http.StatusOK, healthBody{
		Name:       ServiceName,
		Version:    s.version,
		Status:     "SERVICE_" + string(s.status.Status()),
		APIVersion: s.apiVersion,
		LastError:  state.LastError,
	})
}

// checkHandler implements POST /v0/check/{echo|fail}
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "echo":
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		var parsed any
		if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
			writeData(w, http.StatusOK, parsed)
			return
		}
		writeData(w, http.StatusOK, string(body))
	case "fail":
		writeError(w, http.StatusInternalServerError, "requested failure")
	default:
		writeError(w, http.StatusNotFound, "unknown check action")
	}
}

// openapiHandler serves the OpenAPI document from disk.
func (s *Server) openapiHandler(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.openapiPath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.openapiPath).Msg("openapi document unreadable")
		writeError(w, http.StatusInternalServerError, "openapi document unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: map[string]string{"message": message}})
}
