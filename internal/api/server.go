// Package api exposes the queue over HTTP: one submission endpoint plus
// health and metrics surfaces.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/observability"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/queue"
	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

type Server struct {
	q   *queue.Queue
	mux *http.ServeMux
}

func NewServer(q *queue.Queue) *Server {
	s := &Server{q: q, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/llm", s.handleSubmit)
	s.mux.HandleFunc("/v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRequestLog(s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req llmqapi.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, llmqapi.SubmitResponse{
			Status:       llmqapi.StatusResourceError,
			ErrorMessage: fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "queue.submit",
		attribute.String("req_type", req.ReqType),
		attribute.String("user_id", req.UserID),
	)
	defer span.End()

	resp := s.q.Submit(ctx, req)
	span.SetAttributes(attribute.String("status", string(resp.Status)))

	code := httpStatusFor(resp.Status)
	if resp.Status == llmqapi.StatusRateLimited && resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(resp.RetryAfterSeconds+0.5)))
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func httpStatusFor(status llmqapi.Status) int {
	switch status {
	case llmqapi.StatusOK:
		return http.StatusOK
	case llmqapi.StatusMissingUserID:
		return http.StatusBadRequest
	case llmqapi.StatusRateLimited:
		return http.StatusTooManyRequests
	case llmqapi.StatusQueueFull:
		return http.StatusServiceUnavailable
	case llmqapi.StatusTimeout:
		return http.StatusGatewayTimeout
	case llmqapi.StatusResourceError:
		return http.StatusUnprocessableEntity
	case llmqapi.StatusLLMError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s request_id=%s", r.Method, r.URL.Path, rec.code, time.Since(start), reqID)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}
