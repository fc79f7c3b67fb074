package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/operation"
)

// Server is the HTTP face of a grading service. Routes are registered per
// service role; a single process can expose both the queue and the
// evaluation surface on one listener.
type Server struct {
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer returns a server with only the health route registered.
func NewServer() *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &Server{mux: mux, handler: mux}
}

// Handler returns the underlying handler for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Wrap installs a middleware around every route. Must be called before
// ListenAndServe.
func (s *Server) Wrap(mw func(http.Handler) http.Handler) {
	s.handler = mw(s.handler)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info(log.CatRPC, "listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// RegisterQueueService exposes the queue service routes.
func (s *Server) RegisterQueueService(qs QueueBackend) {
	s.mux.HandleFunc("POST /enqueue", func(w http.ResponseWriter, r *http.Request) {
		var p enqueuePayload
		if !decode(w, r, &p) {
			return
		}
		writeJSON(w, boolResponse{OK: qs.Enqueue(p.scheduled())})
	})
	s.mux.HandleFunc("POST /invalidate_submission", func(w http.ResponseWriter, r *http.Request) {
		var p invalidatePayload
		if !decode(w, r, &p) {
			return
		}
		if err := qs.InvalidateSubmission(r.Context(), p.scope()); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, boolResponse{OK: true})
	})
	s.mux.HandleFunc("GET /workers_status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, qs.WorkersStatus())
	})
	s.mux.HandleFunc("GET /queue_status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, qs.QueueStatus())
	})
	s.mux.HandleFunc("POST /disable_worker", func(w http.ResponseWriter, r *http.Request) {
		var p shardPayload
		if !decode(w, r, &p) {
			return
		}
		if err := qs.DisableWorker(p.Shard); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, boolResponse{OK: true})
	})
	s.mux.HandleFunc("POST /enable_worker", func(w http.ResponseWriter, r *http.Request) {
		var p shardPayload
		if !decode(w, r, &p) {
			return
		}
		if err := qs.EnableWorker(p.Shard); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, boolResponse{OK: true})
	})
}

// RegisterEvaluationService exposes the evaluation service routes.
func (s *Server) RegisterEvaluationService(es EvaluationClient) {
	s.mux.HandleFunc("POST /write_result", func(w http.ResponseWriter, r *http.Request) {
		var p writeResultPayload
		if !decode(w, r, &p) {
			return
		}
		ok, newOps, err := es.WriteResult(r.Context(), p.Operation, p.Job)
		if err != nil {
			httpError(w, err)
			return
		}
		resp := writeResultResponse{OK: ok}
		for _, sched := range newOps {
			resp.NewOperations = append(resp.NewOperations, toEnqueuePayload(sched))
		}
		writeJSON(w, resp)
	})
	s.mux.HandleFunc("POST /new_submission", func(w http.ResponseWriter, r *http.Request) {
		var p newSubmissionPayload
		if !decode(w, r, &p) {
			return
		}
		if err := es.NewSubmission(r.Context(), p.SubmissionID, p.DatasetID,
			operation.Priority(p.Priority)); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, boolResponse{OK: true})
	})
	s.mux.HandleFunc("POST /new_submissions", func(w http.ResponseWriter, r *http.Request) {
		var p newSubmissionsPayload
		if !decode(w, r, &p) {
			return
		}
		if err := es.NewSubmissions(r.Context(), p.SubmissionIDs); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, boolResponse{OK: true})
	})
	s.mux.HandleFunc("POST /new_user_test", func(w http.ResponseWriter, r *http.Request) {
		var p newUserTestPayload
		if !decode(w, r, &p) {
			return
		}
		if err := es.NewUserTest(r.Context(), p.UserTestID); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, boolResponse{OK: true})
	})
}

// LogEntry is one formatted log line streamed over /log_stream.
type LogEntry struct {
	Timestamp float64 `json:"timestamp"`
	Entry     string  `json:"entry"`
}

// RegisterLogStream exposes the live log tail: entries are streamed as
// newline-delimited JSON until the client disconnects.
func (s *Server) RegisterLogStream() {
	s.mux.HandleFunc("GET /log_stream", func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		enc := json.NewEncoder(w)
		for ev := range log.Subscribe(r.Context()) {
			if err := enc.Encode(LogEntry{
				Timestamp: operation.EpochSeconds(ev.Timestamp),
				Entry:     ev.Payload,
			}); err != nil {
				return
			}
			fl.Flush()
		}
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorErr(log.CatRPC, "response encoding failed", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
