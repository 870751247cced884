package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/log"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/api"
	"github.com/bytedance/sonic"
)

// maxBodyBytes caps a request body.
const maxBodyBytes = 4 << 20

// NewHandler routes every action group to the dispatcher.
func NewHandler(d *api.Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/metrics", MetricsHandler(observability.Default))
	for _, group := range d.Groups() {
		mux.HandleFunc("/v1/"+group, ActionHandler(d, group))
	}
	return mux
}

// StartServer serves the orchestrator until ctx is cancelled.
func StartServer(ctx context.Context, port string, d *api.Dispatcher) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewHandler(d),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting orchestrator server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.GetLogger().Info("Shutting down orchestrator server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "orchestrator is running")
}

func MetricsHandler(reg *observability.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, reg.RenderPrometheus())
	}
}

// ActionHandler accepts POSTed {action, data} bodies for one group.
func ActionHandler(d *api.Dispatcher, group string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			log.GetLogger().Errorf("Failed to read %s request body: %v", group, err)
			writeResponse(w, http.StatusBadRequest, api.Response{Error: "failed to read request body", Code: api.CodeValidation})
			return
		}
		start := time.Now()
		resp := d.DispatchJSON(r.Context(), group, body)
		status := StatusFor(resp)
		observability.Default.IncCounter(observability.HTTPRequestsTotal,
			map[string]string{"group": group, "status": strconv.Itoa(status)}, 1)
		log.GetLogger().WithField("group", group).
			WithField("status", status).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("handled action request")
		writeResponse(w, status, resp)
	}
}

// StatusFor maps a response onto its HTTP status. A task that ran and failed
// is still a successful request.
func StatusFor(resp api.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Code {
	case api.CodeExecutionFailed:
		return http.StatusOK
	case api.CodeValidation, api.CodeUnknownAction:
		return http.StatusBadRequest
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeInvalidTransition, api.CodeClaimConflict:
		return http.StatusConflict
	case api.CodeDependencyUnsatisfied, api.CodeDependencyCycle, api.CodeUnknownProvider:
		return http.StatusUnprocessableEntity
	case api.CodeNoProvider:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
}

func writeResponse(w http.ResponseWriter, status int, resp api.Response) {
	b, err := sonic.Marshal(resp)
	if err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
