package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-faster/jx"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/store"
)

// HTTPServer wires Service onto the chi-routed HTTP surface described by
// the embedded OpenAPI document, per spec.md §4.6/§6 and SPEC_FULL §3's
// "go-chi/chi/v5 + go-chi/cors — HTTP surface" row.
type HTTPServer struct {
	svc     *Service
	openapi []byte
}

// NewHTTPServer validates the embedded OpenAPI document and binds it to
// svc.
func NewHTTPServer(svc *Service) (*HTTPServer, error) {
	doc, err := loadOpenAPIDoc()
	if err != nil {
		return nil, err
	}
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &HTTPServer{svc: svc, openapi: data}, nil
}

// Router builds the chi.Router; callers mount it under whatever prefix
// their process wants (durableflowd mounts it at the root).
func (h *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/openapi.json", h.handleOpenAPI)
	r.Post("/tasks/{taskId}/start", h.handleStart)
	r.Get("/tasks/{taskId}/describe", h.handleDescribe)
	r.Get("/executions", h.handleListExecutions)
	r.Get("/executions/{id}", h.handleGetExecution)
	r.Get("/executions/{id}/wait", h.handleWait)
	r.Get("/executions/{id}/steps", h.handleListStepResults)
	r.Delete("/executions/{id}", h.handlePurge)
	r.Post("/signals/{signalId}", h.handleSignal)
	return r
}

func (h *HTTPServer) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(h.openapi)
}

func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.TypeValidation, "read request body"))
		return
	}

	req, err := decodeStartRequest(body)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.TypeValidation, "decode start request"))
		return
	}

	id, err := h.svc.Start(r.Context(), taskID, json.RawMessage(req.Input))
	if err != nil {
		writeError(w, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("executionId")
	e.Str(id)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *HTTPServer) handleDescribe(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	var defaultInput []byte
	if raw := r.URL.Query().Get("defaultInput"); raw != "" {
		defaultInput = []byte(raw)
	}

	steps, err := h.svc.Describe(taskID, defaultInput)
	if err != nil {
		writeError(w, err)
		return
	}

	var e jx.Encoder
	e.ArrStart()
	for _, s := range steps {
		e.ObjStart()
		e.FieldStart("stepId")
		e.Str(s.StepID)
		e.FieldStart("kind")
		e.Str(string(s.Kind))
		if s.Branch != "" {
			e.FieldStart("branch")
			e.Str(s.Branch)
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *HTTPServer) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		TaskID: q.Get("taskId"),
		Status: dflow.Status(q.Get("status")),
	}
	paging := store.Paging{}
	if limit := q.Get("limit"); limit != "" {
		paging.Limit, _ = strconv.Atoi(limit)
	}
	if offset := q.Get("offset"); offset != "" {
		paging.Offset, _ = strconv.Atoi(offset)
	}

	execs, err := h.svc.ListExecutions(r.Context(), filter, paging, q.Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}

	var e jx.Encoder
	executionListView(execs).Encode(&e)
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *HTTPServer) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := h.svc.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var e jx.Encoder
	executionView(exec).Encode(&e)
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *HTTPServer) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opts := WaitOptions{}
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
	}

	result, err := h.svc.Wait(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("result")
	e.Base64(result)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *HTTPServer) handleListStepResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := h.svc.ListStepResults(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var e jx.Encoder
	stepResultListView(results).Encode(&e)
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Purge(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.TypeValidation, "read request body"))
		return
	}

	req, err := decodeSignalRequest(body)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.TypeValidation, "decode signal request"))
		return
	}

	if err := h.svc.Signal(r.Context(), req.ExecutionID, signalID, json.RawMessage(req.Payload)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperrors.AppError)
	status := http.StatusInternalServerError
	message := err.Error()
	if ok {
		if appErr.StatusCode != 0 {
			status = appErr.StatusCode
		}
		message = appErr.Message
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("error")
	e.Str(message)
	e.ObjEnd()
	writeJSON(w, status, e.Bytes())
}
