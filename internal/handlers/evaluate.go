package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"vigil/internal/evaluation"
	"vigil/internal/models"
)

// Evaluator is satisfied by *evaluation.Engine.
type Evaluator interface {
	ProcessBatch(ctx context.Context, events []models.HealthEvent) evaluation.Summary
}

// EvaluateHandler runs a synchronous evaluation batch over HTTP.
type EvaluateHandler struct {
	eval        Evaluator
	maxBodySize int64
}

// EvaluateConfig holds configuration for the evaluate handler
type EvaluateConfig struct {
	Evaluator   Evaluator
	MaxBodySize int64
}

func NewEvaluateHandler(cfg EvaluateConfig) *EvaluateHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024
	}
	return &EvaluateHandler{eval: cfg.Evaluator, maxBodySize: maxBodySize}
}

// EvaluateRequest accepts a single event or a batch.
type EvaluateRequest struct {
	Event  *models.HealthEventInput  `json:"event,omitempty"`
	Events []models.HealthEventInput `json:"events,omitempty"`
}

// EvaluateResponse combines input rejections with the batch summary.
type EvaluateResponse struct {
	Summary  evaluation.Summary `json:"summary"`
	Rejected int                `json:"rejected"`
	Errors   []EventError       `json:"errors,omitempty"`
}

// EventError describes why one input event was rejected
type EventError struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id,omitempty"`
	Error    string `json:"error"`
}

func (h *EvaluateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := parseBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(inputs) == 0 {
		h.writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	var resp EvaluateResponse
	events := make([]models.HealthEvent, 0, len(inputs))
	for i, in := range inputs {
		ev, err := in.ToEvent()
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, EventError{Index: i, DeviceID: in.DeviceID, Error: err.Error()})
			continue
		}
		events = append(events, ev)
	}

	if len(events) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(resp)
		return
	}

	resp.Summary = h.eval.ProcessBatch(r.Context(), events)

	status := http.StatusOK
	if !resp.Summary.Success {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// parseBody accepts {"events":[...]}, {"event":{...}}, a bare array or a
// bare event.
func parseBody(body []byte) ([]models.HealthEventInput, error) {
	var req EvaluateRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Events) > 0 {
			return req.Events, nil
		}
		if req.Event != nil {
			return []models.HealthEventInput{*req.Event}, nil
		}
	}

	var events []models.HealthEventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	var single models.HealthEventInput
	if err := json.Unmarshal(body, &single); err == nil && (single.DeviceID != "" || single.TenantID != "") {
		return []models.HealthEventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

func (h *EvaluateHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
