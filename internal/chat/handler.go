package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/avatarlabs/voice-gateway/internal/server"
	"github.com/avatarlabs/voice-gateway/internal/telemetry"
	"github.com/avatarlabs/voice-gateway/internal/upstream"
)

// Fixed client-safe messages; raw internal error text never reaches the wire.
const (
	msgTimeout     = "LLM service timed out. Please try again."
	msgUnavailable = "LLM service unavailable."
)

// Handler serves the chat endpoints on top of one shared upstream client.
type Handler struct {
	upstream *upstream.Client
	model    string
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewHandler creates the chat handler. metrics may be nil (e.g. in tests).
func NewHandler(client *upstream.Client, model string, logger *slog.Logger, metrics *telemetry.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{upstream: client, model: model, logger: logger, metrics: metrics}
}

// HandleChat returns one fully aggregated completion.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	text, fragments, err := h.upstream.Complete(r.Context(), req.toUpstream())
	if err != nil {
		h.metrics.ObserveRequest("aggregate", outcomeLabel(err), time.Since(start), fragments)
		h.writeUpstreamError(w, r, err)
		return
	}
	h.metrics.ObserveRequest("aggregate", "ok", time.Since(start), fragments)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ChatResponse{
		Response:   text,
		Model:      h.model,
		TokensUsed: fragments,
	})
}

// HandleChatStream re-frames the upstream fragment stream as SSE for
// progressive rendering. Failures after the stream has started are reported
// inline with a single [ERROR] frame; the transport connection is never
// dropped abruptly.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	start := time.Now()
	results, err := h.upstream.Stream(r.Context(), req.toUpstream())
	if err != nil {
		h.metrics.ObserveRequest("stream", outcomeLabel(err), time.Since(start), 0)
		server.AddError(r.Context(), err)
		fmt.Fprintf(w, "data: [ERROR] %s\n\n", streamErrorMessage(err))
		flusher.Flush()
		return
	}

	fragments := 0
	for res := range results {
		if res.Err != nil {
			h.metrics.ObserveRequest("stream", outcomeLabel(res.Err), time.Since(start), fragments)
			server.AddError(r.Context(), res.Err)
			fmt.Fprintf(w, "data: [ERROR] %s\n\n", streamErrorMessage(res.Err))
			flusher.Flush()
			return
		}
		// Backpressure: the next upstream line is only pulled once this
		// frame has been written and flushed.
		fmt.Fprintf(w, "data: %s\n\n", res.Fragment)
		flusher.Flush()
		fragments++
	}

	if r.Context().Err() != nil {
		// Caller disconnected mid-stream; nothing left to write.
		h.metrics.ObserveRequest("stream", "canceled", time.Since(start), fragments)
		return
	}

	h.metrics.ObserveRequest("stream", "ok", time.Since(start), fragments)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// HandleHealth is a liveness probe, deliberately independent of upstream
// reachability.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if err := req.Validate(); err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	var se *upstream.StatusError
	switch {
	case errors.Is(err, context.Canceled):
		// Caller went away; there is nobody to answer.
	case errors.Is(err, upstream.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, msgTimeout)
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, fmt.Sprintf("LLM returned %d", se.Code))
	default:
		writeError(w, http.StatusBadGateway, msgUnavailable)
	}
}

// streamErrorMessage maps internal failures onto the fixed set of
// client-safe messages used in inline [ERROR] frames.
func streamErrorMessage(err error) string {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return msgTimeout
	case errors.As(err, &se):
		return fmt.Sprintf("LLM returned %d", se.Code)
	default:
		return msgUnavailable
	}
}

func outcomeLabel(err error) string {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, upstream.ErrTimeout):
		return "timeout"
	case errors.As(err, &se):
		return "upstream_status"
	default:
		return "upstream_error"
	}
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return fmt.Sprintf("invalid field %q (%s)", f.Field(), f.Tag())
	}
	return "invalid request"
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
