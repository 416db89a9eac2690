// Package api provides the HTTP status API: dispatcher counters, recent
// job outcomes, a live event stream, frame decoding and reporter control.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"s7link/engine"
	"s7link/s7"
)

// maxDecodeBody bounds POST /decode bodies. A hex-encoded TPKT frame is
// at most 2*65535 characters.
const maxDecodeBody = 1 << 18

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Namespace          string                  `json:"namespace"`
	Context            ContextResponse         `json:"context"`
	Stats              s7.Stats                `json:"stats"`
	PendingConnections int                     `json:"pending_connections"`
	Reporters          []engine.ReporterStatus `json:"reporters"`
	Timestamp          string                  `json:"timestamp"`
}

// ContextResponse is the JSON form of the session context.
type ContextResponse struct {
	SourceTSAP      string `json:"src_tsap"`
	DestinationTSAP string `json:"dst_tsap"`
	TPDUSize        int    `json:"tpdu_size"`
	PDUSize         uint16 `json:"pdu_size"`
	SourceReference int16  `json:"src_ref"`
	JobTimeout      string `json:"job_timeout,omitempty"`
}

// DecodeRequest is the JSON request for POST /decode.
type DecodeRequest struct {
	Hex string `json:"hex"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
	subID  engine.SubscriberID
}

// NewRouter creates the status API router. The returned function stops
// the event stream and must be called when the router is discarded.
func NewRouter(e *engine.Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: e, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/", h.handleStatus)
	r.Get("/status", h.handleStatus)
	r.Get("/outcomes", h.handleOutcomes)
	r.Get("/events", h.handleSSE)
	r.Post("/decode", h.handleDecode)

	r.Route("/reporters", func(r chi.Router) {
		r.Get("/", h.handleListReporters)
		r.Post("/mqtt", h.handleCreateMQTT)
		r.Post("/valkey", h.handleCreateValkey)
		r.Post("/kafka", h.handleCreateKafka)
		r.Delete("/{kind}/{name}", h.handleDeleteReporter)
		r.Post("/{kind}/{name}/start", h.handleStartReporter)
		r.Post("/{kind}/{name}/stop", h.handleStopReporter)
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := h.engine.Context()
	resp := StatusResponse{
		Namespace: h.engine.Namespace(),
		Context: ContextResponse{
			SourceTSAP:      hex.EncodeToString(c.SourceTSAP),
			DestinationTSAP: hex.EncodeToString(c.DestinationTSAP),
			TPDUSize:        c.TPDUBytes(),
			PDUSize:         c.PDUSize,
			SourceReference: c.SourceReference,
		},
		Stats:              h.engine.Stats(),
		PendingConnections: h.engine.PendingConnections(),
		Reporters:          h.engine.ListReporters(),
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}
	if c.JobTimeout > 0 {
		resp.Context.JobTimeout = c.JobTimeout.String()
	}
	if resp.Reporters == nil {
		resp.Reporters = []engine.ReporterStatus{}
	}
	h.writeJSON(w, resp)
}

// handleOutcomes serves recent outcomes, newest first. ?since=RFC3339
// returns outcomes after that time, oldest first.
func (h *handlers) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		out := h.engine.Since(ts)
		if out == nil {
			out = []engine.OutcomeMessage{}
		}
		h.writeJSON(w, out)
		return
	}

	n := 0
	if s := q.Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = v
	}
	h.writeJSON(w, h.engine.Recent(n))
}

// handleDecode accepts a hex-encoded TPKT frame, as a JSON DecodeRequest
// or a bare body, and returns its decoded summary.
func (h *handlers) handleDecode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDecodeBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var req DecodeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		text = req.Hex
	}

	frame, err := parseHex(text)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid hex: "+err.Error())
		return
	}

	summary, err := s7.Inspect(frame)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, s7.ErrMalformedDatagram) || errors.Is(err, s7.ErrUnsupportedJob) {
			status = http.StatusUnprocessableEntity
		}
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, summary)
}

// parseHex accepts hex with optional whitespace, colons and a 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}
