package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"s7link/config"
	"s7link/engine"
)

// writeEngineError maps engine sentinel errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) writeOK(w http.ResponseWriter) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) writeCreated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "created"})
}

func (h *handlers) handleListReporters(w http.ResponseWriter, r *http.Request) {
	list := h.engine.ListReporters()
	if list == nil {
		list = []engine.ReporterStatus{}
	}
	h.writeJSON(w, list)
}

func pathParams(r *http.Request) (kind, name string, err error) {
	name, err = url.PathUnescape(chi.URLParam(r, "name"))
	return chi.URLParam(r, "kind"), name, err
}

func (h *handlers) handleStartReporter(w http.ResponseWriter, r *http.Request) {
	kind, name, err := pathParams(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in name")
		return
	}
	if err := h.engine.StartReporter(kind, name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeOK(w)
}

func (h *handlers) handleStopReporter(w http.ResponseWriter, r *http.Request) {
	kind, name, err := pathParams(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in name")
		return
	}
	if err := h.engine.StopReporter(kind, name); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeOK(w)
}

func (h *handlers) handleDeleteReporter(w http.ResponseWriter, r *http.Request) {
	kind, name, err := pathParams(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in name")
		return
	}
	switch kind {
	case "mqtt":
		err = h.engine.DeleteMQTT(name)
	case "valkey":
		err = h.engine.DeleteValkey(name)
	case "kafka":
		err = h.engine.DeleteKafka(name)
	default:
		h.writeError(w, http.StatusBadRequest, "unknown reporter kind: "+kind)
		return
	}
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeOK(w)
}

// --- MQTT ---

type mqttRequest struct {
	Name     string `json:"name"`
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Selector string `json:"selector"`
	UseTLS   bool   `json:"use_tls"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
	Enabled  bool   `json:"enabled"`
}

func (h *handlers) handleCreateMQTT(w http.ResponseWriter, r *http.Request) {
	var req mqttRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := config.DefaultMQTTConfig(req.Name)
	c.Broker = req.Broker
	if req.Port != 0 {
		c.Port = req.Port
	}
	if req.ClientID != "" {
		c.ClientID = req.ClientID
	}
	c.Username = req.Username
	c.Password = req.Password
	c.Selector = req.Selector
	c.UseTLS = req.UseTLS
	c.QoS = req.QoS
	c.Retain = req.Retain
	c.Enabled = req.Enabled

	if err := h.engine.CreateMQTT(c); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeCreated(w)
}

// --- Valkey ---

type valkeyRequest struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Password       string `json:"password"`
	Database       int    `json:"database"`
	Selector       string `json:"selector"`
	UseTLS         bool   `json:"use_tls"`
	KeyTTL         string `json:"key_ttl"`
	PublishChanges bool   `json:"publish_changes"`
	Enabled        bool   `json:"enabled"`
}

func (h *handlers) handleCreateValkey(w http.ResponseWriter, r *http.Request) {
	var req valkeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := config.DefaultValkeyConfig(req.Name)
	c.Address = req.Address
	c.Password = req.Password
	c.Database = req.Database
	c.Selector = req.Selector
	c.UseTLS = req.UseTLS
	c.PublishChanges = req.PublishChanges
	c.Enabled = req.Enabled
	if req.KeyTTL != "" {
		d, err := time.ParseDuration(req.KeyTTL)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid key_ttl: "+err.Error())
			return
		}
		c.KeyTTL = d
	}

	if err := h.engine.CreateValkey(c); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeCreated(w)
}

// --- Kafka ---

type kafkaRequest struct {
	Name          string   `json:"name"`
	Brokers       []string `json:"brokers"`
	UseTLS        bool     `json:"use_tls"`
	TLSSkipVerify bool     `json:"tls_skip_verify"`
	SASLMechanism string   `json:"sasl_mechanism"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	RequiredAcks  *int     `json:"required_acks"`
	MaxRetries    *int     `json:"max_retries"`
	Topic         string   `json:"topic"`
	Selector      string   `json:"selector"`
	AutoCreate    *bool    `json:"auto_create_topics"`
	Enabled       bool     `json:"enabled"`
}

func (h *handlers) handleCreateKafka(w http.ResponseWriter, r *http.Request) {
	var req kafkaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := config.DefaultKafkaConfig(req.Name)
	c.Brokers = req.Brokers
	c.UseTLS = req.UseTLS
	c.TLSSkipVerify = req.TLSSkipVerify
	c.SASLMechanism = req.SASLMechanism
	c.Username = req.Username
	c.Password = req.Password
	if req.RequiredAcks != nil {
		c.RequiredAcks = *req.RequiredAcks
	}
	if req.MaxRetries != nil {
		c.MaxRetries = *req.MaxRetries
	}
	c.Topic = req.Topic
	c.Selector = req.Selector
	c.AutoCreateTopics = req.AutoCreate
	c.Enabled = req.Enabled

	if err := h.engine.CreateKafka(c); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeCreated(w)
}
