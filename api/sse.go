package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"s7link/engine"
	"s7link/logging"
)

// SSE event type constants.
const (
	eventOutcome    = "outcome"
	eventConnection = "connection"
	eventReporter   = "reporter"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	Data interface{}
}

// apiConnectionUpdate is the JSON payload for connection events.
type apiConnectionUpdate struct {
	Event           string `json:"event"`
	SourceRef       int16  `json:"src_ref"`
	DestinationRef  int16  `json:"dst_ref"`
	SourceTSAP      string `json:"src_tsap"`
	DestinationTSAP string `json:"dst_tsap"`
}

// apiReporterUpdate is the JSON payload for reporter events.
type apiReporterUpdate struct {
	Event string `json:"event"`
	Kind  string `json:"kind"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "sse client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "sse broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves the /events SSE endpoint. ?types=outcome,reporter
// filters by event type; ?failed=true only streams failed outcomes.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	failedOnly := r.URL.Query().Get("failed") == "true"

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if failedOnly {
				if m, ok := event.Data.(engine.OutcomeMessage); ok && !m.Failed() {
					continue
				}
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes to the engine's event bus and forwards events to
// the hub. Returns a cleanup function that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	h.subID = h.engine.Events.Subscribe(func(ev engine.Event) {
		if h.hub.ClientCount() == 0 {
			return
		}
		switch p := ev.Payload.(type) {
		case engine.JobEvent:
			h.hub.Broadcast(sseEvent{Type: eventOutcome, Data: p.Outcome})
		case engine.ConnectionEvent:
			h.hub.Broadcast(sseEvent{Type: eventConnection, Data: apiConnectionUpdate{
				Event:           ev.Type.String(),
				SourceRef:       p.SourceReference,
				DestinationRef:  p.DestinationReference,
				SourceTSAP:      fmt.Sprintf("%x", p.SourceTSAP),
				DestinationTSAP: fmt.Sprintf("%x", p.DestinationTSAP),
			}})
		case engine.ServiceEvent:
			u := apiReporterUpdate{Event: ev.Type.String(), Kind: p.Kind, Name: p.Name}
			if p.Err != nil {
				u.Error = p.Err.Error()
			}
			h.hub.Broadcast(sseEvent{Type: eventReporter, Data: u})
		}
	})

	return func() {
		h.engine.Events.Unsubscribe(h.subID)
		h.hub.Stop()
	}
}
