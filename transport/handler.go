package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kthguru/ceph/paxos"
	"github.com/kthguru/ceph/wire"
)

// Handler exposes a Machine's message-dispatch and client-facing service
// API over HTTP, grounded on the teacher's HTTPHandler.
type Handler struct {
	machine *paxos.Machine
}

// NewHandler wraps machine for HTTP access.
func NewHandler(machine *paxos.Machine) *Handler {
	return &Handler{machine: machine}
}

// RegisterHandlers wires every route this replica serves onto mux.
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/message", h.handleMessage)
	mux.HandleFunc("/propose", h.handlePropose)
	mux.HandleFunc("/read", h.handleRead)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/stash", h.handleStash)
	mux.HandleFunc("/trim", h.handleTrim)
}

// handleMessage decodes an inbound Paxos wire message and dispatches it
// onto the Machine's event loop.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := wire.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.machine.Dispatch(msg)
	w.WriteHeader(http.StatusOK)
}

type proposeRequestBody struct {
	RequestID string `json:"request_id"`
	Value     []byte `json:"value"`
}

type proposeResponseBody struct {
	Version uint64 `json:"version"`
	Error   string `json:"error,omitempty"`
}

// handlePropose implements the client-facing write path: submit a value
// to propose_new_value and block until it commits, times out, or the
// round is abandoned.
func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body proposeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID := wire.NewRequestID()
	if body.RequestID != "" {
		parsed, err := uuid.Parse(body.RequestID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid request_id: %v", err), http.StatusBadRequest)
			return
		}
		requestID = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	result := make(chan proposeResponseBody, 1)
	err := h.machine.ProposeNewValue(ctx, wire.ProposeRequest{RequestID: requestID, Value: body.Value}, func(version uint64, err error) {
		resp := proposeResponseBody{Version: version}
		if err != nil {
			resp.Error = err.Error()
		}
		result <- resp
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, proposeResponseBody{Error: err.Error()})
		return
	}

	select {
	case resp := <-result:
		if resp.Error != "" {
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, proposeResponseBody{Error: ctx.Err().Error()})
	}
}

type readResponseBody struct {
	Version uint64 `json:"version"`
	Value   []byte `json:"value"`
	Error   string `json:"error,omitempty"`
}

// handleRead implements the client-facing read path: read_current when
// no version is specified, or read(v) otherwise.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("version")
	if q == "" {
		v, val, err := h.machine.ReadCurrent()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, readResponseBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, readResponseBody{Version: v, Value: val})
		return
	}

	var v uint64
	if _, err := fmt.Sscanf(q, "%d", &v); err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}
	val, err := h.machine.Read(v)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, readResponseBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, readResponseBody{Version: v, Value: val})
}

type statusResponseBody struct {
	Active         bool   `json:"active"`
	Updating       bool   `json:"updating"`
	Recovering     bool   `json:"recovering"`
	Writeable      bool   `json:"writeable"`
	LastCommitted  uint64 `json:"last_committed"`
	FirstCommitted uint64 `json:"first_committed"`
}

// handleStatus implements the supplemented diagnostic endpoint of
// SPEC_FULL.md §7, grounded on the teacher's /health.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponseBody{
		Active:         h.machine.IsActive(),
		Updating:       h.machine.IsUpdating(),
		Recovering:     h.machine.IsRecovering(),
		Writeable:      h.machine.IsWriteable(),
		LastCommitted:  h.machine.GetVersion(),
		FirstCommitted: h.machine.GetFirstCommitted(),
	})
}

type stashRequestBody struct {
	Version uint64 `json:"version"`
	Value   []byte `json:"value"`
}

type stashResponseBody struct {
	Version uint64 `json:"version"`
	Value   []byte `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleStash implements spec.md §6's stash_latest/get_stashed: the
// garbage-collection policy this module treats as an external
// collaborator (spec.md §1) calls POST to consolidate a snapshot before
// trimming, and GET to inspect what is currently stashed.
func (h *Handler) handleStash(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		version, value, ok, err := h.machine.GetStashed()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, stashResponseBody{Error: err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, stashResponseBody{})
			return
		}
		writeJSON(w, http.StatusOK, stashResponseBody{Version: version, Value: value})

	case http.MethodPost:
		var body stashRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.machine.StashLatest(body.Version, body.Value); err != nil {
			writeJSON(w, http.StatusInternalServerError, stashResponseBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stashResponseBody{Version: body.Version})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type trimResponseBody struct {
	FirstCommitted uint64 `json:"first_committed"`
	Error          string `json:"error,omitempty"`
}

// handleTrim implements spec.md §6's trim_to(v, force): the garbage
// collector calls this once it has stashed a consolidated snapshot
// covering everything it wants dropped.
func (h *Handler) handleTrim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var newFirst uint64
	if _, err := fmt.Sscanf(r.URL.Query().Get("first"), "%d", &newFirst); err != nil {
		http.Error(w, "invalid or missing first", http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := h.machine.TrimTo(newFirst, force); err != nil {
		writeJSON(w, http.StatusConflict, trimResponseBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, trimResponseBody{FirstCommitted: h.machine.GetFirstCommitted()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
