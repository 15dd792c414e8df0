package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/ruteri/tee-module-deployer/connection"
	"github.com/ruteri/tee-module-deployer/deployment"
	"github.com/ruteri/tee-module-deployer/wire"
	"golang.org/x/sync/errgroup"
)

// maxBodySize is the largest argument accepted by call and output requests.
const maxBodySize = 64 * 1024

// Handler serves the status and call API of one deployment.
type Handler struct {
	deployment *deployment.Deployment
	log        *slog.Logger

	persistMu sync.Mutex
	persist   func(*deployment.Deployment) error
}

func NewHandler(d *deployment.Deployment, log *slog.Logger) *Handler {
	return &Handler{deployment: d, log: log}
}

// WithPersist saves the deployment through fn after every call or output,
// before the response is written. A direct connection nonce is therefore on
// disk before its ciphertext is acknowledged.
func (h *Handler) WithPersist(fn func(*deployment.Deployment) error) *Handler {
	h.persist = fn
	return h
}

func (h *Handler) persistState() error {
	if h.persist == nil {
		return nil
	}
	h.persistMu.Lock()
	defer h.persistMu.Unlock()
	return h.persist(h.deployment)
}

// ModuleStatus is the public view of a module. Keys are never exposed.
type ModuleStatus struct {
	Name        string `json:"name"`
	Family      string `json:"family"`
	Node        string `json:"node"`
	Priority    *int   `json:"priority,omitempty"`
	Deployed    bool   `json:"deployed"`
	ID          uint16 `json:"id,omitempty"`
	Connections int    `json:"connections"`
}

type ConnectionStatus struct {
	ID          uint16 `json:"id"`
	Name        string `json:"name,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	Encryption  string `json:"encryption"`
	Direct      bool   `json:"direct"`
	Established bool   `json:"established"`
	Nonce       uint32 `json:"nonce,omitempty"`
}

// HandleModules lists every module with what is known about it so far.
//
// URL format: GET /api/modules
func (h *Handler) HandleModules(w http.ResponseWriter, r *http.Request) {
	out := make([]ModuleStatus, 0, len(h.deployment.Modules))
	for _, m := range h.deployment.Modules {
		s := m.State()
		status := ModuleStatus{
			Name:        s.Name,
			Family:      string(s.Family),
			Node:        s.Node,
			Deployed:    s.Deployed,
			ID:          s.ID,
			Connections: m.Connections(),
		}
		if p, ok := m.Priority(); ok {
			status.Priority = &p
		}
		out = append(out, status)
	}
	h.writeJSON(w, out)
}

// HandleConnections lists every connection.
//
// URL format: GET /api/connections
func (h *Handler) HandleConnections(w http.ResponseWriter, r *http.Request) {
	out := make([]ConnectionStatus, 0, len(h.deployment.Connections))
	for _, c := range h.deployment.Connections {
		status := ConnectionStatus{
			ID:          c.ID,
			Name:        c.Name,
			To:          c.To.String(),
			Encryption:  c.Encryption.String(),
			Direct:      c.Direct(),
			Established: c.Established(),
		}
		if c.Direct() {
			status.Nonce = c.Nonce()
		} else {
			status.From = c.From.String()
		}
		out = append(out, status)
	}
	h.writeJSON(w, out)
}

// HandleCall invokes an entry point of a deployed module. The request body is
// the raw argument; the response body is the raw result.
//
// URL format: POST /api/call/{module}/{entry}
func (h *Handler) HandleCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("module")
	m := h.deployment.Module(name)
	if m == nil {
		http.Error(w, "Unknown module", http.StatusNotFound)
		return
	}

	arg, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry := r.PathValue("entry")
	res, err := m.Call(r.Context(), entry, arg)
	if err != nil {
		h.log.Error("Call failed", "err", err, "module", name, "entry", entry)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	if err := h.persistState(); err != nil {
		h.log.Error("Failed to persist deployment", "err", err, "module", name)
		http.Error(w, "Failed to persist deployment state", http.StatusInternalServerError)
		return
	}

	h.log.Info("Called entry point", "module", name, "entry", entry, "response", hex.EncodeToString(res))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(res)
}

// HandleOutput sends the request body over a direct connection.
//
// URL format: POST /api/output/{connection}
func (h *Handler) HandleOutput(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("connection"), 10, 16)
	if err != nil {
		http.Error(w, "Invalid connection id", http.StatusBadRequest)
		return
	}

	c := h.deployment.Connection(uint16(id))
	if c == nil {
		http.Error(w, "Unknown connection", http.StatusNotFound)
		return
	}

	value, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := c.Output(r.Context(), value)
	if err != nil {
		h.log.Error("Output failed", "err", err, "connection", id)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	if err := h.persistState(); err != nil {
		h.log.Error("Failed to persist connection nonce", "err", err, "connection", id)
		http.Error(w, "Failed to persist deployment state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(res)
}

// PingNodes pings every node concurrently.
func (h *Handler) PingNodes(ctx context.Context) error {
	var g errgroup.Group
	for _, n := range h.deployment.Nodes {
		g.Go(func() error { return n.Ping(ctx) })
	}
	return g.Wait()
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

// statusFor maps node and connection errors to HTTP statuses.
func statusFor(err error) int {
	var resErr *wire.ResultError
	switch {
	case errors.Is(err, connection.ErrNotDirect):
		return http.StatusBadRequest
	case errors.As(err, &resErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
