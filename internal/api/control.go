package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/control"
)

// ControlHandler serves the operator control plane. It listens on a unix
// domain socket, so filesystem permissions are the only access control.
type ControlHandler struct {
	svc *control.Service
	log *zap.Logger
}

// NewControlHandler creates the control plane handler.
func NewControlHandler(svc *control.Service, log *zap.Logger) *ControlHandler {
	return &ControlHandler{svc: svc, log: log.Named("api.control")}
}

// NewControlRouter builds the chi router for the control plane.
func NewControlRouter(svc *control.Service, log *zap.Logger) http.Handler {
	h := NewControlHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log.Named("api.control")))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/clients", h.List)
		r.Post("/clients/{id}/ping", h.Ping)
		r.Post("/clients/{id}/purge", h.Purge)
		r.Post("/clients/{id}/shell", h.Shell)
	})

	return r
}

// List returns every registered client.
func (h *ControlHandler) List(w http.ResponseWriter, r *http.Request) {
	clients, err := h.svc.List(r.Context())
	if err != nil {
		h.log.Error("list failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	Ok(w, map[string]any{"clients": clients})
}

// Ping runs a ping round trip against the client. Blocks until the pong
// arrives or the ping timeout expires.
func (h *ControlHandler) Ping(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	if err := h.svc.Ping(r.Context(), clientID); err != nil {
		h.log.Warn("ping failed", zap.String("client_id", clientID), zap.Error(err))
		WriteError(w, err)
		return
	}
	Ok(w, struct{}{})
}

// Purge tells the client to remove itself and confirms the acknowledgement.
func (h *ControlHandler) Purge(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	text, err := h.svc.Purge(r.Context(), clientID)
	if err != nil {
		h.log.Warn("purge failed", zap.String("client_id", clientID), zap.Error(err))
		WriteError(w, err)
		return
	}
	Ok(w, map[string]string{"text": text})
}

// shellRequest is the body of a shell call. Stdin is base64 per
// encoding/json's []byte handling.
type shellRequest struct {
	Cmd   string   `json:"cmd"`
	Args  []string `json:"args"`
	Stdin []byte   `json:"stdin"`
}

// Shell runs a command on the client and returns captured output. This call
// can block for up to the shell timeout (an hour by default).
func (h *ControlHandler) Shell(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")

	var req shellRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Cmd == "" {
		ErrBadRequest(w, "cmd is required")
		return
	}

	out, err := h.svc.Shell(r.Context(), control.ShellRequest{
		ClientID: clientID,
		Cmd:      req.Cmd,
		Args:     req.Args,
		Stdin:    req.Stdin,
	})
	if err != nil {
		h.log.Warn("shell failed", zap.String("client_id", clientID), zap.Error(err))
		WriteError(w, err)
		return
	}
	Ok(w, out)
}
