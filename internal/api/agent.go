package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/coordinator"
)

// clientIDHeader carries the agent's persistent identifier on the poll
// request.
const clientIDHeader = "x-client-id"

// AgentHandler serves the agent plane: registration, the poll websocket, and
// the metrics endpoint.
type AgentHandler struct {
	coord    *coordinator.Coordinator
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewAgentHandler creates the agent plane handler.
func NewAgentHandler(coord *coordinator.Coordinator, log *zap.Logger) *AgentHandler {
	return &AgentHandler{
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.Named("api.agent"),
	}
}

// NewAgentRouter builds the chi router for the agent plane.
func NewAgentRouter(coord *coordinator.Coordinator, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	h := NewAgentHandler(coord, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log.Named("api.agent")))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Get("/poll", h.Poll)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// Register creates a new client record and returns its generated ID. The
// agent persists the ID and presents it on every later poll.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	id, err := h.coord.Register(r.Context(), r.RemoteAddr)
	if err != nil {
		h.log.Error("registration failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	Created(w, map[string]string{"id": id})
}

// Poll claims the client row, upgrades the connection to a websocket, and
// blocks for the lifetime of the session. The claim happens before the
// upgrade so a duplicate connect is refused with a plain 400 while the
// original session stays untouched.
func (h *AgentHandler) Poll(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(clientIDHeader)
	if clientID == "" {
		ErrBadRequest(w, "missing "+clientIDHeader+" header")
		return
	}

	if err := h.coord.Connect(r.Context(), clientID, r.RemoteAddr); err != nil {
		h.log.Warn("poll refused",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		WriteError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response. Release the row we
		// just claimed or the client is locked out until a restart.
		h.log.Error("websocket upgrade failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		if derr := h.coord.Disconnect(r.Context(), clientID); derr != nil {
			h.log.Error("failed to release client after failed upgrade", zap.Error(derr))
		}
		return
	}

	h.log.Info("agent connected",
		zap.String("client_id", clientID),
		zap.String("remote_addr", r.RemoteAddr),
	)
	h.coord.RunSession(r.Context(), clientID, coordinator.NewWebsocketConn(ws))
}
