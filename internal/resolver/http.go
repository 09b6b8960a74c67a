package resolver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// HTTPConfig configures the resolver ops routes.
type HTTPConfig struct {
	// RateLimit is requests per second per client.
	RateLimit   float64
	CORSOrigins []string
	CoinType    string
}

// HTTP serves the resolver's ops routes.
type HTTP struct {
	cfg    *HTTPConfig
	engine *Engine
	link   *Link
	log    *logging.Logger
}

// NewHTTP creates the ops surface. link may be nil when the engine runs
// without a relayer.
func NewHTTP(engine *Engine, link *Link, cfg *HTTPConfig) *HTTP {
	if cfg == nil {
		cfg = &HTTPConfig{}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &HTTP{
		cfg:    cfg,
		engine: engine,
		link:   link,
		log:    logging.GetDefault().Component("resolver-http"),
	}
}

// Handler returns the routed handler.
func (h *HTTP) Handler() http.Handler {
	r := mux.NewRouter()

	lmt := tollbooth.NewLimiter(h.cfg.RateLimit, nil)
	lmt.SetMessage(`{"error":"Too many requests"}`)
	lmt.SetMessageContentType("application/json")
	r.Use(func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	})

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/executions", h.handleListExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/{orderHash}", h.handleGetExecution).Methods(http.MethodGet)
	r.HandleFunc("/executions/{orderHash}/cancel", h.handleCancel).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: h.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

type healthResponse struct {
	Status             string     `json:"status"`
	ResolverID         string     `json:"resolverId"`
	ConnectedToRelayer bool       `json:"connectedToRelayer"`
	LinkState          string     `json:"linkState"`
	LastHeartbeat      *time.Time `json:"lastHeartbeat,omitempty"`
	ActiveExecutions   int        `json:"activeExecutions"`
	Statistics         Stats      `json:"statistics"`
	CoinType           string     `json:"coinType,omitempty"`
}

func (h *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	resp := healthResponse{
		Status:           "healthy",
		ResolverID:       h.engine.cfg.ResolverID,
		LinkState:        "detached",
		ActiveExecutions: stats.Active,
		Statistics:       stats,
		CoinType:         h.cfg.CoinType,
	}
	if h.link != nil {
		resp.ConnectedToRelayer = h.link.Registered()
		resp.LinkState = h.link.State().String()
		if t := h.link.LastHeartbeat(); !t.IsZero() {
			resp.LastHeartbeat = &t
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *HTTP) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs := h.engine.Executions()
	respondJSON(w, http.StatusOK, map[string]interface{}{"executions": execs, "total": len(execs)})
}

func (h *HTTP) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.engine.Execution(mux.Vars(r)["orderHash"])
	if !ok {
		respondError(w, http.StatusNotFound, "Execution not found")
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (h *HTTP) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderHash := mux.Vars(r)["orderHash"]
	exec, err := h.engine.Cancel(r.Context(), orderHash)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, exec)
	case errors.Is(err, ErrExecutionNotFound):
		respondError(w, http.StatusNotFound, "Execution not found")
	case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrNothingToCancel):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("Cancel failed", "order", orderHash, "error", err)
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
