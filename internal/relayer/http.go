package relayer

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/Klingon-tech/klingdex-relay/internal/registry"
	"github.com/Klingon-tech/klingdex-relay/internal/storage"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// Handler returns the HTTP handler serving WebSocket upgrades on /ws (and on
// / for clients that connect to the bare host) plus the ops routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/", s.handleWS).HeadersRegexp("Upgrade", "(?i)^websocket$")

	lmt := tollbooth.NewLimiter(s.cfg.RateLimit, nil)
	lmt.SetMessage(`{"error":"Too many requests"}`)
	lmt.SetMessageContentType("application/json")

	ops := r.NewRoute().Subrouter()
	ops.Use(func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	})
	ops.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	ops.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	ops.HandleFunc("/orders/{orderHash}", s.handleGetOrder).Methods(http.MethodGet)
	ops.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	ops.HandleFunc("/executions/{orderHash}", s.handleGetExecution).Methods(http.MethodGet)
	ops.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	registry.Counts
	Orders           int                    `json:"orders"`
	ActiveExecutions int                    `json:"activeExecutions"`
	Executions       map[tracker.Status]int `json:"executions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.CountOrders()
	if err != nil {
		s.log.Warn("Failed to count orders", "error", err)
	}
	byStatus := s.tracker.CountByStatus()
	active := 0
	for status, n := range byStatus {
		if !status.Terminal() {
			active += n
		}
	}

	respondJSON(w, healthResponse{
		Status:           "healthy",
		Timestamp:        s.dispatcher.now(),
		Counts:           s.registry.Counts(),
		Orders:           orders,
		ActiveExecutions: active,
		Executions:       byStatus,
	})
}

type orderView struct {
	OrderHash   string             `json:"orderHash"`
	Order       json.RawMessage    `json:"order"`
	Signature   string             `json:"signature,omitempty"`
	Extension   string             `json:"extension,omitempty"`
	SrcChainID  uint64             `json:"srcChainId"`
	DstChainID  uint64             `json:"dstChainId"`
	HashLock    string             `json:"hashLock,omitempty"`
	MoveAddress string             `json:"moveAddress,omitempty"`
	Origin      string             `json:"origin"`
	CreatedAt   time.Time          `json:"createdAt"`
	Execution   *tracker.Execution `json:"execution,omitempty"`
}

func (s *Server) viewOrder(rec *storage.OrderRecord) orderView {
	v := orderView{
		OrderHash:   rec.OrderHash,
		Order:       rec.Payload,
		Signature:   rec.Signature,
		Extension:   rec.Extension,
		SrcChainID:  rec.SrcChainID,
		DstChainID:  rec.DstChainID,
		HashLock:    rec.HashLock,
		MoveAddress: rec.MoveAddress,
		Origin:      string(rec.Origin),
		CreatedAt:   rec.CreatedAt.UTC(),
	}
	if exec, ok := s.tracker.Get(rec.OrderHash); ok {
		v.Execution = &exec
	}
	return v
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetOrder(helpers.NormalizeHash(mux.Vars(r)["orderHash"]))
	if errors.Is(err, storage.ErrOrderNotFound) {
		respondError(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		s.log.Error("Failed to load order", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load order")
		return
	}
	respondJSON(w, s.viewOrder(rec))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.store.ListOrders(limit)
	if err != nil {
		s.log.Error("Failed to list orders", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}
	out := make([]orderView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.viewOrder(rec))
	}
	respondJSON(w, map[string]interface{}{"orders": out, "total": len(out)})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs := s.tracker.List()
	if execs == nil {
		execs = []tracker.Execution{}
	}
	respondJSON(w, map[string]interface{}{"executions": execs, "total": len(execs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.tracker.Get(helpers.NormalizeHash(mux.Vars(r)["orderHash"]))
	if !ok {
		respondError(w, http.StatusNotFound, "Execution not found")
		return
	}
	respondJSON(w, exec)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.Connections()
	respondJSON(w, map[string]interface{}{"connections": conns, "total": len(conns)})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
