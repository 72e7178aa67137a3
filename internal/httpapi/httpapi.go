// Package httpapi implements the control plane's REST surface described in
// spec.md section 6: node registry management, match placement/routing, and
// autoscaler recommendations.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/infrastructure/httputil"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
	"github.com/ireland-samantha/forgefleet/infrastructure/metrics"
	"github.com/ireland-samantha/forgefleet/infrastructure/middleware"
	"github.com/ireland-samantha/forgefleet/internal/autoscaler"
	"github.com/ireland-samantha/forgefleet/internal/registry"
	"github.com/ireland-samantha/forgefleet/internal/router"
	"github.com/ireland-samantha/forgefleet/internal/wsproxy"
)

const roleOperator = "operator"

// Server wires the registry, router, and autoscaler into a gorilla/mux
// handler tree guarded by bearer-token auth.
type Server struct {
	router *mux.Router
	health *middleware.HealthChecker

	reg    *registry.Registry
	rtr    *router.Router
	asc    *autoscaler.Autoscaler
	cfg    config.ClusterConfig
	logger *logging.Logger
	m      *metrics.Metrics
}

// NewServer builds the control plane's HTTP handler tree. A nil logger
// defaults to a service-named logger rather than propagating nil into every
// middleware and handler that assumes one is present.
func NewServer(cfg config.ClusterConfig, reg *registry.Registry, rtr *router.Router, asc *autoscaler.Autoscaler, logger *logging.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NewFromEnv("controlplane")
	}

	health := middleware.NewHealthChecker("forgefleet-controlplane")
	health.RegisterCheck("registry", func() error {
		if reg == nil {
			return errors.Internal("registry not wired", nil)
		}
		return nil
	})

	s := &Server{
		router: mux.NewRouter(),
		health: health,
		reg:    reg,
		rtr:    rtr,
		asc:    asc,
		cfg:    cfg,
		logger: logger,
		m:      m,
	}
	s.routes()
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	auth := middleware.NewBearerAuthMiddleware(middleware.BearerAuthConfig{
		Secret:    s.cfg.AuthTokenSecret,
		Logger:    s.logger,
		SkipPaths: []string{"/healthz", "/livez"},
	})

	recovery := middleware.NewRecoveryMiddleware(s.logger)
	cors := middleware.NewCORSMiddleware(nil)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	bodyLimit := middleware.NewBodyLimitMiddleware(1 << 20)
	timeout := middleware.NewTimeoutMiddleware(s.cfg.HTTP.ProxyTimeout)
	limiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(s.logger))

	s.router.Use(recovery.Handler)
	s.router.Use(middleware.LoggingMiddleware(s.logger))
	if s.m != nil {
		s.router.Use(middleware.MetricsMiddleware("controlplane", s.m))
	}
	s.router.Use(cors.Handler)
	s.router.Use(securityHeaders.Handler)
	s.router.Use(bodyLimit.Handler)
	s.router.Use(timeout.Handler)
	s.router.Use(limiter.Handler)

	s.router.HandleFunc("/healthz", s.health.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(auth.Handler)

	// Registration and every operator-only action (drain, deregister,
	// autoscaler acknowledge) are rarer and more consequential than a
	// heartbeat, so they share the stricter of the two rate limiter
	// presets on top of the global one, rather than the heartbeat-sized
	// budget every other route gets.
	sensitiveLimiter := middleware.NewRateLimiterFromConfig(middleware.StrictRateLimiterConfig(s.logger))
	api.Handle("/nodes/register", sensitiveLimiter.Handler(http.HandlerFunc(s.handleRegisterNode))).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{nodeId}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	operatorOnly := middleware.RequireRole(roleOperator)
	api.Handle("/nodes/{nodeId}/drain", sensitiveLimiter.Handler(operatorOnly(http.HandlerFunc(s.handleDrain)))).Methods(http.MethodPost)
	api.Handle("/nodes/{nodeId}", sensitiveLimiter.Handler(operatorOnly(http.HandlerFunc(s.handleDeregister)))).Methods(http.MethodDelete)

	api.HandleFunc("/cluster", s.handleClusterSummary).Methods(http.MethodGet)

	api.HandleFunc("/matches", s.handleCreateMatch).Methods(http.MethodPost)
	api.HandleFunc("/matches/{matchId}", s.handleGetMatch).Methods(http.MethodGet)
	api.HandleFunc("/matches/{matchId}", s.handleDeleteMatch).Methods(http.MethodDelete)
	api.HandleFunc("/matches/{matchId}/commands", s.handleSubmitCommand).Methods(http.MethodPost)
	api.HandleFunc("/matches/{matchId}/snapshot", s.handleGetSnapshot).Methods(http.MethodGet)

	api.HandleFunc("/autoscaler/recommendation", s.handleAutoscalerRecommendation).Methods(http.MethodGet)
	api.HandleFunc("/autoscaler/status", s.handleAutoscalerStatus).Methods(http.MethodGet)
	api.Handle("/autoscaler/acknowledge", sensitiveLimiter.Handler(operatorOnly(http.HandlerFunc(s.handleAutoscalerAcknowledge)))).Methods(http.MethodPost)

	ws := s.router.PathPrefix("/ws").Subrouter()
	ws.Use(auth.Handler)
	wsproxy.NewServer(s.rtr, s.logger).Routes(ws)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("unexpected error", err)
	}
	if s.logger != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}

// --- Node registry -----------------------------------------------------

type registerNodeRequest struct {
	NodeID   string             `json:"nodeId"`
	Address  string             `json:"address"`
	Capacity *registry.Capacity `json:"capacity"`
	Labels   map[string]string  `json:"labels"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Address == "" {
		s.writeServiceError(w, r, errors.MissingParameter("address"))
		return
	}
	normalizedAddr, _, err := httputil.NormalizeNodeAddress(req.Address)
	if err != nil {
		s.writeServiceError(w, r, errors.InvalidInput("address", err.Error()))
		return
	}
	req.Address = normalizedAddr

	capacity := registry.Capacity{
		MaxContainers: s.cfg.DefaultCapacity.MaxContainers,
		MaxMatches:    s.cfg.DefaultCapacity.MaxMatches,
	}
	if req.Capacity != nil {
		capacity = *req.Capacity
	}

	node, err := s.reg.Register(req.NodeID, req.Address, capacity, req.Labels)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.RespondCreated(w, node)
}

type heartbeatRequest struct {
	ContainerCount int     `json:"containerCount"`
	MatchCount     int     `json:"matchCount"`
	CPUUsagePct    float64 `json:"cpuUsagePct"`
	MemoryUsedMB   float64 `json:"memoryUsedMb"`
	MemoryMaxMB    float64 `json:"memoryMaxMb"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	var req heartbeatRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	err := s.reg.Heartbeat(nodeID, registry.NodeMetrics{
		ContainerCount: req.ContainerCount,
		MatchCount:     req.MatchCount,
		CPUUsagePct:    req.CPUUsagePct,
		MemoryUsedMB:   req.MemoryUsedMB,
		MemoryMaxMB:    req.MemoryMaxMB,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	if err := s.reg.Drain(nodeID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	if err := s.reg.Deregister(nodeID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

type clusterSummary struct {
	Nodes          []registry.Node `json:"nodes"`
	HealthyCount   int             `json:"healthyCount"`
	ContainerCount int             `json:"containerCount"`
	MaxContainers  int             `json:"maxContainers"`
}

func (s *Server) handleClusterSummary(w http.ResponseWriter, r *http.Request) {
	healthy, containerCount, maxContainers := s.reg.AggregateSaturation()
	httputil.WriteJSON(w, http.StatusOK, clusterSummary{
		Nodes:          s.reg.List(),
		HealthyCount:   healthy,
		ContainerCount: containerCount,
		MaxContainers:  maxContainers,
	})
}

// --- Match placement and routing ---------------------------------------

type createMatchRequest struct {
	Modules []string `json:"modules"`
	AIs     []string `json:"ais"`
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	start := time.Now()
	rec, err := s.rtr.PlaceMatch(r.Context(), router.PlacementRequest{Modules: req.Modules, AIs: req.AIs})
	if s.m != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.m.RecordPlacement("controlplane", status, time.Since(start))
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.RespondCreated(w, rec)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	rec, err := s.rtr.GetMatch(matchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	if err := s.rtr.DeleteMatch(r.Context(), matchID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

type submitCommandRequest struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]
	var req submitCommandRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	start := time.Now()
	result, err := s.rtr.SubmitCommand(r.Context(), matchID, router.CommandPayload{Name: req.Name, Params: req.Params})
	if s.m != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.m.RecordNodeProxyCall("controlplane", "submitCommand", status, time.Since(start))
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]

	start := time.Now()
	snap, err := s.rtr.GetSnapshot(r.Context(), matchID)
	if s.m != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.m.RecordNodeProxyCall("controlplane", "getSnapshot", status, time.Since(start))
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// --- Autoscaler ----------------------------------------------------------

func (s *Server) handleAutoscalerRecommendation(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.asc.Evaluate())
}

func (s *Server) handleAutoscalerStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.asc.Status())
}

func (s *Server) handleAutoscalerAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.asc.Acknowledge(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
