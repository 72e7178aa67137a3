// Package nodeapi is the engine node's internal HTTP surface: it hosts one
// container.Container per match and answers the control plane's forwarded
// createMatch/command/snapshot/delete calls (see internal/nodeclient for the
// caller side). Each match lives in its own ECS container, one per
// containerId; this implementation keeps a single match per container
// (localMatchId is always 0 in the clusterMatchId it is addressed by),
// leaving container pooling across matches as a capacity tuning the control
// plane does at the node-count level instead.
package nodeapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/infrastructure/httputil"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
	"github.com/ireland-samantha/forgefleet/internal/clustermatch"
	"github.com/ireland-samantha/forgefleet/internal/container"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ModuleFactory builds a fresh instance of a named simulation module. The
// node hosts whatever modules the cluster operator has registered; modules
// named in a createMatch request that have no factory are rejected.
type ModuleFactory func() container.Module

// commandHandlerSource is implemented by modules that also register command
// handlers on the container hosting them, alongside their per-tick logic.
type commandHandlerSource interface {
	CommandHandlers() map[string]container.CommandHandler
}

// Server is the engine node's match host. Matches are keyed on containerId:
// the control plane addresses them by the full clusterMatchId
// (nodeId-containerId-localMatchId), but the node only needs the containerId
// segment to find the right instance.
type Server struct {
	mu      sync.Mutex
	matches map[int]*container.Container
	nextID  int

	factories    map[string]ModuleFactory
	tickInterval time.Duration
	logger       *logging.Logger
}

// NewServer creates a node match host. tickInterval, if positive, is passed
// to each new container's Play() so it auto-advances.
func NewServer(factories map[string]ModuleFactory, tickInterval time.Duration, logger *logging.Logger) *Server {
	if factories == nil {
		factories = make(map[string]ModuleFactory)
	}
	return &Server{
		matches:      make(map[int]*container.Container),
		factories:    factories,
		tickInterval: tickInterval,
		logger:       logger,
	}
}

// Routes mounts the node's internal API onto r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/internal/matches", s.handleCreateMatch).Methods(http.MethodPost)
	r.HandleFunc("/internal/matches/{matchId}/commands", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/internal/matches/{matchId}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/internal/matches/{matchId}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/internal/matches/{matchId}/ws/snapshots", s.handleSnapshotStream)
	r.HandleFunc("/internal/containers/{containerId}/errors", s.handleErrorStream)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("unexpected error", err)
	}
	if s.logger != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("nodeapi request failed")
	}
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}

type createMatchRequest struct {
	Modules []string `json:"modules"`
	AIs     []string `json:"ais"`
}

type createMatchResponse struct {
	ContainerID int `json:"containerId"`
}

func (s *Server) buildModules(names []string) ([]container.Module, error) {
	modules := make([]container.Module, 0, len(names))
	for _, name := range names {
		factory, ok := s.factories[name]
		if !ok {
			return nil, errors.InvalidInput("modules", "unknown module: "+name)
		}
		modules = append(modules, factory())
	}
	return modules, nil
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	modules, err := s.buildModules(req.Modules)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	c := container.New(modules)
	for _, m := range modules {
		if src, ok := m.(commandHandlerSource); ok {
			for name, handler := range src.CommandHandlers() {
				c.RegisterCommandHandler(name, handler)
			}
		}
	}
	if err := c.Start(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if s.tickInterval > 0 {
		if err := c.Play(s.tickInterval); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	s.mu.Lock()
	s.nextID++
	containerID := s.nextID
	s.matches[containerID] = c
	s.mu.Unlock()

	httputil.RespondCreated(w, createMatchResponse{ContainerID: containerID})
}

func (s *Server) containerFor(containerID int) (*container.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.matches[containerID]
	if !ok {
		return nil, errors.NotFound("match", strconv.Itoa(containerID))
	}
	return c, nil
}

type commandRequest struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := clustermatch.Parse(mux.Vars(r)["matchId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var req commandRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	c, err := s.containerFor(id.ContainerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	c.SubmitCommand(container.Command{Name: req.Name, Params: req.Params})
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := clustermatch.Parse(mux.Vars(r)["matchId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	c, err := s.containerFor(id.ContainerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	subID, snapshotCh := c.Subscribe()
	defer c.Unsubscribe(subID)

	select {
	case snap := <-snapshotCh:
		httputil.WriteJSON(w, http.StatusOK, snap)
	default:
		httputil.WriteJSON(w, http.StatusOK, container.Snapshot{Tick: c.Tick()})
	}
}

// handleSnapshotStream upgrades to a WebSocket and pushes every published
// snapshot frame until the subscriber disconnects or the match is deleted.
// This is the upstream half of the control plane's WS proxy for
// /ws/matches/{matchId}/snapshots (see internal/wsproxy).
func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	id, err := clustermatch.Parse(mux.Vars(r)["matchId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	c, err := s.containerFor(id.ContainerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID, snapshotCh := c.Subscribe()
	defer c.Unsubscribe(subID)

	for {
		select {
		case snap, ok := <-snapshotCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-c.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match stopped"))
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleErrorStream upgrades to a WebSocket that stays open (pushing
// nothing) until the container stops, then sends one terminal error frame
// and closes. It is the upstream half of
// /ws/containers/{cid}/matches/{mid}/errors.
func (s *Server) handleErrorStream(w http.ResponseWriter, r *http.Request) {
	containerID, err := strconv.Atoi(mux.Vars(r)["containerId"])
	if err != nil {
		s.writeServiceError(w, r, errors.InvalidInput("containerId", "must be numeric"))
		return
	}
	c, err := s.containerFor(containerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	select {
	case <-c.Done():
		_ = conn.WriteJSON(map[string]string{"error": "match stopped"})
	case <-r.Context().Done():
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := clustermatch.Parse(mux.Vars(r)["matchId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	c, err := s.containerFor(id.ContainerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	_ = c.Stop()

	s.mu.Lock()
	delete(s.matches, id.ContainerID)
	s.mu.Unlock()

	httputil.RespondNoContent(w)
}
