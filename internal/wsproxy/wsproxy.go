// Package wsproxy implements the control plane's WebSocket proxying half of
// spec.md section 4.4/6: it opens an upstream connection to a match's owning
// node and relays frames in both directions, reporting an upstream failure
// downstream as a terminal error frame before closing.
package wsproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/infrastructure/httputil"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
	"github.com/ireland-samantha/forgefleet/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server mounts the /ws/* proxy routes onto a mux.Router.
type Server struct {
	rtr    *router.Router
	dialer *websocket.Dialer
	logger *logging.Logger
}

// NewServer creates a WebSocket proxy bound to rtr's routing table.
func NewServer(rtr *router.Router, logger *logging.Logger) *Server {
	return &Server{
		rtr:    rtr,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Routes mounts the proxy's handlers onto r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/matches/{matchId}/snapshots", s.handleSnapshots)
	r.HandleFunc("/containers/{containerId}/matches/{matchId}/errors", s.handleErrors)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("unexpected error", err)
	}
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}

func toWSURL(address string) string {
	switch {
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	default:
		return "ws://" + address
	}
}

// handleSnapshots proxies /ws/matches/{matchId}/snapshots: it dials the
// owning node's snapshot stream and relays frames to the subscriber
// unmodified until either side disconnects.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchId"]

	node, _, err := s.rtr.ResolveOwner(matchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	upstreamURL := toWSURL(node.Address) + "/internal/matches/" + matchID + "/ws/snapshots"
	s.proxy(w, r, upstreamURL, node.ID)
}

// handleErrors proxies /ws/containers/{containerId}/matches/{matchId}/errors.
// The route identifies a match by containerId rather than the full
// clusterMatchId (spec.md section 6 names the route this way), so the
// owning node is resolved by scanning the routing table for the containerId
// instead of a direct matchId lookup.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	containerID, err := strconv.Atoi(mux.Vars(r)["containerId"])
	if err != nil {
		s.writeServiceError(w, r, errors.InvalidInput("containerId", "must be numeric"))
		return
	}

	rec, err := s.rtr.FindByContainerID(containerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	node, _, err := s.rtr.ResolveOwner(rec.MatchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	upstreamURL := toWSURL(node.Address) + "/internal/containers/" + strconv.Itoa(containerID) + "/errors"
	s.proxy(w, r, upstreamURL, node.ID)
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request, upstreamURL, nodeID string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	up, _, err := s.dialer.DialContext(ctx, upstreamURL, nil)
	if err != nil {
		s.writeServiceError(w, r, errors.UpstreamUnavailable(nodeID, err))
		return
	}
	defer up.Close()

	down, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer down.Close()

	relay(down, up)
}

// relay pumps frames in both directions until one side errors or closes. An
// upstream failure is reported to the downstream client as a terminal JSON
// error frame before the connection closes, per spec.md section 4.4.
func relay(down, up *websocket.Conn) {
	upstreamErrc := make(chan error, 1)
	downstreamErrc := make(chan error, 1)

	go pump(up, down, upstreamErrc)
	go pump(down, up, downstreamErrc)

	select {
	case err := <-upstreamErrc:
		payload, _ := json.Marshal(map[string]string{"error": "upstream connection lost: " + err.Error()})
		_ = down.WriteMessage(websocket.TextMessage, payload)
		_ = down.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "upstream closed"))
	case <-downstreamErrc:
		_ = up.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"))
	}
}

func pump(src, dst *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}
