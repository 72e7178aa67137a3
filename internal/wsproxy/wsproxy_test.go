package wsproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/internal/registry"
	"github.com/ireland-samantha/forgefleet/internal/router"
)

type fakeClient struct{ nextContainer int }

func (f *fakeClient) CreateMatch(_ context.Context, _ registry.Node, _ router.PlacementRequest) (int, error) {
	f.nextContainer++
	return f.nextContainer, nil
}
func (f *fakeClient) SubmitCommand(context.Context, registry.Node, string, router.CommandPayload) (router.CommandResult, error) {
	return router.CommandResult{}, nil
}
func (f *fakeClient) GetSnapshot(context.Context, registry.Node, string) (router.SnapshotPayload, error) {
	return router.SnapshotPayload{}, nil
}
func (f *fakeClient) DeleteMatch(context.Context, registry.Node, string) error { return nil }

func testRegistry() *registry.Registry {
	return registry.New(config.RegistryConfig{
		HeartbeatTimeout: time.Hour,
		OfflineRetention: time.Hour,
		SweepInterval:    time.Hour,
	}, nil, nil)
}

func TestToWSURL(t *testing.T) {
	assert.Equal(t, "ws://node-a:9000", toWSURL("http://node-a:9000"))
	assert.Equal(t, "wss://node-a:9000", toWSURL("https://node-a:9000"))
}

// TestHandleSnapshots_RelaysUpstreamFrame starts a fake node that accepts one
// WebSocket snapshot subscriber and writes a single frame, then verifies the
// control plane's proxy relays that frame to the downstream client
// unmodified (the "place and route" path, extended onto the WS surface).
func TestHandleSnapshots_RelaysUpstreamFrame(t *testing.T) {
	nodeMux := mux.NewRouter()
	nodeMux.HandleFunc("/internal/matches/{matchId}/ws/snapshots", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"tick":1}`)))
		time.Sleep(50 * time.Millisecond)
	})
	nodeSrv := httptest.NewServer(nodeMux)
	defer nodeSrv.Close()

	reg := testRegistry()
	_, err := reg.Register("node-a", nodeSrv.URL, registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	rtr, err := router.New(reg, &fakeClient{}, 0, time.Minute)
	require.NoError(t, err)
	rec, err := rtr.PlaceMatch(context.Background(), router.PlacementRequest{})
	require.NoError(t, err)

	proxyMux := mux.NewRouter()
	NewServer(rtr, nil).Routes(proxyMux.PathPrefix("/ws").Subrouter())
	proxySrv := httptest.NewServer(proxyMux)
	defer proxySrv.Close()

	wsURL := strings.Replace(proxySrv.URL, "http://", "ws://", 1) + "/ws/matches/" + rec.MatchID + "/snapshots"
	downConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer downConn.Close()

	_, data, err := downConn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tick":1}`, string(data))
}

func TestHandleSnapshots_UnknownMatchRejectedBeforeUpgrade(t *testing.T) {
	reg := testRegistry()
	rtr, err := router.New(reg, &fakeClient{}, 0, time.Minute)
	require.NoError(t, err)

	proxyMux := mux.NewRouter()
	NewServer(rtr, nil).Routes(proxyMux.PathPrefix("/ws").Subrouter())
	proxySrv := httptest.NewServer(proxyMux)
	defer proxySrv.Close()

	resp, err := http.Get(proxySrv.URL + "/ws/matches/does-not-exist-0-0/snapshots")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFindByContainerID_ResolvesPlacedMatch(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "http://node-a:9000", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	rtr, err := router.New(reg, &fakeClient{}, 0, time.Minute)
	require.NoError(t, err)
	rec, err := rtr.PlaceMatch(context.Background(), router.PlacementRequest{})
	require.NoError(t, err)

	found, err := rtr.FindByContainerID(rec.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, rec.MatchID, found.MatchID)
}
