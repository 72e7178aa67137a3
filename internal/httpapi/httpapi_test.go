package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/infrastructure/middleware"
	"github.com/ireland-samantha/forgefleet/internal/autoscaler"
	"github.com/ireland-samantha/forgefleet/internal/registry"
	"github.com/ireland-samantha/forgefleet/internal/router"
)

type fakeNodeClient struct{ nextContainer int }

func (f *fakeNodeClient) CreateMatch(_ context.Context, _ registry.Node, _ router.PlacementRequest) (int, error) {
	f.nextContainer++
	return f.nextContainer, nil
}

func (f *fakeNodeClient) SubmitCommand(_ context.Context, _ registry.Node, _ string, _ router.CommandPayload) (router.CommandResult, error) {
	return router.CommandResult{Accepted: true}, nil
}

func (f *fakeNodeClient) GetSnapshot(_ context.Context, _ registry.Node, _ string) (router.SnapshotPayload, error) {
	return router.SnapshotPayload{Tick: 3}, nil
}

func (f *fakeNodeClient) DeleteMatch(_ context.Context, _ registry.Node, _ string) error {
	return nil
}

const testSecret = "test-secret-value-long-enough"

func newTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()

	reg := registry.New(config.RegistryConfig{
		HeartbeatTimeout: time.Hour,
		OfflineRetention: time.Hour,
		SweepInterval:    time.Hour,
	}, nil, nil)

	rtr, err := router.New(reg, &fakeNodeClient{}, 0, time.Minute)
	require.NoError(t, err)

	asc := autoscaler.New(reg, config.AutoscalerConfig{
		ScaleUpAt: 0.75, ScaleDownAt: 0.30, TargetSaturation: 0.50, MinNodes: 1, MaxNodes: 50,
	})

	cfg := config.Default()
	cfg.AuthTokenSecret = testSecret

	s := NewServer(cfg, reg, rtr, asc, nil, nil)

	issuer := middleware.NewTokenIssuer(testSecret, time.Hour)
	operatorToken, err := issuer.Issue("op-1", "operator")
	require.NoError(t, err)
	clientToken, err := issuer.Issue("client-1", "client")
	require.NoError(t, err)

	return s, operatorToken, clientToken
}

func doRequest(s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRoutes_RequireAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/cluster", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterNode_Succeeds(t *testing.T) {
	s, _, clientToken := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/api/nodes/register", clientToken, registerNodeRequest{
		NodeID: "node-a", Address: "http://node-a:9000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var node registry.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, "node-a", node.ID)
	assert.Equal(t, registry.StatusHealthy, node.Status)
}

func TestDrain_RequiresOperatorRole(t *testing.T) {
	s, operatorToken, clientToken := newTestServer(t)
	doRequest(s, http.MethodPost, "/api/nodes/register", clientToken, registerNodeRequest{NodeID: "node-a", Address: "http://node-a:9000"})

	forbidden := doRequest(s, http.MethodPost, "/api/nodes/node-a/drain", clientToken, nil)
	assert.Equal(t, http.StatusForbidden, forbidden.Code)

	allowed := doRequest(s, http.MethodPost, "/api/nodes/node-a/drain", operatorToken, nil)
	assert.Equal(t, http.StatusOK, allowed.Code)
}

func TestCreateAndGetAndDeleteMatch_EndToEnd(t *testing.T) {
	s, _, clientToken := newTestServer(t)
	doRequest(s, http.MethodPost, "/api/nodes/register", clientToken, registerNodeRequest{NodeID: "node-a", Address: "http://node-a:9000"})

	createRec := doRequest(s, http.MethodPost, "/api/matches", clientToken, createMatchRequest{Modules: []string{"arena"}})
	require.Equal(t, http.StatusCreated, createRec.Code)

	var rec router.MatchRecord
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &rec))
	assert.Equal(t, "node-a", rec.NodeID)

	getRec := doRequest(s, http.MethodGet, "/api/matches/"+rec.MatchID, clientToken, nil)
	assert.Equal(t, http.StatusOK, getRec.Code)

	snapRec := doRequest(s, http.MethodGet, "/api/matches/"+rec.MatchID+"/snapshot", clientToken, nil)
	assert.Equal(t, http.StatusOK, snapRec.Code)

	cmdRec := doRequest(s, http.MethodPost, "/api/matches/"+rec.MatchID+"/commands", clientToken, submitCommandRequest{Name: "ping"})
	assert.Equal(t, http.StatusOK, cmdRec.Code)

	delRec := doRequest(s, http.MethodDelete, "/api/matches/"+rec.MatchID, clientToken, nil)
	assert.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestCreateMatch_NoCapacityReturns503(t *testing.T) {
	s, _, clientToken := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/api/matches", clientToken, createMatchRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAutoscalerAcknowledge_RequiresOperatorRole(t *testing.T) {
	s, operatorToken, clientToken := newTestServer(t)
	doRequest(s, http.MethodPost, "/api/nodes/register", clientToken, registerNodeRequest{NodeID: "node-a", Address: "http://node-a:9000"})
	doRequest(s, http.MethodGet, "/api/autoscaler/recommendation", clientToken, nil)

	forbidden := doRequest(s, http.MethodPost, "/api/autoscaler/acknowledge", clientToken, nil)
	assert.Equal(t, http.StatusForbidden, forbidden.Code)

	allowed := doRequest(s, http.MethodPost, "/api/autoscaler/acknowledge", operatorToken, nil)
	assert.Equal(t, http.StatusOK, allowed.Code)
}
