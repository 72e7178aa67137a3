package nodeapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ireland-samantha/forgefleet/internal/container"
	"github.com/ireland-samantha/forgefleet/internal/ecs"
)

type noopModule struct{}

func (noopModule) Name() string                       { return "noop" }
func (noopModule) Components() []ecs.ComponentKey     { return nil }
func (noopModule) OnTick(_ *ecs.Store)                {}

func newTestServer() (*Server, *mux.Router) {
	s := NewServer(map[string]ModuleFactory{
		"noop": func() container.Module { return noopModule{} },
	}, 0, nil)
	r := mux.NewRouter()
	s.Routes(r)
	return s, r
}

func TestHandleCreateMatch_UnknownModuleRejected(t *testing.T) {
	_, r := newTestServer()

	body, _ := json.Marshal(createMatchRequest{Modules: []string{"not-registered"}})
	req := httptest.NewRequest(http.MethodPost, "/internal/matches", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateMatch_AssignsContainerID(t *testing.T) {
	_, r := newTestServer()

	body, _ := json.Marshal(createMatchRequest{Modules: []string{"noop"}})
	req := httptest.NewRequest(http.MethodPost, "/internal/matches", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createMatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ContainerID)
}

func TestHandleCommand_UnknownMatchIsNotFound(t *testing.T) {
	_, r := newTestServer()

	body, _ := json.Marshal(commandRequest{Name: "ping"})
	req := httptest.NewRequest(http.MethodPost, "/internal/matches/node-a-9-0/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCommand_MalformedMatchIDRejected(t *testing.T) {
	_, r := newTestServer()

	body, _ := json.Marshal(commandRequest{Name: "ping"})
	req := httptest.NewRequest(http.MethodPost, "/internal/matches/not-a-valid-id-x/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFullLifecycle_CreateCommandSnapshotDelete(t *testing.T) {
	_, r := newTestServer()

	createBody, _ := json.Marshal(createMatchRequest{Modules: []string{"noop"}})
	createReq := httptest.NewRequest(http.MethodPost, "/internal/matches", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created createMatchResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	matchID := "node-a-" + strconv.Itoa(created.ContainerID) + "-0"

	cmdBody, _ := json.Marshal(commandRequest{Name: "ping"})
	cmdReq := httptest.NewRequest(http.MethodPost, "/internal/matches/"+matchID+"/commands", bytes.NewReader(cmdBody))
	cmdRec := httptest.NewRecorder()
	r.ServeHTTP(cmdRec, cmdReq)
	assert.Equal(t, http.StatusOK, cmdRec.Code)

	snapReq := httptest.NewRequest(http.MethodGet, "/internal/matches/"+matchID+"/snapshot", nil)
	snapRec := httptest.NewRecorder()
	r.ServeHTTP(snapRec, snapReq)
	assert.Equal(t, http.StatusOK, snapRec.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/internal/matches/"+matchID, nil)
	delRec := httptest.NewRecorder()
	r.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	delAgainReq := httptest.NewRequest(http.MethodDelete, "/internal/matches/"+matchID, nil)
	delAgainRec := httptest.NewRecorder()
	r.ServeHTTP(delAgainRec, delAgainReq)
	assert.Equal(t, http.StatusNotFound, delAgainRec.Code)
}
