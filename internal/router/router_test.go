package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	svcerrors "github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/internal/registry"
)

type fakeClient struct {
	mu sync.Mutex

	createErr     map[string]error // nodeID -> error to return from CreateMatch
	nextContainer int
	created       []string // nodeIDs, in call order

	commandErr  error
	snapshotErr error
	deleteErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{createErr: make(map[string]error)}
}

func (f *fakeClient) CreateMatch(_ context.Context, node registry.Node, _ PlacementRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, node.ID)
	if err, ok := f.createErr[node.ID]; ok && err != nil {
		return 0, err
	}
	f.nextContainer++
	return f.nextContainer, nil
}

func (f *fakeClient) SubmitCommand(_ context.Context, _ registry.Node, _ string, _ CommandPayload) (CommandResult, error) {
	if f.commandErr != nil {
		return CommandResult{}, f.commandErr
	}
	return CommandResult{Accepted: true}, nil
}

func (f *fakeClient) GetSnapshot(_ context.Context, _ registry.Node, _ string) (SnapshotPayload, error) {
	if f.snapshotErr != nil {
		return SnapshotPayload{}, f.snapshotErr
	}
	return SnapshotPayload{Tick: 1}, nil
}

func (f *fakeClient) DeleteMatch(_ context.Context, _ registry.Node, _ string) error {
	return f.deleteErr
}

func testRegistry() *registry.Registry {
	return registry.New(config.RegistryConfig{
		HeartbeatTimeout: time.Hour,
		OfflineRetention: time.Hour,
		SweepInterval:    time.Hour,
	}, nil, nil)
}

// Scenario 1: "Place and route" — a single healthy node accepts placement
// and subsequent lookups resolve back to it.
func TestPlaceMatch_PlaceAndRoute(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "10.0.0.1:9000", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	rec, err := r.PlaceMatch(context.Background(), PlacementRequest{Modules: []string{"arena"}})
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.NodeID)
	assert.NotEmpty(t, rec.MatchID)

	fetched, err := r.GetMatch(rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, rec.NodeID, fetched.NodeID)
}

// Scenario 2: "Capacity tie-break" — two equally saturated nodes are
// chosen in round-robin order across repeated placements.
func TestPlaceMatch_CapacityTieBreakRoundRobin(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)
	_, err = reg.Register("node-b", "b", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		rec, err := r.PlaceMatch(context.Background(), PlacementRequest{})
		require.NoError(t, err)
		order = append(order, rec.NodeID)
	}

	assert.Equal(t, []string{"node-a", "node-b", "node-a"}, order)
}

// Scenario 3: "Node loss" — once a match's owning node goes OFFLINE,
// routing calls report MATCH_LOST instead of forwarding.
func TestSubmitCommand_NodeLossReturnsMatchLost(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	rec, err := r.PlaceMatch(context.Background(), PlacementRequest{})
	require.NoError(t, err)

	require.NoError(t, reg.Deregister("node-a"))

	_, err = r.SubmitCommand(context.Background(), rec.MatchID, CommandPayload{Name: "ping"})
	require.Error(t, err)
	svcErr := svcerrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, svcerrors.ErrCodeMatchLost, svcErr.Code)

	// The record stays visible (now in status ERROR) rather than vanishing.
	_, err = r.GetMatch(rec.MatchID)
	require.NoError(t, err)
}

func TestPlaceMatch_NoHealthyNodesReturnsNoCapacity(t *testing.T) {
	reg := testRegistry()
	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	_, err = r.PlaceMatch(context.Background(), PlacementRequest{})
	require.Error(t, err)
	svcErr := svcerrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, svcerrors.ErrCodeNoCapacity, svcErr.Code)
}

func TestPlaceMatch_FullNodesExcluded(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 1, MaxMatches: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Heartbeat("node-a", registry.NodeMetrics{ContainerCount: 1, MatchCount: 1}))

	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	_, err = r.PlaceMatch(context.Background(), PlacementRequest{})
	require.Error(t, err)
	svcErr := svcerrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, svcerrors.ErrCodeNoCapacity, svcErr.Code)
}

func TestPlaceMatch_FallsThroughToNextCandidateOnUpstreamFailure(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)
	_, err = reg.Register("node-b", "b", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)
	// node-b is more saturated, so node-a is tried first.
	require.NoError(t, reg.Heartbeat("node-b", registry.NodeMetrics{ContainerCount: 1}))

	client := newFakeClient()
	client.createErr["node-a"] = errors.New("dial refused")
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	rec, err := r.PlaceMatch(context.Background(), PlacementRequest{})
	require.NoError(t, err)
	assert.Equal(t, "node-b", rec.NodeID)
}

func TestGetMatch_UnknownReturnsNotFound(t *testing.T) {
	reg := testRegistry()
	r, err := New(reg, newFakeClient(), 0, time.Minute)
	require.NoError(t, err)

	_, err = r.GetMatch("nonexistent")
	require.Error(t, err)
	svcErr := svcerrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, svcerrors.ErrCodeNotFound, svcErr.Code)
}

func TestGetMatch_TerminalRecordExpiresAfterRetention(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	client := newFakeClient()
	r, err := New(reg, client, 0, 20*time.Millisecond)
	require.NoError(t, err)

	rec, err := r.PlaceMatch(context.Background(), PlacementRequest{})
	require.NoError(t, err)
	require.NoError(t, r.FinishMatch(rec.MatchID))

	time.Sleep(30 * time.Millisecond)

	_, err = r.GetMatch(rec.MatchID)
	require.Error(t, err)
}

func TestSubmitCommand_UpstreamFailureDoesNotRemoveRecord(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	rec, err := r.PlaceMatch(context.Background(), PlacementRequest{})
	require.NoError(t, err)

	client.commandErr = errors.New("connection reset")
	_, err = r.SubmitCommand(context.Background(), rec.MatchID, CommandPayload{Name: "ping"})
	require.Error(t, err)
	svcErr := svcerrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, svcerrors.ErrCodeUpstreamUnavailable, svcErr.Code)

	_, err = r.GetMatch(rec.MatchID)
	require.NoError(t, err)
}

func TestDeleteMatch_RemovesRecordOnSuccess(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register("node-a", "a", registry.Capacity{MaxContainers: 4, MaxMatches: 16}, nil)
	require.NoError(t, err)

	client := newFakeClient()
	r, err := New(reg, client, 0, time.Minute)
	require.NoError(t, err)

	rec, err := r.PlaceMatch(context.Background(), PlacementRequest{})
	require.NoError(t, err)

	require.NoError(t, r.DeleteMatch(context.Background(), rec.MatchID))

	_, err = r.GetMatch(rec.MatchID)
	require.Error(t, err)
}
