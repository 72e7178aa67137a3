// Package router implements match placement and the matchId -> nodeId
// routing table described in spec.md section 4.4.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/internal/clustermatch"
	"github.com/ireland-samantha/forgefleet/internal/registry"
)

// MatchStatus tracks a placement record's lifecycle.
type MatchStatus string

const (
	MatchRunning  MatchStatus = "RUNNING"
	MatchFinished MatchStatus = "FINISHED"
	MatchError    MatchStatus = "ERROR"
)

func isTerminal(s MatchStatus) bool {
	return s == MatchFinished || s == MatchError
}

// PlacementRequest is the body of a createMatch call.
type PlacementRequest struct {
	Modules []string
	AIs     []string
}

// MatchRecord is the router's bookkeeping entry for one match.
type MatchRecord struct {
	MatchID     string
	NodeID      string
	ContainerID int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PlayerCount int
	ModuleNames []string
	Status      MatchStatus
	LastError   string
}

// CommandPayload and CommandResult carry a forwarded simulation command and
// its reply.
type CommandPayload struct {
	Name   string
	Params map[string]float64
}

type CommandResult struct {
	Accepted bool
}

// SnapshotPayload is the last-known snapshot fetched from the owning node.
type SnapshotPayload struct {
	Tick int
	Data map[string]map[string][]float32
}

// NodeClient is the router's contract for reaching an owning node. The HTTP
// implementation lives in internal/nodeclient; router stays transport-agnostic so placement and routing logic can be
// tested without a live HTTP server.
type NodeClient interface {
	CreateMatch(ctx context.Context, node registry.Node, req PlacementRequest) (containerID int, err error)
	SubmitCommand(ctx context.Context, node registry.Node, matchID string, cmd CommandPayload) (CommandResult, error)
	GetSnapshot(ctx context.Context, node registry.Node, matchID string) (SnapshotPayload, error)
	DeleteMatch(ctx context.Context, node registry.Node, matchID string) error
}

// Router owns the matchId -> nodeId table and the placement algorithm.
// Records live in a bounded LRU rather than an unbounded map — per
// SPEC_FULL.md section 2.2, this keeps a long-lived control plane's memory
// flat even under a high churn rate of short-lived matches, while the
// per-record retention window (below) bounds how long a terminal record
// stays visible to GET requests.
type Router struct {
	mu sync.Mutex

	registry  *registry.Registry
	client    NodeClient
	matches   *lru.Cache[string, *MatchRecord]
	retention time.Duration

	placementSeq  int64
	lastPlacedSeq map[string]int64
}

// New creates a Router. maxRecords bounds the LRU table; retention is how
// long a terminal (FINISHED/ERROR) record remains visible to GetMatch after
// its last update.
func New(reg *registry.Registry, client NodeClient, maxRecords int, retention time.Duration) (*Router, error) {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	cache, err := lru.New[string, *MatchRecord](maxRecords)
	if err != nil {
		return nil, errors.Internal("failed to create match routing table", err)
	}
	return &Router{
		registry:      reg,
		client:        client,
		matches:       cache,
		retention:     retention,
		lastPlacedSeq: make(map[string]int64),
	}, nil
}

type candidate struct {
	node       registry.Node
	saturation float64
}

// PlaceMatch selects a HEALTHY node with spare capacity, ranks candidates by
// ascending saturation with round-robin tie-break, and forwards the
// createMatch call to the first candidate that accepts it. The matchId is
// minted only after the owning node and its new containerId are known, by
// composing the clusterMatchId format nodeId-containerId-localMatchId.
func (r *Router) PlaceMatch(ctx context.Context, req PlacementRequest) (MatchRecord, error) {
	candidates := r.rankCandidates()
	if len(candidates) == 0 {
		return MatchRecord{}, errors.NoCapacity()
	}

	var lastErr error
	for _, c := range candidates {
		containerID, err := r.client.CreateMatch(ctx, c.node, req)
		if err != nil {
			lastErr = err
			continue
		}

		matchID := clustermatch.New(c.node.ID, containerID, 0).String()
		now := time.Now()
		record := &MatchRecord{
			MatchID:     matchID,
			NodeID:      c.node.ID,
			ContainerID: containerID,
			CreatedAt:   now,
			UpdatedAt:   now,
			ModuleNames: req.Modules,
			Status:      MatchRunning,
		}
		r.matches.Add(matchID, record)

		r.mu.Lock()
		r.placementSeq++
		r.lastPlacedSeq[c.node.ID] = r.placementSeq
		r.mu.Unlock()

		return *record, nil
	}

	if lastErr != nil {
		return MatchRecord{}, errors.NoCapacity().WithDetails("lastUpstreamError", lastErr.Error())
	}
	return MatchRecord{}, errors.NoCapacity()
}

func (r *Router) rankCandidates() []candidate {
	healthy := r.registry.HealthyNodes()

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]candidate, 0, len(healthy))
	for _, node := range healthy {
		if node.Capacity.MaxContainers <= 0 || node.Capacity.MaxMatches <= 0 {
			continue
		}
		if node.Metrics.ContainerCount >= node.Capacity.MaxContainers {
			continue
		}
		if node.Metrics.MatchCount >= node.Capacity.MaxMatches {
			continue
		}
		saturation := float64(node.Metrics.ContainerCount)/float64(node.Capacity.MaxContainers)*0.5 +
			float64(node.Metrics.MatchCount)/float64(node.Capacity.MaxMatches)*0.5
		result = append(result, candidate{node: node, saturation: saturation})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].saturation != result[j].saturation {
			return result[i].saturation < result[j].saturation
		}
		return r.lastPlacedSeq[result[i].node.ID] < r.lastPlacedSeq[result[j].node.ID]
	})
	return result
}

// GetMatch returns a copy of a match's bookkeeping record. Terminal records
// past their retention window report MATCH_NOT_FOUND, matching an evicted
// record's behaviour.
func (r *Router) GetMatch(matchID string) (MatchRecord, error) {
	rec, ok := r.matches.Get(matchID)
	if !ok {
		return MatchRecord{}, errors.NotFound("match", matchID)
	}
	if isTerminal(rec.Status) && r.retention > 0 && time.Since(rec.UpdatedAt) > r.retention {
		return MatchRecord{}, errors.NotFound("match", matchID)
	}
	return *rec, nil
}

// resolveOwner looks up the node currently owning matchID, lazily marking
// the record ERROR/MATCH_LOST if its owner has gone OFFLINE. It never
// removes the record on a transient failure — only the registry's sweeper
// decides node liveness.
func (r *Router) resolveOwner(matchID string) (registry.Node, *MatchRecord, error) {
	rec, ok := r.matches.Get(matchID)
	if !ok {
		return registry.Node{}, nil, errors.NotFound("match", matchID)
	}

	node, err := r.registry.Get(rec.NodeID)
	if err != nil || node.Status == registry.StatusOffline {
		rec.Status = MatchError
		rec.LastError = "owning node offline"
		rec.UpdatedAt = time.Now()
		return registry.Node{}, rec, errors.MatchLost(matchID)
	}
	return node, rec, nil
}

// ResolveOwner exposes resolveOwner's node lookup to other transports (the
// WebSocket proxy needs the owning node's address before it can dial an
// upstream connection; it has no other way to reach the routing table).
func (r *Router) ResolveOwner(matchID string) (registry.Node, MatchRecord, error) {
	node, rec, err := r.resolveOwner(matchID)
	if rec == nil {
		return node, MatchRecord{}, err
	}
	return node, *rec, err
}

// FindByContainerID returns the match record addressed by containerID. The
// control plane's error-stream route (spec.md section 6,
// /ws/containers/{cid}/matches/{mid}/errors) identifies a match by
// containerId alone rather than by the full clusterMatchId, so the lookup
// has to scan the routing table instead of doing a direct key hit.
func (r *Router) FindByContainerID(containerID int) (MatchRecord, error) {
	for _, key := range r.matches.Keys() {
		rec, ok := r.matches.Peek(key)
		if ok && rec.ContainerID == containerID {
			return *rec, nil
		}
	}
	return MatchRecord{}, errors.NotFound("match", "containerId")
}

// SubmitCommand forwards a command to matchID's owning node. Transient
// forward failures surface as UPSTREAM_UNAVAILABLE and do not touch the
// routing record.
func (r *Router) SubmitCommand(ctx context.Context, matchID string, cmd CommandPayload) (CommandResult, error) {
	node, _, err := r.resolveOwner(matchID)
	if err != nil {
		return CommandResult{}, err
	}

	result, err := r.client.SubmitCommand(ctx, node, matchID, cmd)
	if err != nil {
		return CommandResult{}, errors.UpstreamUnavailable(node.ID, err)
	}
	return result, nil
}

// GetSnapshot forwards a snapshot read to matchID's owning node.
func (r *Router) GetSnapshot(ctx context.Context, matchID string) (SnapshotPayload, error) {
	node, _, err := r.resolveOwner(matchID)
	if err != nil {
		return SnapshotPayload{}, err
	}

	snap, err := r.client.GetSnapshot(ctx, node, matchID)
	if err != nil {
		return SnapshotPayload{}, errors.UpstreamUnavailable(node.ID, err)
	}
	return snap, nil
}

// FinishMatch marks a match FINISHED, starting its retention window. It is
// DeleteMatch's own last step once the owning node has confirmed teardown;
// exposed as its own method so a future self-reported completion path (a
// module ending its match without an operator-initiated delete) has
// somewhere to call into without duplicating the status transition.
func (r *Router) FinishMatch(matchID string) error {
	rec, ok := r.matches.Get(matchID)
	if !ok {
		return errors.NotFound("match", matchID)
	}
	rec.Status = MatchFinished
	rec.UpdatedAt = time.Now()
	return nil
}

// DeleteMatch forwards deletion to the owning node, advances the routing
// record to FINISHED, then removes it from the table.
func (r *Router) DeleteMatch(ctx context.Context, matchID string) error {
	node, _, err := r.resolveOwner(matchID)
	if err != nil {
		return err
	}

	if err := r.client.DeleteMatch(ctx, node, matchID); err != nil {
		return errors.UpstreamUnavailable(node.ID, err)
	}
	if err := r.FinishMatch(matchID); err != nil {
		return err
	}
	r.matches.Remove(matchID)
	return nil
}
