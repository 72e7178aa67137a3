// Package registry implements the node registry: membership, heartbeats,
// and the HEALTHY/DRAINING/OFFLINE lifecycle described in spec.md section
// 4.3.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
	"github.com/ireland-samantha/forgefleet/infrastructure/metrics"
)

// Status is a node's place in the HEALTHY -> DRAINING -> OFFLINE lifecycle.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDraining Status = "DRAINING"
	StatusOffline  Status = "OFFLINE"
)

// Capacity bounds how many containers and matches a node will host.
type Capacity struct {
	MaxContainers int
	MaxMatches    int
}

// NodeMetrics is the last-observed load snapshot a node reports on
// heartbeat.
type NodeMetrics struct {
	ContainerCount int
	MatchCount     int
	CPUUsagePct    float64
	MemoryUsedMB   float64
	MemoryMaxMB    float64
}

// Node is a snapshot of one registered execution node. Values returned by
// the registry are always copies; callers never observe internal mutation.
type Node struct {
	ID              string
	Address         string
	Capacity        Capacity
	Metrics         NodeMetrics
	Status          Status
	Labels          map[string]string
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

type nodeEntry struct {
	node         Node
	offlineSince time.Time
}

// Registry is the source-of-truth membership table. A read-mostly RWMutex
// guards it: mutations take a short exclusive lock, reads return copies.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*nodeEntry
	cfg    config.RegistryConfig
	logger *logging.Logger
	m      *metrics.Metrics

	sweepRunner *cron.Cron
}

// New creates an empty registry using the given timing configuration.
func New(cfg config.RegistryConfig, logger *logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		nodes:  make(map[string]*nodeEntry),
		cfg:    cfg,
		logger: logger,
		m:      m,
	}
}

// Register inserts a new node or refreshes an existing one, transitioning
// it to HEALTHY. An empty nodeID is assigned a generated one.
func (r *Registry) Register(nodeID, address string, capacity Capacity, labels map[string]string) (Node, error) {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, exists := r.nodes[nodeID]
	if !exists {
		entry = &nodeEntry{}
		r.nodes[nodeID] = entry
		entry.node.RegisteredAt = now
	}

	entry.node.ID = nodeID
	entry.node.Address = address
	entry.node.Capacity = capacity
	entry.node.Labels = labels
	entry.node.Status = StatusHealthy
	entry.node.LastHeartbeatAt = now
	entry.offlineSince = time.Time{}

	r.refreshGauge()
	return entry.node, nil
}

// Heartbeat updates a node's metrics and last-seen time. A node rejoining
// from OFFLINE is restored to HEALTHY unless the registry is configured to
// drain rejoining nodes instead.
func (r *Registry) Heartbeat(nodeID string, m NodeMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.nodes[nodeID]
	if !ok {
		return errors.NotFound("node", nodeID)
	}

	entry.node.Metrics = m
	entry.node.LastHeartbeatAt = time.Now()

	if entry.node.Status == StatusOffline {
		if r.cfg.DrainOnRejoin {
			entry.node.Status = StatusDraining
		} else {
			entry.node.Status = StatusHealthy
		}
		entry.offlineSince = time.Time{}
	}

	return nil
}

// Drain transitions a node to DRAINING: it keeps its existing matches but
// is excluded from future placement.
func (r *Registry) Drain(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.nodes[nodeID]
	if !ok {
		return errors.NotFound("node", nodeID)
	}
	entry.node.Status = StatusDraining
	return nil
}

// Deregister hard-removes a node from the registry.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return errors.NotFound("node", nodeID)
	}
	delete(r.nodes, nodeID)
	r.refreshGauge()
	return nil
}

// Get returns a copy of one node's current state.
func (r *Registry) Get(nodeID string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, errors.NotFound("node", nodeID)
	}
	return entry.node, nil
}

// List returns a copy of every known node, in any status.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Node, 0, len(r.nodes))
	for _, entry := range r.nodes {
		result = append(result, entry.node)
	}
	return result
}

// HealthyNodes returns a copy of every node currently eligible for
// placement (status HEALTHY), ordered by registration time (then ID as a
// tiebreaker) so callers that rank or round-robin over the result — notably
// router.rankCandidates's stable sort on saturation — see a deterministic
// order on every call instead of one that shuffles with Go's randomized map
// iteration.
func (r *Registry) HealthyNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Node, 0, len(r.nodes))
	for _, entry := range r.nodes {
		if entry.node.Status == StatusHealthy {
			result = append(result, entry.node)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[j].RegisteredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// AggregateSaturation returns the count of HEALTHY nodes and the summed
// container count / max-container capacity across them, used by the
// autoscaler evaluator.
func (r *Registry) AggregateSaturation() (healthyCount, containerCount, maxContainers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.nodes {
		if entry.node.Status != StatusHealthy {
			continue
		}
		healthyCount++
		containerCount += entry.node.Metrics.ContainerCount
		maxContainers += entry.node.Capacity.MaxContainers
	}
	return healthyCount, containerCount, maxContainers
}

func (r *Registry) refreshGauge() {
	if r.m != nil {
		r.m.SetNodesRegistered(len(r.nodes))
	}
}

// Sweep runs one eviction pass: HEALTHY nodes silent past heartbeatTimeout
// become OFFLINE; OFFLINE nodes past offlineRetention are removed entirely.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, entry := range r.nodes {
		switch entry.node.Status {
		case StatusHealthy, StatusDraining:
			if now.Sub(entry.node.LastHeartbeatAt) > r.cfg.HeartbeatTimeout {
				entry.node.Status = StatusOffline
				entry.offlineSince = now
				if r.logger != nil {
					r.logger.WithFields(map[string]interface{}{"node_id": id}).Warn("node marked OFFLINE after missed heartbeats")
				}
			}
		case StatusOffline:
			if !entry.offlineSince.IsZero() && now.Sub(entry.offlineSince) > r.cfg.OfflineRetention {
				delete(r.nodes, id)
			}
		}
	}
	r.refreshGauge()
}

// StartSweeper schedules Sweep on a robfig/cron "@every" timer using the
// registry's configured sweep interval.
func (r *Registry) StartSweeper() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sweepRunner != nil {
		return nil
	}

	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	runner := cron.New()
	if _, err := runner.AddFunc("@every "+interval.String(), r.Sweep); err != nil {
		return errors.Internal("failed to schedule registry sweeper", err)
	}
	runner.Start()
	r.sweepRunner = runner
	return nil
}

// StopSweeper halts the background sweep timer, if running.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	runner := r.sweepRunner
	r.sweepRunner = nil
	r.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
}
