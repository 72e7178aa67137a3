// Package nodeclient implements router.NodeClient over HTTP: the control
// plane's side of the RPC it forwards to an engine node's internal API
// (internal/nodeapi). Each node gets its own circuit breaker so one
// misbehaving node cannot starve calls to the rest of the fleet.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ireland-samantha/forgefleet/infrastructure/resilience"
	"github.com/ireland-samantha/forgefleet/internal/registry"
	"github.com/ireland-samantha/forgefleet/internal/router"
)

// Client is the HTTP implementation of router.NodeClient.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration

	mu         sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	breakerCfg resilience.Config
}

// Config configures a Client's timeouts and circuit breaker thresholds.
type Config struct {
	Timeout     time.Duration
	MaxFailures int
	OpenTimeout time.Duration
	HalfOpenMax int
}

// New creates a node RPC client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		breakers:   make(map[string]*resilience.CircuitBreaker),
		breakerCfg: resilience.Config{
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.OpenTimeout,
			HalfOpenMax: cfg.HalfOpenMax,
		},
	}
}

func (c *Client) breakerFor(nodeID string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[nodeID]
	if !ok {
		cfg := c.breakerCfg
		cfg.Name = nodeID
		cb = resilience.New(cfg)
		c.breakers[nodeID] = cb
	}
	return cb
}

func (c *Client) do(ctx context.Context, nodeID, method, url string, body interface{}, out interface{}) error {
	return c.breakerFor(nodeID).Execute(ctx, func() error {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("node returned status %d", resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

type createMatchRequest struct {
	Modules []string `json:"modules"`
	AIs     []string `json:"ais"`
}

type createMatchResponse struct {
	ContainerID int `json:"containerId"`
}

// CreateMatch forwards match creation to node. The node assigns and returns
// the new containerId; the control plane mints the clusterMatchId from it.
func (c *Client) CreateMatch(ctx context.Context, node registry.Node, req router.PlacementRequest) (int, error) {
	var resp createMatchResponse
	err := c.do(ctx, node.ID, http.MethodPost, node.Address+"/internal/matches", createMatchRequest{
		Modules: req.Modules,
		AIs:     req.AIs,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ContainerID, nil
}

type commandRequest struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params"`
}

// SubmitCommand forwards a simulation command to node.
func (c *Client) SubmitCommand(ctx context.Context, node registry.Node, matchID string, cmd router.CommandPayload) (router.CommandResult, error) {
	var resp router.CommandResult
	err := c.do(ctx, node.ID, http.MethodPost,
		fmt.Sprintf("%s/internal/matches/%s/commands", node.Address, matchID),
		commandRequest{Name: cmd.Name, Params: cmd.Params}, &resp)
	return resp, err
}

// GetSnapshot fetches the latest simulation snapshot from node.
func (c *Client) GetSnapshot(ctx context.Context, node registry.Node, matchID string) (router.SnapshotPayload, error) {
	var resp router.SnapshotPayload
	err := c.do(ctx, node.ID, http.MethodGet,
		fmt.Sprintf("%s/internal/matches/%s/snapshot", node.Address, matchID),
		nil, &resp)
	return resp, err
}

// DeleteMatch tears down a match on node.
func (c *Client) DeleteMatch(ctx context.Context, node registry.Node, matchID string) error {
	return c.do(ctx, node.ID, http.MethodDelete,
		fmt.Sprintf("%s/internal/matches/%s", node.Address, matchID), nil, nil)
}
