// Command enginenode runs one engine node: the per-match ECS container host
// (internal/nodeapi) plus a heartbeat loop that keeps the control plane's
// registry current. It registers itself with the control plane on startup
// and deregisters on shutdown.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/infrastructure/httputil"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
	"github.com/ireland-samantha/forgefleet/infrastructure/middleware"
	"github.com/ireland-samantha/forgefleet/internal/container"
	"github.com/ireland-samantha/forgefleet/internal/nodeapi"
	"github.com/ireland-samantha/forgefleet/internal/samplemodules"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enginenode",
	Short: "Host ECS match containers and report into a forgefleet control plane",
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().String("config", "", "Accepted but not read: engine node configuration comes from environment variables and defaults")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadEngineNodeFromEnv(config.DefaultEngineNode())
	if cfg.NodeID == "" {
		return fmt.Errorf("NODE_ID must be set")
	}
	if cfg.AdvertisedAddr == "" {
		return fmt.Errorf("NODE_ADVERTISED_ADDR must be set (the control plane dials this node back for match placement and WebSocket proxying)")
	}
	normalizedAddr, _, err := httputil.NormalizeNodeAddress(cfg.AdvertisedAddr)
	if err != nil {
		return fmt.Errorf("NODE_ADVERTISED_ADDR invalid: %w", err)
	}
	cfg.AdvertisedAddr = normalizedAddr

	logger := logging.NewFromEnv("enginenode")

	factories := map[string]nodeapi.ModuleFactory{
		samplemodules.NamePosition: func() container.Module { return samplemodules.NewPosition() },
		samplemodules.NameHealth:   func() container.Module { return samplemodules.NewHealth() },
	}

	server := nodeapi.NewServer(factories, cfg.TickInterval, logger)
	r := mux.NewRouter()
	server.Routes(r)

	health := middleware.NewHealthChecker(cfg.NodeID)
	health.RegisterCheck("modules", func() error {
		if len(factories) == 0 {
			return fmt.Errorf("no simulation modules registered")
		}
		return nil
	})
	r.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	ready := false
	r.HandleFunc("/readyz", middleware.ReadinessHandler(&ready)).Methods(http.MethodGet)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr, "nodeId": cfg.NodeID}).Info("engine node listening")

	cp := newControlPlaneClient(cfg)
	if err := cp.register(); err != nil {
		return fmt.Errorf("register with control plane: %w", err)
	}
	ready = true

	runner := cron.New()
	if _, err := runner.AddFunc(fmt.Sprintf("@every %s", cfg.HeartbeatInterval), func() {
		if err := cp.heartbeat(); err != nil {
			logger.WithError(err).Error("heartbeat failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	runner.Start()
	defer runner.Stop()

	shutdown := middleware.NewGracefulShutdown(httpSrv, 10*time.Second)
	shutdown.OnShutdown(func() {
		logger.WithFields(nil).Info("shutting down")
		if err := cp.deregister(); err != nil {
			logger.WithError(err).Error("deregister failed")
		}
	})
	shutdown.ListenForSignals()

	stopped := make(chan struct{})
	go func() {
		shutdown.Wait()
		close(stopped)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-stopped:
		return nil
	}
}

// controlPlaneClient is the node's thin outbound client for the three calls
// it makes to the control plane: register, heartbeat, and deregister.
type controlPlaneClient struct {
	cfg        config.EngineNodeConfig
	httpClient *http.Client
}

func newControlPlaneClient(cfg config.EngineNodeConfig) *controlPlaneClient {
	return &controlPlaneClient{cfg: cfg, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (c *controlPlaneClient) do(method, path string, body interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.cfg.ControlPlaneAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set(middleware.BearerHeader, "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	return nil
}

type registerRequest struct {
	NodeID   string          `json:"nodeId"`
	Address  string          `json:"address"`
	Capacity config.Capacity `json:"capacity"`
}

func (c *controlPlaneClient) register() error {
	return c.do(http.MethodPost, "/api/nodes/register", registerRequest{
		NodeID:   c.cfg.NodeID,
		Address:  c.cfg.AdvertisedAddr,
		Capacity: c.cfg.Capacity,
	})
}

type heartbeatRequest struct {
	ContainerCount int     `json:"containerCount"`
	MatchCount     int     `json:"matchCount"`
	CPUUsagePct    float64 `json:"cpuUsagePct"`
	MemoryUsedMB   float64 `json:"memoryUsedMb"`
	MemoryMaxMB    float64 `json:"memoryMaxMb"`
}

// heartbeat reports zero-valued load metrics: the node does not sample its
// container count, match count, CPU or memory.
func (c *controlPlaneClient) heartbeat() error {
	return c.do(http.MethodPost, "/api/nodes/"+c.cfg.NodeID+"/heartbeat", heartbeatRequest{})
}

func (c *controlPlaneClient) deregister() error {
	return c.do(http.MethodDelete, "/api/nodes/"+c.cfg.NodeID, nil)
}
