// Command controlplane runs the cluster control plane: node registry,
// match router, and autoscaler, fronted by the REST+WebSocket surface in
// internal/httpapi. Its command surface is built on spf13/cobra, the way
// the pack's own multi-command orchestrator CLI (cuemby/warren's
// cmd/warren) structures a "serve plus a handful of admin verbs" binary.
package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
	"github.com/ireland-samantha/forgefleet/infrastructure/metrics"
	"github.com/ireland-samantha/forgefleet/infrastructure/middleware"
	"github.com/ireland-samantha/forgefleet/internal/autoscaler"
	"github.com/ireland-samantha/forgefleet/internal/httpapi"
	"github.com/ireland-samantha/forgefleet/internal/nodeclient"
	"github.com/ireland-samantha/forgefleet/internal/registry"
	"github.com/ireland-samantha/forgefleet/internal/router"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "controlplane",
	Short: "Control plane for a forgefleet engine-node cluster",
}

func init() {
	rootCmd.PersistentFlags().String("api-addr", "http://127.0.0.1:8080", "Control plane API address, for the admin subcommands")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for admin subcommands (overrides CONTROLPLANE_TOKEN)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(autoscalerCmd)
	rootCmd.AddCommand(tokenCmd)
}

// --- token -----------------------------------------------------------------

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint bearer tokens for operators and engine nodes",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue SUBJECT",
	Short: "Issue a signed bearer token for SUBJECT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		role, _ := cmd.Flags().GetString("role")
		cfg := config.LoadFromEnv(mustLoadFile(configPath))
		if cfg.AuthTokenSecret == "" {
			return fmt.Errorf("CONTROLPLANE_AUTH_SECRET is not configured")
		}

		issuer := middleware.NewTokenIssuer(cfg.AuthTokenSecret, 0)
		token, err := issuer.Issue(args[0], role)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().String("config", "", "Path to a cluster config YAML file")
	tokenIssueCmd.Flags().String("role", "node", "Role claim embedded in the token (operator, node)")
	tokenCmd.AddCommand(tokenIssueCmd)
}

// --- serve ---------------------------------------------------------------

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a cluster config YAML file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.LoadFromEnv(mustLoadFile(configPath))

	logger := logging.NewFromEnv("controlplane")
	m := metrics.New("controlplane")

	reg := registry.New(cfg.Registry, logger, m)
	if err := reg.StartSweeper(); err != nil {
		return fmt.Errorf("start registry sweeper: %w", err)
	}
	defer reg.StopSweeper()

	client := nodeclient.New(nodeclient.Config{
		Timeout:     cfg.HTTP.ProxyTimeout,
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		HalfOpenMax: 1,
	})

	rtr, err := router.New(reg, client, cfg.Router.MaxTerminalRecords, cfg.Router.TerminalRecordRetention)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	asc := autoscaler.New(reg, cfg.Autoscaler)
	if err := asc.Start(); err != nil {
		return fmt.Errorf("start autoscaler: %w", err)
	}
	defer asc.Stop()

	api := httpapi.NewServer(cfg, reg, rtr, asc, logger, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Handler())

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.WithFields(map[string]interface{}{"addr": cfg.HTTP.Addr}).Info("control plane listening")

	shutdown := middleware.NewGracefulShutdown(srv, 10*time.Second)
	shutdown.OnShutdown(func() {
		logger.WithFields(nil).Info("shutting down")
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

func mustLoadFile(path string) config.ClusterConfig {
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, falling back to defaults\n", err)
		return config.Default()
	}
	return cfg
}

// --- node ------------------------------------------------------------------

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Administer registered engine nodes",
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain NODE_ID",
	Short: "Mark a node DRAINING so it stops receiving new placements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost(cmd, fmt.Sprintf("/api/nodes/%s/drain", args[0]), nil)
	},
}

var nodeDeregisterCmd = &cobra.Command{
	Use:   "deregister NODE_ID",
	Short: "Remove a node from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminDelete(cmd, fmt.Sprintf("/api/nodes/%s", args[0]))
	},
}

func init() {
	nodeCmd.AddCommand(nodeDrainCmd)
	nodeCmd.AddCommand(nodeDeregisterCmd)
}

// --- autoscaler --------------------------------------------------------

var autoscalerCmd = &cobra.Command{
	Use:   "autoscaler",
	Short: "Inspect and acknowledge autoscaler recommendations",
}

var autoscalerAckCmd = &cobra.Command{
	Use:   "ack",
	Short: "Acknowledge the current scaling recommendation, starting its cooldown",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost(cmd, "/api/autoscaler/acknowledge", nil)
	},
}

func init() {
	autoscalerCmd.AddCommand(autoscalerAckCmd)
}

// --- shared admin HTTP helpers ------------------------------------------

func adminClient(cmd *cobra.Command) (addr, token string) {
	addr, _ = cmd.Flags().GetString("api-addr")
	token, _ = cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("CONTROLPLANE_TOKEN")
	}
	return addr, token
}

func adminPost(cmd *cobra.Command, path string, body []byte) error {
	return adminDo(cmd, http.MethodPost, path, body)
}

func adminDelete(cmd *cobra.Command, path string) error {
	return adminDo(cmd, http.MethodDelete, path, nil)
}

func adminDo(cmd *cobra.Command, method, path string, body []byte) error {
	addr, token := adminClient(cmd)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, addr+path, reader)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set(middleware.BearerHeader, "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}
