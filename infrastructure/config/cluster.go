package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Capacity describes the default container/match ceilings applied to a
// newly registered node when the registration request omits them.
type Capacity struct {
	MaxContainers int `yaml:"maxContainers" json:"maxContainers"`
	MaxMatches    int `yaml:"maxMatches" json:"maxMatches"`
}

// AutoscalerConfig holds the keys named in spec.md section 4.5 / 6.
type AutoscalerConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluationInterval" json:"evaluationInterval"`
	ScaleUpAt          float64       `yaml:"scaleUpAt" json:"scaleUpAt"`
	ScaleDownAt        float64       `yaml:"scaleDownAt" json:"scaleDownAt"`
	TargetSaturation   float64       `yaml:"targetSaturation" json:"targetSaturation"`
	CooldownSeconds    int           `yaml:"cooldownSeconds" json:"cooldownSeconds"`
	MinNodes           int           `yaml:"minNodes" json:"minNodes"`
	MaxNodes           int           `yaml:"maxNodes" json:"maxNodes"`
}

// RegistryConfig holds node registry timing configuration.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout" json:"heartbeatTimeout"`
	OfflineRetention time.Duration `yaml:"offlineRetention" json:"offlineRetention"`
	SweepInterval    time.Duration `yaml:"sweepInterval" json:"sweepInterval"`
	DrainOnRejoin    bool          `yaml:"drainOnRejoin" json:"drainOnRejoin"`
}

// RouterConfig holds match-router related configuration.
type RouterConfig struct {
	// TerminalRecordRetention is how long a routing record survives after
	// its node goes OFFLINE, for MATCH_LOST diagnostics.
	TerminalRecordRetention time.Duration `yaml:"terminalRecordRetention" json:"terminalRecordRetention"`
	// MaxTerminalRecords bounds the retention map so a long-lived control
	// plane does not leak memory from short-lived matches.
	MaxTerminalRecords int `yaml:"maxTerminalRecords" json:"maxTerminalRecords"`
}

// HTTPConfig holds listen address / timeout configuration for the REST+WS surface.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ProxyTimeout time.Duration `yaml:"proxyTimeout" json:"proxyTimeout"`
}

// ClusterConfig is the root configuration document for the control plane.
type ClusterConfig struct {
	HTTP             HTTPConfig       `yaml:"http" json:"http"`
	Autoscaler       AutoscalerConfig `yaml:"autoscaler" json:"autoscaler"`
	Registry         RegistryConfig   `yaml:"registry" json:"registry"`
	Router           RouterConfig     `yaml:"router" json:"router"`
	DefaultCapacity  Capacity         `yaml:"defaultCapacity" json:"defaultCapacity"`
	AuthTokenSecret  string           `yaml:"authTokenSecret" json:"-"`
}

// Default returns a ClusterConfig populated with sensible defaults matching
// the scenario thresholds in spec.md section 8 (0.75 / 0.30 / 0.50).
func Default() ClusterConfig {
	return ClusterConfig{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ProxyTimeout: 10 * time.Second,
		},
		Autoscaler: AutoscalerConfig{
			EvaluationInterval: 30 * time.Second,
			ScaleUpAt:          0.75,
			ScaleDownAt:        0.30,
			TargetSaturation:   0.50,
			CooldownSeconds:    300,
			MinNodes:           1,
			MaxNodes:           50,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: 30 * time.Second,
			OfflineRetention: 10 * time.Minute,
			SweepInterval:    5 * time.Second,
			DrainOnRejoin:    false,
		},
		Router: RouterConfig{
			TerminalRecordRetention: 2 * time.Minute,
			MaxTerminalRecords:      10000,
		},
		DefaultCapacity: Capacity{
			MaxContainers: 4,
			MaxMatches:    16,
		},
	}
}

// LoadFile loads a ClusterConfig document from a YAML file, overlaying it on
// top of Default() so a partial document is valid.
func LoadFile(path string) (ClusterConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read cluster config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse cluster config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables onto a base ClusterConfig.
// Environment variables take precedence over both Default() and a loaded file,
// matching the teacher's env-over-file-over-default precedence.
func LoadFromEnv(base ClusterConfig) ClusterConfig {
	cfg := base

	cfg.HTTP.Addr = GetEnv("CONTROLPLANE_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ProxyTimeout = GetEnvDuration("CONTROLPLANE_PROXY_TIMEOUT", cfg.HTTP.ProxyTimeout)

	cfg.Autoscaler.EvaluationInterval = GetEnvDuration("AUTOSCALER_EVALUATION_INTERVAL", cfg.Autoscaler.EvaluationInterval)
	cfg.Autoscaler.ScaleUpAt = GetEnvFloat("AUTOSCALER_SCALE_UP_AT", cfg.Autoscaler.ScaleUpAt)
	cfg.Autoscaler.ScaleDownAt = GetEnvFloat("AUTOSCALER_SCALE_DOWN_AT", cfg.Autoscaler.ScaleDownAt)
	cfg.Autoscaler.TargetSaturation = GetEnvFloat("AUTOSCALER_TARGET_SATURATION", cfg.Autoscaler.TargetSaturation)
	cfg.Autoscaler.CooldownSeconds = GetEnvInt("AUTOSCALER_COOLDOWN_SECONDS", cfg.Autoscaler.CooldownSeconds)
	cfg.Autoscaler.MinNodes = GetEnvInt("AUTOSCALER_MIN_NODES", cfg.Autoscaler.MinNodes)
	cfg.Autoscaler.MaxNodes = GetEnvInt("AUTOSCALER_MAX_NODES", cfg.Autoscaler.MaxNodes)

	cfg.Registry.HeartbeatTimeout = GetEnvDuration("REGISTRY_HEARTBEAT_TIMEOUT", cfg.Registry.HeartbeatTimeout)
	cfg.Registry.OfflineRetention = GetEnvDuration("REGISTRY_OFFLINE_RETENTION", cfg.Registry.OfflineRetention)
	cfg.Registry.SweepInterval = GetEnvDuration("REGISTRY_SWEEP_INTERVAL", cfg.Registry.SweepInterval)
	cfg.Registry.DrainOnRejoin = GetEnvBool("REGISTRY_DRAIN_ON_REJOIN", cfg.Registry.DrainOnRejoin)

	cfg.Router.TerminalRecordRetention = GetEnvDuration("ROUTER_TERMINAL_RETENTION", cfg.Router.TerminalRecordRetention)
	cfg.Router.MaxTerminalRecords = GetEnvInt("ROUTER_MAX_TERMINAL_RECORDS", cfg.Router.MaxTerminalRecords)

	cfg.DefaultCapacity.MaxContainers = GetEnvInt("NODE_DEFAULT_MAX_CONTAINERS", cfg.DefaultCapacity.MaxContainers)
	cfg.DefaultCapacity.MaxMatches = GetEnvInt("NODE_DEFAULT_MAX_MATCHES", cfg.DefaultCapacity.MaxMatches)

	cfg.AuthTokenSecret = GetEnv("CONTROLPLANE_AUTH_SECRET", cfg.AuthTokenSecret)

	return cfg
}

// EngineNodeConfig is the root configuration document for an engine node
// binary: its own listen address, the control plane it registers with, and
// the capacity it advertises at registration time.
type EngineNodeConfig struct {
	NodeID            string        `yaml:"nodeId" json:"nodeId"`
	HTTPAddr          string        `yaml:"httpAddr" json:"httpAddr"`
	AdvertisedAddr    string        `yaml:"advertisedAddr" json:"advertisedAddr"`
	ControlPlaneAddr  string        `yaml:"controlPlaneAddr" json:"controlPlaneAddr"`
	AuthToken         string        `yaml:"authToken" json:"-"`
	Capacity          Capacity      `yaml:"capacity" json:"capacity"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	TickInterval      time.Duration `yaml:"tickInterval" json:"tickInterval"`
}

// DefaultEngineNode returns an EngineNodeConfig with sensible defaults.
func DefaultEngineNode() EngineNodeConfig {
	return EngineNodeConfig{
		HTTPAddr:          ":9000",
		ControlPlaneAddr:  "http://127.0.0.1:8080",
		Capacity:          Capacity{MaxContainers: 4, MaxMatches: 16},
		HeartbeatInterval: 10 * time.Second,
		TickInterval:      100 * time.Millisecond,
	}
}

// LoadEngineNodeFromEnv overlays environment variables onto a base
// EngineNodeConfig, matching ClusterConfig's env-over-default precedence.
func LoadEngineNodeFromEnv(base EngineNodeConfig) EngineNodeConfig {
	cfg := base

	cfg.NodeID = GetEnv("NODE_ID", cfg.NodeID)
	cfg.HTTPAddr = GetEnv("NODE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.AdvertisedAddr = GetEnv("NODE_ADVERTISED_ADDR", cfg.AdvertisedAddr)
	cfg.ControlPlaneAddr = GetEnv("CONTROLPLANE_ADDR_EXTERNAL", cfg.ControlPlaneAddr)
	cfg.AuthToken = GetEnv("NODE_AUTH_TOKEN", cfg.AuthToken)
	cfg.Capacity.MaxContainers = GetEnvInt("NODE_MAX_CONTAINERS", cfg.Capacity.MaxContainers)
	cfg.Capacity.MaxMatches = GetEnvInt("NODE_MAX_MATCHES", cfg.Capacity.MaxMatches)
	cfg.HeartbeatInterval = GetEnvDuration("NODE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.TickInterval = GetEnvDuration("NODE_TICK_INTERVAL", cfg.TickInterval)

	return cfg
}
