// Package autoscaler implements the periodic scale evaluator described in
// spec.md section 4.5: a hysteresis band with scale-up/scale-down
// thresholds and a cooldown that suppresses repeat recommendations right
// after an operator acts on one.
//
// Execution is advisory only. Evaluate reports what should happen;
// Acknowledge records that an operator (or an external executor) has acted
// on a recommendation and starts the cooldown window. The autoscaler never
// registers or deregisters nodes itself.
package autoscaler

import (
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ireland-samantha/forgefleet/infrastructure/config"
	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/internal/registry"
)

// Action is the evaluator's verdict.
type Action string

const (
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
	ActionNone      Action = "NONE"
)

// Recommendation is one evaluation's outcome.
type Recommendation struct {
	Action           Action
	CurrentNodes     int
	RecommendedNodes int
	Delta            int
	Saturation       float64
	Reason           string
	EvaluatedAt      time.Time
}

// Autoscaler evaluates cluster saturation against the registry's current
// membership on a timer.
type Autoscaler struct {
	mu sync.Mutex

	registry *registry.Registry
	cfg      config.AutoscalerConfig

	lastRecommendation Recommendation
	lastAcknowledgedAt time.Time

	runner *cron.Cron
}

// New creates an Autoscaler reading saturation from reg.
func New(reg *registry.Registry, cfg config.AutoscalerConfig) *Autoscaler {
	return &Autoscaler{registry: reg, cfg: cfg}
}

// Evaluate computes and records the current recommendation.
func (a *Autoscaler) Evaluate() Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	healthy, containerCount, maxContainers := a.registry.AggregateSaturation()

	rec := Recommendation{
		CurrentNodes: healthy,
		EvaluatedAt:  now,
	}

	if maxContainers == 0 || healthy == 0 {
		rec.Action = ActionNone
		rec.RecommendedNodes = healthy
		rec.Reason = "no nodes available to evaluate"
		a.lastRecommendation = rec
		return rec
	}

	rec.Saturation = float64(containerCount) / float64(maxContainers)
	perNodeCapacity := float64(maxContainers) / float64(healthy)

	cooldown := time.Duration(a.cfg.CooldownSeconds) * time.Second
	if !a.lastAcknowledgedAt.IsZero() && now.Sub(a.lastAcknowledgedAt) < cooldown {
		rec.Action = ActionNone
		rec.RecommendedNodes = healthy
		rec.Reason = "cooldown"
		a.lastRecommendation = rec
		return rec
	}

	switch {
	case rec.Saturation >= a.cfg.ScaleUpAt:
		target := a.cfg.TargetSaturation
		if target <= 0 {
			target = 0.5
		}
		needed := int(math.Ceil(float64(containerCount) / (target * perNodeCapacity)))
		if needed <= healthy {
			needed = healthy + 1
		}
		if a.cfg.MaxNodes > 0 && needed > a.cfg.MaxNodes {
			needed = a.cfg.MaxNodes
		}
		rec.Action = ActionScaleUp
		rec.RecommendedNodes = needed
		rec.Delta = needed - healthy
		rec.Reason = "saturation at or above scale-up threshold"

	case rec.Saturation <= a.cfg.ScaleDownAt:
		target := a.cfg.TargetSaturation
		if target <= 0 {
			target = 0.5
		}
		needed := int(math.Ceil(float64(containerCount) / (target * perNodeCapacity)))
		if needed >= healthy {
			needed = healthy - 1
		}
		if needed < a.cfg.MinNodes {
			needed = a.cfg.MinNodes
		}
		if needed >= healthy {
			rec.Action = ActionNone
			rec.RecommendedNodes = healthy
			rec.Reason = "at minimum node floor"
		} else {
			rec.Action = ActionScaleDown
			rec.RecommendedNodes = needed
			rec.Delta = needed - healthy
			rec.Reason = "saturation at or below scale-down threshold"
		}

	default:
		rec.Action = ActionNone
		rec.RecommendedNodes = healthy
		rec.Reason = "within target band"
	}

	a.lastRecommendation = rec
	return rec
}

// Status returns the most recent recommendation without re-evaluating.
func (a *Autoscaler) Status() Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRecommendation
}

// Acknowledge records that an operator has acted on the current
// recommendation, starting the cooldown window.
func (a *Autoscaler) Acknowledge() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastRecommendation.Action == "" {
		return errors.Conflict("no recommendation to acknowledge")
	}
	a.lastAcknowledgedAt = time.Now()
	return nil
}

// Start schedules periodic evaluation on a robfig/cron "@every" timer.
func (a *Autoscaler) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.runner != nil {
		return nil
	}

	interval := a.cfg.EvaluationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	runner := cron.New()
	if _, err := runner.AddFunc("@every "+interval.String(), func() { a.Evaluate() }); err != nil {
		return errors.Internal("failed to schedule autoscaler evaluation", err)
	}
	runner.Start()
	a.runner = runner
	return nil
}

// Stop halts the periodic evaluation timer, if running.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	runner := a.runner
	a.runner = nil
	a.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
}
